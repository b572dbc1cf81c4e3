package routing

import (
	"context"
	"log/slog"

	"cloud-pbx/internal/cxml"
	"cloud-pbx/internal/directory"
)

// Caller-facing messages.
const (
	MsgUnavailable      = "The number you have called is not available. Goodbye."
	MsgNoAgents         = "No agents available. Please try again later. Goodbye."
	MsgQueueUnavailable = "This service is temporarily unavailable, please try later. Goodbye."
	MsgInvalidOption    = "Sorry, that is not a valid option."
	MsgNoInput          = "Sorry, we did not receive your selection."
	MsgIVRGoodbye       = "We did not receive a valid selection. Goodbye."
	MsgDefaultIVRPrompt = "Please enter the number of the option you want."

	DefaultDialTimeout = 30
)

// Call identifies the call being routed.
type Call struct {
	CallID   string
	TenantID string
	From     string
	To       string
}

// Request is one routing decision.
type Request struct {
	Call        Call
	DID         *directory.DID
	Destination directory.Destination
	// Attempt is the sequential ring group member index, from the session token.
	Attempt int
	// Notice is spoken before an IVR menu prompt on retries.
	Notice string
	// Turn is the IVR turn already counted by the input handler. Zero on first entry.
	Turn int
}

type Strategy interface {
	CanHandle(t directory.DestinationType) bool
	Route(ctx context.Context, req Request) (*cxml.Document, error)
}

// Unavailable is the terminal say+hangup response. A non-empty reason is spoken.
func Unavailable(reason string) *cxml.Document {
	if reason == "" {
		return cxml.SayHangup(MsgUnavailable)
	}
	return cxml.SayHangup("We are sorry, " + reason + ". Goodbye.")
}

// Dispatcher routes to the first registered strategy that handles the destination type.
type Dispatcher struct {
	strategies []Strategy
	log        *slog.Logger
}

func NewDispatcher(log *slog.Logger, strategies ...Strategy) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{strategies: strategies, log: log.With("component", "dispatcher")}
}

func (d *Dispatcher) Register(s Strategy) {
	d.strategies = append(d.strategies, s)
}

// Dispatch returns an unavailable response when no strategy matches. Errors are
// infrastructure failures; business outcomes are always documents.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*cxml.Document, error) {
	if req.Destination == nil {
		d.log.Warn("no destination resolved", "call_id", req.Call.CallID)
		return Unavailable(""), nil
	}
	t := req.Destination.Type()
	for _, s := range d.strategies {
		if s.CanHandle(t) {
			return s.Route(ctx, req)
		}
	}
	d.log.Warn("no routing strategy for destination", "call_id", req.Call.CallID, "type", t)
	return Unavailable(""), nil
}
