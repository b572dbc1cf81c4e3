package sentry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"cloud-pbx/internal/coordinator"
	"cloud-pbx/internal/directory"
)

// Admission checks run before a call is routed. They are evaluated in order and
// stop at the first failure.

type Action string

const (
	ActionReject   Action = "reject"
	ActionRedirect Action = "redirect"
)

// Call is the subset of an inbound call the checks look at.
type Call struct {
	CallID   string
	TenantID string
	From     string
	To       string
}

// Outcome is the result of a single check. Reason is set when Allowed is false.
type Outcome struct {
	Allowed bool
	Reason  string
}

func pass() Outcome { return Outcome{Allowed: true} }

type Check interface {
	Name() string
	Check(ctx context.Context, call Call, did *directory.DID) (Outcome, error)
	SuggestedAction() Action
}

// Counter is a fixed-window atomic counter; the coordinator implements it.
type Counter interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Result is the admission decision for one call.
type Result struct {
	Allowed bool
	Reason  string
	Action  Action
	// Check names the check that blocked the call.
	Check string
}

type Options struct {
	Logger *slog.Logger
	// OnBlock is called for every blocked call (audit, metrics).
	OnBlock func(ctx context.Context, call Call, did *directory.DID, res Result)
}

type Sentry struct {
	checks []Check
	opts   Options
	log    *slog.Logger
}

func New(opts Options, checks ...Check) *Sentry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Sentry{checks: checks, opts: opts, log: opts.Logger.With("component", "sentry")}
}

// NewDefault wires the velocity, volume and blacklist checks in that order.
func NewDefault(counter Counter, opts Options) *Sentry {
	return New(opts,
		NewVelocityCheck(counter),
		NewVolumeCheck(counter),
		NewBlacklistCheck(),
	)
}

// Evaluate runs the checks until one blocks. A check that cannot reach its
// counter backend fails open: the call is admitted and a warning logged.
func (s *Sentry) Evaluate(ctx context.Context, call Call, did *directory.DID) Result {
	for _, c := range s.checks {
		out, err := c.Check(ctx, call, did)
		if err != nil {
			level := slog.LevelWarn
			if !errors.Is(err, coordinator.ErrUnavailable) {
				level = slog.LevelError
			}
			s.log.Log(ctx, level, "sentry check skipped", "check", c.Name(), "call_id", call.CallID, "err", err)
			continue
		}
		if out.Allowed {
			continue
		}
		res := Result{Allowed: false, Reason: out.Reason, Action: c.SuggestedAction(), Check: c.Name()}
		s.log.Info("call blocked by sentry",
			"check", c.Name(),
			"tenant_id", call.TenantID,
			"call_id", call.CallID,
			"from", call.From,
			"reason", out.Reason,
		)
		if s.opts.OnBlock != nil {
			s.opts.OnBlock(ctx, call, did, res)
		}
		return res
	}
	return Result{Allowed: true}
}
