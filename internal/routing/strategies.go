package routing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"cloud-pbx/internal/cxml"
	"cloud-pbx/internal/directory"
)

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// ExtensionStrategy dials an extension, or hands off to its forwarding target.
type ExtensionStrategy struct {
	Forward *ForwardStrategy
}

func (*ExtensionStrategy) CanHandle(t directory.DestinationType) bool {
	return t == directory.TypeExtension
}

func (s *ExtensionStrategy) Route(ctx context.Context, req Request) (*cxml.Document, error) {
	ext, ok := req.Destination.(*directory.Extension)
	if !ok {
		return nil, fmt.Errorf("routing: extension strategy got %T", req.Destination)
	}
	if !ext.Status.Active() {
		return Unavailable(""), nil
	}
	if ext.ForwardTo != "" && s.Forward != nil {
		fwd := req
		fwd.Destination = &directory.Forward{TenantID: ext.TenantID, Target: ext.ForwardTo}
		return s.Forward.Route(ctx, fwd)
	}
	if strings.TrimSpace(ext.Address) == "" {
		return Unavailable(""), nil
	}
	timeout := ext.RingTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	return cxml.New(cxml.NewDial(timeout, ext.Address)), nil
}

// ForwardStrategy resolves, in order: an address-style target, an external E.164
// number, then an extension number within the tenant.
type ForwardStrategy struct {
	Directory directory.Resolver
}

func (*ForwardStrategy) CanHandle(t directory.DestinationType) bool {
	return t == directory.TypeForward
}

func (s *ForwardStrategy) Route(ctx context.Context, req Request) (*cxml.Document, error) {
	fwd, ok := req.Destination.(*directory.Forward)
	if !ok {
		return nil, fmt.Errorf("routing: forward strategy got %T", req.Destination)
	}
	target := strings.TrimSpace(fwd.Target)
	if target == "" {
		return Unavailable("forward target not found"), nil
	}
	if cxml.ClassifyTarget(target) != cxml.TargetNumber || e164.MatchString(target) {
		return cxml.New(cxml.NewDial(DefaultDialTimeout, target)), nil
	}

	tenantID := fwd.TenantID
	if tenantID == "" {
		tenantID = req.Call.TenantID
	}
	ext, err := s.Directory.ExtensionByNumber(ctx, tenantID, target)
	if errors.Is(err, directory.ErrNotFound) {
		return Unavailable("forward target not found"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("routing: forward lookup %s: %w", target, err)
	}
	if !ext.Status.Active() {
		return Unavailable("forward target inactive"), nil
	}
	if strings.TrimSpace(ext.Address) == "" {
		return Unavailable("forward target not found"), nil
	}
	return cxml.New(cxml.NewDial(DefaultDialTimeout, ext.Address)), nil
}

// ConferenceStrategy joins the caller to a conference room.
type ConferenceStrategy struct{}

func (ConferenceStrategy) CanHandle(t directory.DestinationType) bool {
	return t == directory.TypeConferenceRoom
}

func (ConferenceStrategy) Route(ctx context.Context, req Request) (*cxml.Document, error) {
	room, ok := req.Destination.(*directory.ConferenceRoom)
	if !ok {
		return nil, fmt.Errorf("routing: conference strategy got %T", req.Destination)
	}
	if !room.Status.Active() {
		return Unavailable("this conference room is not active"), nil
	}
	return cxml.New(&cxml.Dial{Conference: &cxml.Conference{
		Room:  ConferenceRoomID(room.TenantID, room.ID),
		Muted: room.MuteOnEntry,
		Beep:  room.AnnounceJoin,
	}}), nil
}

// ConferenceRoomID derives a provider-safe room name; the human-entered name is never used.
func ConferenceRoomID(tenantID, roomID string) string {
	sum := sha256.Sum256([]byte(tenantID + ":" + roomID))
	return fmt.Sprintf("conf_%s_%s", tenantID, hex.EncodeToString(sum[:8]))
}

// AIAgentStrategy connects the call to an AI agent service. SIP endpoints are
// dialed; HTTP endpoints take over call control through a redirect.
type AIAgentStrategy struct{}

func (AIAgentStrategy) CanHandle(t directory.DestinationType) bool {
	return t == directory.TypeAIAgent
}

func (AIAgentStrategy) Route(ctx context.Context, req Request) (*cxml.Document, error) {
	agent, ok := req.Destination.(*directory.AIAgent)
	if !ok {
		return nil, fmt.Errorf("routing: ai agent strategy got %T", req.Destination)
	}
	endpoint := strings.TrimSpace(agent.Endpoint)
	if endpoint == "" {
		return Unavailable("the assistant is not configured"), nil
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" {
		return Unavailable("the assistant is not configured"), nil
	}

	q := u.Query()
	for k, v := range agent.Params {
		q.Set(k, v)
	}
	if agent.AuthToken != "" {
		q.Set("auth_token", agent.AuthToken)
	}
	q.Set("call_id", req.Call.CallID)
	q.Set("tenant_id", req.Call.TenantID)
	u.RawQuery = q.Encode()

	switch strings.ToLower(u.Scheme) {
	case "sip", "sips":
		return cxml.New(cxml.NewDial(DefaultDialTimeout, u.String())), nil
	case "http", "https":
		return cxml.New(&cxml.Redirect{Method: "POST", URL: u.String()}), nil
	}
	return Unavailable("the assistant is not configured"), nil
}

// QueueStrategy is a placeholder until call queues exist.
type QueueStrategy struct{}

func (QueueStrategy) CanHandle(t directory.DestinationType) bool { return t == directory.TypeQueue }

func (QueueStrategy) Route(ctx context.Context, req Request) (*cxml.Document, error) {
	return cxml.SayHangup(MsgQueueUnavailable), nil
}

type VoicemailStrategy struct {
	MaxLength int
}

func (VoicemailStrategy) CanHandle(t directory.DestinationType) bool {
	return t == directory.TypeVoicemail
}

func (s VoicemailStrategy) Route(ctx context.Context, req Request) (*cxml.Document, error) {
	vm, ok := req.Destination.(*directory.Voicemail)
	if !ok {
		return nil, fmt.Errorf("routing: voicemail strategy got %T", req.Destination)
	}
	if strings.TrimSpace(vm.Mailbox) == "" {
		return Unavailable("voicemail is not configured"), nil
	}
	maxLen := s.MaxLength
	if maxLen <= 0 {
		maxLen = 120
	}
	return cxml.New(&cxml.Voicemail{Mailbox: vm.Mailbox, MaxLength: maxLen, PlayBeep: true}, &cxml.Hangup{}), nil
}

type HangupStrategy struct{}

func (HangupStrategy) CanHandle(t directory.DestinationType) bool { return t == directory.TypeHangup }

func (HangupStrategy) Route(ctx context.Context, req Request) (*cxml.Document, error) {
	return cxml.New(&cxml.Hangup{}), nil
}
