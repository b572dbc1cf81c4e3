package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloud-pbx/internal/coordinator"
	"cloud-pbx/internal/cxml"
	"cloud-pbx/internal/directory"
)

// IVR defaults, used when the menu leaves a value unset.
const (
	DefaultIVRTimeout      = 10
	DefaultIVRDigitTimeout = 3
	DefaultIVRMaxTurns     = 3
)

// TurnState is the per-call IVR progress. All mutation happens under the call lock.
type TurnState struct {
	MenuID    string `json:"menu_id"`
	TurnCount int    `json:"turn_count"`
	Digits    string `json:"digits"`
}

// TurnStore keeps TurnState in the coordinator cache, keyed by call id.
type TurnStore struct {
	cache *coordinator.Coordinator
	ttl   time.Duration
}

func NewTurnStore(cache *coordinator.Coordinator, ttl time.Duration) *TurnStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TurnStore{cache: cache, ttl: ttl}
}

func TurnStateKey(callID string) string { return "ivr_state:" + callID }

func (s *TurnStore) Load(ctx context.Context, callID string) (TurnState, bool) {
	raw, ok := s.cache.Get(ctx, TurnStateKey(callID))
	if !ok {
		return TurnState{}, false
	}
	var st TurnState
	if err := json.Unmarshal(raw, &st); err != nil {
		return TurnState{}, false
	}
	return st, true
}

func (s *TurnStore) Save(ctx context.Context, callID string, st TurnState) {
	raw, err := json.Marshal(st)
	if err != nil {
		return
	}
	s.cache.Put(ctx, TurnStateKey(callID), raw, s.ttl)
}

func (s *TurnStore) Clear(ctx context.Context, callID string) {
	s.cache.Forget(ctx, TurnStateKey(callID))
}

// IVRStrategy plays a menu prompt inside a Gather.
type IVRStrategy struct {
	Turns     *TurnStore
	Callbacks Callbacks
}

func (*IVRStrategy) CanHandle(t directory.DestinationType) bool {
	return t == directory.TypeIVRMenu
}

// Route expects the caller to hold the call lock.
func (s *IVRStrategy) Route(ctx context.Context, req Request) (*cxml.Document, error) {
	menu, ok := req.Destination.(*directory.IVRMenu)
	if !ok {
		return nil, fmt.Errorf("routing: ivr strategy got %T", req.Destination)
	}

	// A re-prompt carries its turn on the request: the cache may not have kept it.
	st := TurnState{MenuID: menu.ID, TurnCount: req.Turn}
	if req.Turn == 0 {
		if cached, ok := s.Turns.Load(ctx, req.Call.CallID); ok && cached.MenuID == menu.ID {
			st = cached
		} else {
			s.Turns.Save(ctx, req.Call.CallID, st)
		}
	}

	g := &cxml.Gather{
		Action:       s.Callbacks.IVR(menu.ID, st.TurnCount),
		Method:       "POST",
		Timeout:      orDefault(menu.Timeout, DefaultIVRTimeout),
		DigitTimeout: orDefault(menu.DigitTimeout, DefaultIVRDigitTimeout),
		FinishOnKey:  "#",
		NumDigits:    maxOptionDigits(menu),
	}
	if req.Notice != "" {
		g.Prompts = append(g.Prompts, &cxml.Say{Text: req.Notice})
	}
	g.Prompts = append(g.Prompts, menuPrompt(menu))

	// No input falls through to the redirect, which counts as an empty selection.
	return cxml.New(g, &cxml.Redirect{Method: "POST", URL: s.Callbacks.IVR(menu.ID, st.TurnCount)}), nil
}

// menuPrompt picks the audio source: file first, then TTS, then the default prompt.
func menuPrompt(menu *directory.IVRMenu) cxml.Verb {
	if p := strings.TrimSpace(menu.AudioFilePath); p != "" {
		return &cxml.Play{URL: p}
	}
	if t := strings.TrimSpace(menu.TTSText); t != "" {
		return &cxml.Say{Text: t, Voice: menu.TTSVoice, Language: menu.TTSLanguage}
	}
	return &cxml.Say{Text: MsgDefaultIVRPrompt}
}

func maxOptionDigits(menu *directory.IVRMenu) int {
	n := 1
	for k := range menu.Options {
		if len(k) > n {
			n = len(k)
		}
	}
	return n
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// IVRInput is one digit-collection result posted by the provider.
type IVRInput struct {
	Call   Call
	MenuID string
	Digits string
	// TurnHint is the turn carried in the callback URL, used when no TurnState is cached.
	TurnHint int
}

// IVRInputHandler consumes IVR input and decides where the call goes next.
type IVRInputHandler struct {
	Directory  directory.Resolver
	Dispatcher *Dispatcher
	Turns      *TurnStore
	Log        *slog.Logger
}

// Handle expects the caller to hold the call lock.
func (h *IVRInputHandler) Handle(ctx context.Context, in IVRInput) (*cxml.Document, error) {
	dest, err := h.Directory.Resolve(ctx, in.Call.TenantID, directory.Ref{Type: directory.TypeIVRMenu, ID: in.MenuID})
	if errors.Is(err, directory.ErrNotFound) {
		return Unavailable(""), nil
	}
	if err != nil {
		return nil, fmt.Errorf("routing: resolve ivr menu %s: %w", in.MenuID, err)
	}
	menu := dest.(*directory.IVRMenu)

	st, ok := h.Turns.Load(ctx, in.Call.CallID)
	if !ok || st.MenuID != menu.ID {
		st = TurnState{MenuID: menu.ID, TurnCount: in.TurnHint}
	}
	digits := strings.TrimSpace(in.Digits)
	st.TurnCount++
	st.Digits += digits

	if ref, ok := menu.Options[digits]; ok && digits != "" {
		h.Turns.Clear(ctx, in.Call.CallID)
		return h.routeTo(ctx, in.Call, ref)
	}

	if st.TurnCount >= orDefault(menu.MaxTurns, DefaultIVRMaxTurns) {
		h.Turns.Clear(ctx, in.Call.CallID)
		h.logger().Info("ivr max turns reached", "call_id", in.Call.CallID, "menu_id", menu.ID, "turns", st.TurnCount)
		if menu.Failover != nil {
			return h.routeTo(ctx, in.Call, *menu.Failover)
		}
		return cxml.SayHangup(MsgIVRGoodbye), nil
	}

	h.Turns.Save(ctx, in.Call.CallID, st)
	notice := MsgInvalidOption
	if digits == "" {
		notice = MsgNoInput
	}
	return h.Dispatcher.Dispatch(ctx, Request{Call: in.Call, Destination: menu, Notice: notice, Turn: st.TurnCount})
}

func (h *IVRInputHandler) routeTo(ctx context.Context, call Call, ref directory.Ref) (*cxml.Document, error) {
	dest, err := h.Directory.Resolve(ctx, call.TenantID, ref)
	if errors.Is(err, directory.ErrNotFound) || errors.Is(err, directory.ErrTypeMismatch) {
		return Unavailable(""), nil
	}
	if err != nil {
		return nil, fmt.Errorf("routing: resolve ivr option %s: %w", ref, err)
	}
	return h.Dispatcher.Dispatch(ctx, Request{Call: call, Destination: dest})
}

func (h *IVRInputHandler) logger() *slog.Logger {
	if h.Log == nil {
		return slog.Default()
	}
	return h.Log
}
