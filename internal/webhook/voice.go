package webhook

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"cloud-pbx/internal/apperr"
	"cloud-pbx/internal/calls"
	"cloud-pbx/internal/cxml"
	"cloud-pbx/internal/directory"
	"cloud-pbx/internal/routing"
	"cloud-pbx/internal/sentry"
	"cloud-pbx/pkg/logger"

	"github.com/gin-gonic/gin"
)

// sentryCausePrefix marks calls failed by admission checks.
const sentryCausePrefix = "sentry_"

func (h *Handler) CallInitiated(c *gin.Context) {
	form, err := parseVoiceForm(c.Request)
	if err != nil {
		h.voiceFailure(c, apperr.Validation("invalid payload", err))
		return
	}
	if form.CallID == "" || form.To == "" {
		h.voiceFailure(c, apperr.Validation("call_id and to are required", errMissingCallID))
		return
	}
	c.Set(logger.GinKeyCallID, form.CallID)

	key := dedupKey("call-initiated", c.GetHeader(headerIdempotencyKey), form.CallID)
	h.serveVoice(c, PathCallInitiated, key, form.CallID, func(ctx context.Context) (*cxml.Document, error) {
		return h.routeInbound(ctx, form)
	})
}

// routeInbound runs under the call lock.
func (h *Handler) routeInbound(ctx context.Context, form VoiceForm) (*cxml.Document, error) {
	log := logger.From(ctx).With("call_id", form.CallID)

	did, err := h.deps.Directory.LookupDID(ctx, form.To)
	if errors.Is(err, directory.ErrNotFound) {
		log.Warn("inbound call to unknown number", "to", form.To)
		return routing.Unavailable(""), nil
	}
	if err != nil {
		return nil, apperr.Transient("directory lookup failed", err)
	}
	if !did.Status.Active() {
		log.Info("inbound call to inactive number", "to", form.To, "tenant_id", did.TenantID)
		return routing.Unavailable(""), nil
	}
	log = log.With("tenant_id", did.TenantID)

	created, err := h.deps.Calls.Register(ctx, calls.Call{
		CallID:          form.CallID,
		TenantID:        did.TenantID,
		Direction:       calls.DirectionInbound,
		From:            form.From,
		To:              form.To,
		Status:          calls.CallStatusInitiated,
		DestinationType: string(did.Destination.Type),
		ProviderStatus:  form.CallStatus,
	})
	if err != nil {
		return nil, apperr.Transient("call record unavailable", err)
	}

	if created {
		res := h.deps.Sentry.Evaluate(ctx, sentry.Call{
			CallID:   form.CallID,
			TenantID: did.TenantID,
			From:     form.From,
			To:       form.To,
		}, did)
		if !res.Allowed {
			if _, err := h.deps.Calls.TransitionLocked(ctx, form.CallID, calls.CallStatusFailed, map[string]string{
				calls.FieldHangupCause: sentryCausePrefix + res.Check,
			}); err != nil {
				log.Warn("failed to mark rejected call", "err", err)
			}
			return cxml.SayHangup(MsgRejected), nil
		}
	} else {
		// Re-delivery after the idempotency window: do not count the call twice.
		prev, err := h.deps.Calls.Get(ctx, form.CallID)
		if err != nil {
			return nil, apperr.Transient("call record unavailable", err)
		}
		if strings.HasPrefix(prev.HangupCause, sentryCausePrefix) {
			return cxml.SayHangup(MsgRejected), nil
		}
		log.Info("call already registered, routing again")
	}

	dest, err := h.deps.Directory.Resolve(ctx, did.TenantID, did.Destination)
	if errors.Is(err, directory.ErrNotFound) || errors.Is(err, directory.ErrTypeMismatch) {
		log.Warn("destination not resolvable", "destination", did.Destination.String(), "err", err)
		return routing.Unavailable(""), nil
	}
	if err != nil {
		return nil, apperr.Transient("destination lookup failed", err)
	}

	return h.deps.Dispatcher.Dispatch(ctx, routing.Request{
		Call:        routing.Call{CallID: form.CallID, TenantID: did.TenantID, From: form.From, To: form.To},
		DID:         did,
		Destination: dest,
	})
}

// RingGroupCallback advances a sequential ring group after a member did not answer.
// All attempt state comes from the signed session token.
func (h *Handler) RingGroupCallback(c *gin.Context) {
	form, err := parseVoiceForm(c.Request)
	if err != nil {
		h.voiceFailure(c, apperr.Validation("invalid payload", err))
		return
	}
	attempt, err := queryInt(c.Request, "attempt_number")
	if err != nil {
		h.voiceFailure(c, apperr.Validation("invalid attempt_number", err))
		return
	}
	rgID := c.Query("ring_group_id")
	sess, err := h.deps.Sessions.Verify(c.Query("session"))
	if err != nil {
		h.voiceFailure(c, apperr.Validation("invalid session", err))
		return
	}
	if sess.RingGroupID != rgID || sess.Attempt != attempt || (form.CallID != "" && form.CallID != sess.CallID) {
		h.voiceFailure(c, apperr.Validation("session does not match callback", routing.ErrInvalidSession))
		return
	}
	c.Set(logger.GinKeyCallID, sess.CallID)

	key := dedupKey("ring-group", c.GetHeader(headerIdempotencyKey), sess.CallID, rgID, strconv.Itoa(attempt))
	h.serveVoice(c, PathRingGroup, key, sess.CallID, func(ctx context.Context) (*cxml.Document, error) {
		switch strings.ToLower(form.DialCallStatus) {
		case "completed", "answered":
			// The member answered and the bridge has ended.
			return cxml.New(&cxml.Hangup{}), nil
		}
		dest, err := h.deps.Directory.Resolve(ctx, sess.TenantID, directory.Ref{Type: directory.TypeRingGroup, ID: rgID})
		if errors.Is(err, directory.ErrNotFound) || errors.Is(err, directory.ErrTypeMismatch) {
			return routing.Unavailable(""), nil
		}
		if err != nil {
			return nil, apperr.Transient("ring group lookup failed", err)
		}
		return h.deps.Dispatcher.Dispatch(ctx, routing.Request{
			Call:        routing.Call{CallID: sess.CallID, TenantID: sess.TenantID, From: form.From, To: form.To},
			Destination: dest,
			Attempt:     attempt,
		})
	})
}

// IVRCallback handles collected digits, or no input via the menu's redirect.
func (h *Handler) IVRCallback(c *gin.Context) {
	form, err := parseVoiceForm(c.Request)
	if err != nil {
		h.voiceFailure(c, apperr.Validation("invalid payload", err))
		return
	}
	menuID := strings.TrimSpace(c.Query("menu_id"))
	if form.CallID == "" || menuID == "" {
		h.voiceFailure(c, apperr.Validation("call_id and menu_id are required", errMissingCallID))
		return
	}
	turn := 0
	if c.Query("turn") != "" {
		if turn, err = queryInt(c.Request, "turn"); err != nil {
			h.voiceFailure(c, apperr.Validation("invalid turn", err))
			return
		}
	}
	c.Set(logger.GinKeyCallID, form.CallID)

	key := dedupKey("ivr", c.GetHeader(headerIdempotencyKey), form.CallID, menuID, strconv.Itoa(turn))
	h.serveVoice(c, PathIVR, key, form.CallID, func(ctx context.Context) (*cxml.Document, error) {
		rec, err := h.deps.Calls.Get(ctx, form.CallID)
		if errors.Is(err, calls.ErrNotFound) {
			logger.From(ctx).Warn("ivr input for unknown call", "call_id", form.CallID)
			return routing.Unavailable(""), nil
		}
		if err != nil {
			return nil, apperr.Transient("call record unavailable", err)
		}
		return h.deps.IVR.Handle(ctx, routing.IVRInput{
			Call:     routing.Call{CallID: rec.CallID, TenantID: rec.TenantID, From: rec.From, To: rec.To},
			MenuID:   menuID,
			Digits:   form.Digits,
			TurnHint: turn,
		})
	})
}

// StatusCallback applies provider call progress to the state machine.
// Out-of-order or repeated statuses are rejected by the transition table and
// still acknowledged with 204.
func (h *Handler) StatusCallback(c *gin.Context) {
	form, err := parseVoiceForm(c.Request)
	if err != nil {
		jsonFailure(c, apperr.Validation("invalid payload", err))
		return
	}
	if form.CallID == "" {
		jsonFailure(c, apperr.Validation("call_id is required", errMissingCallID))
		return
	}
	to, ok := calls.MapProviderStatus(form.CallStatus)
	if !ok {
		jsonFailure(c, apperr.Validation("unknown call status "+strconv.Quote(form.CallStatus), nil))
		return
	}
	c.Set(logger.GinKeyCallID, form.CallID)

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.deps.Budget)
	defer cancel()

	key := dedupKey("status", c.GetHeader(headerIdempotencyKey), form.CallID, string(to))
	if resp, ok := h.cache.load(ctx, key); ok {
		h.replay(c, PathStatus, resp)
		return
	}

	extra := map[string]string{}
	for k, v := range map[string]string{
		calls.FieldProviderStatus:  form.CallStatus,
		calls.FieldAnsweredBy:      form.AnsweredBy,
		calls.FieldHangupCause:     form.HangupCause,
		calls.FieldRecordingURL:    form.RecordingURL,
		calls.FieldDurationSeconds: form.Duration,
	} {
		if v != "" {
			extra[k] = v
		}
	}

	err = h.deps.Calls.WithCallLock(ctx, form.CallID, func(ctx context.Context) error {
		cur, err := h.deps.Calls.Get(ctx, form.CallID)
		if errors.Is(err, calls.ErrNotFound) {
			return apperr.Business("unknown call", err)
		}
		if err != nil {
			return apperr.Transient("call record unavailable", err)
		}
		for _, step := range statusPath(cur.Status, to) {
			ok, err := h.deps.Calls.TransitionLocked(ctx, form.CallID, step, extra)
			if err != nil {
				return apperr.Transient("call state update failed", err)
			}
			if !ok {
				break
			}
		}
		h.cache.store(ctx, key, storedResponse{Status: http.StatusNoContent})
		return nil
	})
	if err != nil {
		jsonFailure(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// statusPath fills in "ringing" when the provider reports progress on a call
// we have only seen initiated.
func statusPath(from, to calls.CallStatus) []calls.CallStatus {
	if from == calls.CallStatusInitiated && !calls.CanTransition(from, to) && calls.CanTransition(calls.CallStatusRinging, to) {
		return []calls.CallStatus{calls.CallStatusRinging, to}
	}
	return []calls.CallStatus{to}
}
