package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"cloud-pbx/internal/apperr"
	"cloud-pbx/internal/cdr"
	"cloud-pbx/internal/sessions"
	"cloud-pbx/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
)

var errTenantRequired = errors.New("tenant is required")

type sessionUpdateRequest struct {
	ID           string     `json:"id" binding:"required,max=128"`
	EventID      string     `json:"event_id" binding:"required,max=128"`
	Domain       string     `json:"domain" binding:"required,max=255"`
	SubscriberID string     `json:"subscriber_id" binding:"required,max=128"`
	Caller       string     `json:"caller" binding:"required,max=64"`
	Destination  string     `json:"destination" binding:"required,max=64"`
	Direction    string     `json:"direction" binding:"required,oneof=incoming outgoing"`
	Status       string     `json:"status" binding:"required,max=64"`
	StartedAt    time.Time  `json:"started_at" binding:"required"`
	EndedAt      *time.Time `json:"ended_at"`
	Action       string     `json:"action" binding:"max=64"`
	Reason       string     `json:"reason" binding:"max=255"`
	CallID       string     `json:"call_id" binding:"max=128"`
	ParentCallID string     `json:"parent_call_id" binding:"max=128"`
	Profile      string     `json:"profile" binding:"max=128"`
}

type cdrRequest struct {
	CallID          string     `json:"call_id" binding:"required,max=128"`
	From            string     `json:"from" binding:"max=64"`
	To              string     `json:"to" binding:"max=64"`
	Direction       string     `json:"direction" binding:"omitempty,oneof=inbound outbound"`
	Disposition     string     `json:"disposition" binding:"required,max=64"`
	StartTime       time.Time  `json:"start_time" binding:"required"`
	AnswerTime      *time.Time `json:"answer_time"`
	EndTime         *time.Time `json:"end_time"`
	DurationSeconds int        `json:"duration_seconds" binding:"gte=0"`
	BillableSeconds int        `json:"billable_seconds" binding:"gte=0"`
	HangupCause     string     `json:"hangup_cause" binding:"max=128"`
	RecordingURL    string     `json:"recording_url" binding:"omitempty,url"`
}

// bindStrict decodes JSON rejecting unknown fields, then runs the binding validator.
func bindStrict(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return binding.Validator.ValidateStruct(dst)
}

func tenantFrom(c *gin.Context) (string, error) {
	t := strings.TrimSpace(c.GetHeader(HeaderTenantID))
	if t == "" {
		return "", apperr.Business("tenant could not be resolved", errTenantRequired)
	}
	return t, nil
}

// SessionUpdate records a session event. A repeated event id for the tenant is a
// no-op answered with 201; a newly recorded event gets 200.
func (h *Handler) SessionUpdate(c *gin.Context) {
	tenantID, err := tenantFrom(c)
	if err != nil {
		jsonFailure(c, err)
		return
	}
	var req sessionUpdateRequest
	if err := bindStrict(c.Request, &req); err != nil {
		jsonFailure(c, apperr.Validation("invalid session update: "+err.Error(), err))
		return
	}
	if req.EndedAt != nil && req.EndedAt.Before(req.StartedAt) {
		jsonFailure(c, apperr.Validation("ended_at must not precede started_at", nil))
		return
	}

	u := sessions.Update{
		SessionID:    req.ID,
		TenantID:     tenantID,
		EventID:      req.EventID,
		Domain:       req.Domain,
		SubscriberID: req.SubscriberID,
		Caller:       req.Caller,
		Destination:  req.Destination,
		Direction:    sessions.Direction(req.Direction),
		Status:       req.Status,
		Action:       req.Action,
		Reason:       req.Reason,
		CallID:       req.CallID,
		ParentCallID: req.ParentCallID,
		Profile:      req.Profile,
		StartedAt:    req.StartedAt.UTC(),
	}
	if req.EndedAt != nil {
		u.EndedAt = req.EndedAt.UTC()
	}

	dup, err := h.deps.SessionUpdates.Record(c.Request.Context(), u)
	if err != nil {
		jsonFailure(c, apperr.Transient("session update not stored", err))
		return
	}
	if dup {
		logger.FromGin(c).Debug("duplicate session update", "tenant_id", tenantID, "event_id", req.EventID)
		c.Status(http.StatusCreated)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}

// CDR accepts a call detail record for asynchronous persistence.
func (h *Handler) CDR(c *gin.Context) {
	tenantID, err := tenantFrom(c)
	if err != nil {
		jsonFailure(c, err)
		return
	}
	var req cdrRequest
	if err := bindStrict(c.Request, &req); err != nil {
		jsonFailure(c, apperr.Validation("invalid cdr: "+err.Error(), err))
		return
	}
	c.Set(logger.GinKeyCallID, req.CallID)

	err = h.deps.CDRs.Enqueue(cdr.Record{
		TenantID:        tenantID,
		CallID:          req.CallID,
		From:            req.From,
		To:              req.To,
		Direction:       req.Direction,
		Disposition:     req.Disposition,
		StartTime:       req.StartTime.UTC(),
		AnswerTime:      req.AnswerTime,
		EndTime:         req.EndTime,
		DurationSeconds: req.DurationSeconds,
		BillableSeconds: req.BillableSeconds,
		HangupCause:     req.HangupCause,
		RecordingURL:    req.RecordingURL,
	})
	if err != nil {
		logger.FromGin(c).Error("cdr not accepted", "tenant_id", tenantID, "err", err)
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "cdr not accepted: " + err.Error()})
		return
	}
	c.Status(http.StatusCreated)
}
