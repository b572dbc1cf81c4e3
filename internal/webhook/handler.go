package webhook

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"cloud-pbx/internal/apperr"
	"cloud-pbx/internal/calls"
	"cloud-pbx/internal/cdr"
	"cloud-pbx/internal/coordinator"
	"cloud-pbx/internal/cxml"
	"cloud-pbx/internal/directory"
	"cloud-pbx/internal/metrics"
	"cloud-pbx/internal/routing"
	"cloud-pbx/internal/sentry"
	"cloud-pbx/internal/sessions"
	"cloud-pbx/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	PathCallInitiated = "/webhooks/voice/call-initiated"
	PathRingGroup     = routing.PathRingGroup
	PathIVR           = routing.PathIVR
	PathStatus        = "/webhooks/voice/status"
	PathSessionUpdate = "/webhooks/session-update"
	PathCDR           = "/webhooks/cdr"

	// HeaderTenantID carries the tenant resolved upstream for JSON webhooks.
	HeaderTenantID = "X-Tenant-Id"
)

// MsgRejected is spoken when admission checks block a call.
const MsgRejected = "We are sorry, your call cannot be completed at this time. Goodbye."

// DefaultBudget is the provider's response-time expectation.
const DefaultBudget = 8 * time.Second

func init() {
	apperr.Register(context.DeadlineExceeded, apperr.KindTransient)
}

// CDRQueue accepts records for asynchronous persistence.
type CDRQueue interface {
	Enqueue(r cdr.Record) error
}

type Deps struct {
	Directory   directory.Resolver
	Sentry      *sentry.Sentry
	Calls       *calls.StateMachine
	Coordinator *coordinator.Coordinator
	Dispatcher  *routing.Dispatcher
	IVR         *routing.IVRInputHandler
	Sessions    *routing.SessionSigner

	SessionUpdates *sessions.Service
	CDRs           CDRQueue

	// Metrics is optional.
	Metrics *metrics.Metrics
	// RateLimiter is optional. Voice routes over the limit still get voice markup.
	RateLimiter *SourceRateLimiter

	IdempotencyWindow time.Duration
	Budget            time.Duration
	Logger            *slog.Logger
}

// Handler converts provider webhooks to internal calls and writes voice markup
// or status codes. Routing decisions live in internal/routing.
type Handler struct {
	deps  Deps
	cache responseCache
	log   *slog.Logger
}

func New(d Deps) *Handler {
	if d.IdempotencyWindow <= 0 {
		d.IdempotencyWindow = DefaultIdempotencyWindow
	}
	if d.Budget <= 0 {
		d.Budget = DefaultBudget
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Handler{
		deps:  d,
		cache: responseCache{coord: d.Coordinator, window: d.IdempotencyWindow},
		log:   d.Logger.With("component", "webhook"),
	}
}

// Register mounts every webhook route plus the health check.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.Healthz)

	voice := r.Group("")
	api := r.Group("")
	if h.deps.RateLimiter != nil {
		voice.Use(h.voiceRateLimit(h.deps.RateLimiter))
		api.Use(RateLimit(h.deps.RateLimiter))
	}
	voice.POST(PathCallInitiated, h.CallInitiated)
	voice.POST(PathRingGroup, h.RingGroupCallback)
	voice.POST(PathIVR, h.IVRCallback)

	api.POST(PathStatus, h.StatusCallback)
	api.POST(PathSessionUpdate, h.SessionUpdate)
	api.POST(PathCDR, h.CDR)
}

func (h *Handler) Healthz(c *gin.Context) {
	backend := "primary"
	if h.deps.Coordinator.Degraded() {
		backend = "fallback"
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "coordinator": backend})
}

// serveVoice runs compute under the call lock unless the delivery was already
// answered. The rendered document is cached before the lock is released, so a
// duplicate waiting on the lock replays the same bytes.
func (h *Handler) serveVoice(c *gin.Context, route, key, callID string, compute func(ctx context.Context) (*cxml.Document, error)) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.deps.Budget)
	defer cancel()

	if resp, ok := h.cache.load(ctx, key); ok {
		h.replay(c, route, resp)
		return
	}

	var (
		resp     storedResponse
		replayed bool
	)
	err := h.deps.Calls.WithCallLock(ctx, callID, func(ctx context.Context) error {
		if prev, ok := h.cache.load(ctx, key); ok {
			resp, replayed = prev, true
			return nil
		}
		doc, err := compute(ctx)
		if err != nil {
			return err
		}
		body, err := doc.Render()
		if err != nil {
			return err
		}
		resp = storedResponse{Status: http.StatusOK, ContentType: cxml.ContentType, Body: body}
		h.cache.store(ctx, key, resp)
		return nil
	})
	if err != nil {
		h.voiceFailure(c, err)
		return
	}
	if replayed {
		h.replay(c, route, resp)
		return
	}
	write(c, resp)
}

func (h *Handler) replay(c *gin.Context, route string, resp storedResponse) {
	logger.FromGin(c).Debug("duplicate delivery replayed", "route", route)
	if h.deps.Metrics != nil {
		h.deps.Metrics.Replay(route)
	}
	write(c, resp)
}

func write(c *gin.Context, resp storedResponse) {
	if len(resp.Body) == 0 {
		c.Status(resp.Status)
		return
	}
	c.Data(resp.Status, resp.ContentType, resp.Body)
}

// voiceFailure keeps the caller from hearing silence: every outcome except a
// markup generation failure is a say+hangup document.
func (h *Handler) voiceFailure(c *gin.Context, err error) {
	log := logger.FromGin(c)
	ae := apperr.From(err)

	if errors.Is(err, cxml.ErrProtocolGeneration) {
		log.Error("voice markup generation failed", "err", err)
		c.String(http.StatusInternalServerError, "failed to generate voice response")
		return
	}

	status := http.StatusOK
	switch ae.Kind {
	case apperr.KindValidation:
		log.Warn("invalid voice webhook", "err", err)
		status = http.StatusBadRequest
	case apperr.KindTransient:
		log.Warn("voice webhook backend unavailable", "err", err)
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(ae)))
		status = http.StatusServiceUnavailable
	case apperr.KindBusinessLogic:
		log.Info("voice webhook rejected", "err", err)
	default:
		log.Error("voice webhook failed", "err", err)
	}
	_ = c.Error(err)

	body, rerr := routing.Unavailable("").Render()
	if rerr != nil {
		c.String(http.StatusInternalServerError, "failed to generate voice response")
		return
	}
	c.Data(status, cxml.ContentType, body)
}

// jsonFailure is the error path for endpoints that answer with status codes.
func jsonFailure(c *gin.Context, err error) {
	log := logger.FromGin(c)
	ae := apperr.From(err)
	switch ae.Kind {
	case apperr.KindTransient:
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(ae)))
		log.Warn("webhook backend unavailable", "err", err)
	case apperr.KindUnexpected:
		log.Error("webhook failed", "err", err)
	default:
		log.Info("webhook rejected", "kind", ae.Kind, "err", err)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(ae.Status(), gin.H{"error": ae.Message})
}

func retryAfterSeconds(ae *apperr.Error) int {
	d := ae.RetryAfter
	if d <= 0 {
		d = apperr.DefaultRetryAfter
	}
	return int((d + time.Second - 1) / time.Second)
}
