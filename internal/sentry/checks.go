package sentry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud-pbx/internal/directory"
)

// DefaultVelocityWindow applies when a DID sets a velocity limit without a window.
const DefaultVelocityWindow = 60 * time.Second

// windowKey builds sentry:{kind}:{tenant}:{origin}:{window_seconds}:{window_id}.
// Counters for different windows of the same origin never share a key.
func windowKey(kind, tenantID, origin string, window time.Duration, now time.Time) string {
	secs := int64(window / time.Second)
	return fmt.Sprintf("sentry:%s:%s:%s:%d:%d", kind, tenantID, origin, secs, now.Unix()/secs)
}

// VelocityCheck limits calls per origin within one fixed window.
type VelocityCheck struct {
	counter Counter
	now     func() time.Time
}

func NewVelocityCheck(counter Counter) *VelocityCheck {
	return &VelocityCheck{counter: counter, now: time.Now}
}

func (*VelocityCheck) Name() string            { return "velocity" }
func (*VelocityCheck) SuggestedAction() Action { return ActionReject }

func (v *VelocityCheck) Check(ctx context.Context, call Call, did *directory.DID) (Outcome, error) {
	if did == nil || did.Sentry.VelocityLimit <= 0 {
		return pass(), nil
	}
	window := DefaultVelocityWindow
	if did.Sentry.VelocityWindowSeconds > 0 {
		window = time.Duration(did.Sentry.VelocityWindowSeconds) * time.Second
	}
	limit := int64(did.Sentry.VelocityLimit)

	n, err := v.counter.Increment(ctx, windowKey("velocity", call.TenantID, call.From, window, v.now()), window)
	if err != nil {
		return Outcome{}, err
	}
	if n > limit {
		return Outcome{Reason: fmt.Sprintf("Velocity limit exceeded: %d calls from %s within %s (limit %d)",
			n, call.From, window, limit)}, nil
	}
	return pass(), nil
}

type volumeWindow struct {
	label  string
	window time.Duration
	limit  func(directory.VolumeLimits) int
}

var volumeWindows = []volumeWindow{
	{"5m", 5 * time.Minute, func(l directory.VolumeLimits) int { return l.FiveMinutes }},
	{"15m", 15 * time.Minute, func(l directory.VolumeLimits) int { return l.FifteenMinutes }},
	{"1h", time.Hour, func(l directory.VolumeLimits) int { return l.Hour }},
	{"1d", 24 * time.Hour, func(l directory.VolumeLimits) int { return l.Day }},
}

// VolumeCheck evaluates independent counters for each configured window size.
// Every enabled window is counted; the first exceeded one blocks.
type VolumeCheck struct {
	counter Counter
	now     func() time.Time
}

func NewVolumeCheck(counter Counter) *VolumeCheck {
	return &VolumeCheck{counter: counter, now: time.Now}
}

func (*VolumeCheck) Name() string            { return "volume" }
func (*VolumeCheck) SuggestedAction() Action { return ActionReject }

func (v *VolumeCheck) Check(ctx context.Context, call Call, did *directory.DID) (Outcome, error) {
	if did == nil {
		return pass(), nil
	}
	now := v.now()
	out := pass()
	for _, w := range volumeWindows {
		limit := w.limit(did.Sentry.Volume)
		if limit <= 0 {
			continue
		}
		n, err := v.counter.Increment(ctx, windowKey("volume", call.TenantID, call.From, w.window, now), w.window)
		if err != nil {
			return Outcome{}, err
		}
		if out.Allowed && n > int64(limit) {
			out = Outcome{Reason: fmt.Sprintf("Volume limit exceeded for %s window: %d calls from %s (limit %d)",
				w.label, n, call.From, limit)}
		}
	}
	return out, nil
}

// BlacklistCheck matches the origin exactly against the lists attached to the DID.
type BlacklistCheck struct{}

func NewBlacklistCheck() *BlacklistCheck { return &BlacklistCheck{} }

func (*BlacklistCheck) Name() string            { return "blacklist" }
func (*BlacklistCheck) SuggestedAction() Action { return ActionReject }

func (*BlacklistCheck) Check(ctx context.Context, call Call, did *directory.DID) (Outcome, error) {
	if did == nil {
		return pass(), nil
	}
	origin := strings.TrimSpace(call.From)
	for _, list := range did.Sentry.Blacklists {
		for _, n := range list.Numbers {
			if strings.TrimSpace(n) == origin {
				return Outcome{Reason: fmt.Sprintf("Caller %s is blacklisted (%s)", origin, list.Name)}, nil
			}
		}
	}
	return pass(), nil
}
