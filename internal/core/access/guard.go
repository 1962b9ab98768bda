package access

import (
	"context"
	"log/slog"
	"time"

	"github.com/kirillkom/payslip-dispatch/internal/core/domain"
	"github.com/kirillkom/payslip-dispatch/internal/core/ports"
)

const (
	ScopeAddress    = "ip"
	ScopeTrackingID = "tracking_id"
)

type GuardLimits struct {
	PerAddress       int64
	AddressWindow    time.Duration
	PerTrackingID    int64
	TrackingIDWindow time.Duration
}

func DefaultGuardLimits() GuardLimits {
	return GuardLimits{
		PerAddress:       3,
		AddressWindow:    time.Minute,
		PerTrackingID:    6,
		TrackingIDWindow: 24 * time.Hour,
	}
}

// RateGuard enforces download ceilings per source address and per
// tracking id. Every checked request is charged to its address; a tracking
// id is only charged for downloads that were actually served.
type RateGuard struct {
	counter ports.RateCounter
	limits  GuardLimits
}

func NewRateGuard(counter ports.RateCounter, limits GuardLimits) *RateGuard {
	def := DefaultGuardLimits()
	if limits.PerAddress <= 0 {
		limits.PerAddress = def.PerAddress
	}
	if limits.AddressWindow <= 0 {
		limits.AddressWindow = def.AddressWindow
	}
	if limits.PerTrackingID <= 0 {
		limits.PerTrackingID = def.PerTrackingID
	}
	if limits.TrackingIDWindow <= 0 {
		limits.TrackingIDWindow = def.TrackingIDWindow
	}
	return &RateGuard{counter: counter, limits: limits}
}

// Allow returns a *domain.RateLimitError when either ceiling is reached.
// Counter store failures let the request through; the signature check
// still applies.
func (g *RateGuard) Allow(ctx context.Context, address, trackingID string) error {
	count, ttl, err := g.counter.Increment(ctx, addressKey(address), g.limits.AddressWindow)
	switch {
	case err != nil:
		slog.Error("rate_counter_unavailable", "scope", ScopeAddress, "error", err)
	case count > g.limits.PerAddress:
		return &domain.RateLimitError{Scope: ScopeAddress, RetryAfter: retryAfter(ttl, g.limits.AddressWindow)}
	}

	count, ttl, err = g.counter.Count(ctx, trackingIDKey(trackingID), g.limits.TrackingIDWindow)
	switch {
	case err != nil:
		slog.Error("rate_counter_unavailable", "scope", ScopeTrackingID, "error", err)
	case count >= g.limits.PerTrackingID:
		return &domain.RateLimitError{Scope: ScopeTrackingID, RetryAfter: retryAfter(ttl, g.limits.TrackingIDWindow)}
	}
	return nil
}

// RecordDownload charges one served download to the tracking id budget.
func (g *RateGuard) RecordDownload(ctx context.Context, trackingID string) {
	if _, _, err := g.counter.Increment(ctx, trackingIDKey(trackingID), g.limits.TrackingIDWindow); err != nil {
		slog.Error("rate_counter_unavailable", "scope", ScopeTrackingID, "error", err)
	}
}

func addressKey(address string) string {
	return "ratelimit:download:ip:" + address
}

func trackingIDKey(trackingID string) string {
	return "ratelimit:download:tid:" + trackingID
}

func retryAfter(ttl, window time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = window
	}
	if ttl < time.Second {
		return time.Second
	}
	return ttl.Round(time.Second)
}
