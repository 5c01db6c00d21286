package pip

import (
	"context"
	"time"

	"github.com/Shin0205go/Aegis-sub002/internal/pdp"
)

// GeoLookup resolves a client IP to a coarse location label (e.g.
// "US", "unknown"). Implementations may wrap a MaxMind-style database
// or a no-op that always returns "unknown".
type GeoLookup interface {
	Locate(ctx context.Context, ip string) (string, error)
}

// NoGeoLookup is a GeoLookup that never resolves anything, for
// deployments that don't wire in a geo database.
type NoGeoLookup struct{}

func (NoGeoLookup) Locate(context.Context, string) (string, error) { return "unknown", nil }

// FailedAttemptsStore tracks recent authorization failures per agent,
// used to derive a threat signal independent of the current request.
type FailedAttemptsStore interface {
	RecentFailures(ctx context.Context, agent string, window time.Duration) (int, error)
}

// NoFailedAttempts is a FailedAttemptsStore that always reports zero,
// for deployments that don't track failure history.
type NoFailedAttempts struct{}

func (NoFailedAttempts) RecentFailures(context.Context, string, time.Duration) (int, error) {
	return 0, nil
}

// SecurityEnricher derives threat-posture attributes: geolocation,
// recent failure history, and a composite security score.
type SecurityEnricher struct {
	Geo             GeoLookup
	Failures        FailedAttemptsStore
	FailureWindow   time.Duration
	FailureThreshold int // failures at/above this are "unusual activity"
}

// NewSecurityEnricher returns a SecurityEnricher with a 15-minute
// failure window and a threshold of 3 failures for unusual activity.
func NewSecurityEnricher(geo GeoLookup, failures FailedAttemptsStore) *SecurityEnricher {
	if geo == nil {
		geo = NoGeoLookup{}
	}
	if failures == nil {
		failures = NoFailedAttempts{}
	}
	return &SecurityEnricher{Geo: geo, Failures: failures, FailureWindow: 15 * time.Minute, FailureThreshold: 3}
}

func (e *SecurityEnricher) Name() string { return "security" }

func (e *SecurityEnricher) Enrich(ctx context.Context, base *pdp.Context) (map[string]any, error) {
	location, err := e.Geo.Locate(ctx, base.IP)
	if err != nil {
		return nil, err
	}
	failures, err := e.Failures.RecentFailures(ctx, base.Agent, e.FailureWindow)
	if err != nil {
		return nil, err
	}

	unusual := failures >= e.FailureThreshold
	threatLevel := "low"
	switch {
	case failures >= e.FailureThreshold*2:
		threatLevel = "high"
	case unusual:
		threatLevel = "medium"
	}

	securityScore := 1.0 - float64(failures)*0.15
	if securityScore < 0 {
		securityScore = 0
	}

	return map[string]any{
		"clientIP":             base.IP,
		"geoLocation":          location,
		"recentFailedAttempts": failures,
		"threatLevel":          threatLevel,
		"unusualActivity":      unusual,
		"securityScore":        securityScore,
	}, nil
}
