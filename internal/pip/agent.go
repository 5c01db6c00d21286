package pip

import (
	"context"
	"time"

	"github.com/Shin0205go/Aegis-sub002/internal/pdp"
)

// AgentProfile is what an AgentDirectory returns about a known agent.
type AgentProfile struct {
	Department      string
	ClearanceLevel  string
	Permissions     []string
	IsExternal      bool
	CreatedAt       time.Time
	LastActiveAt    time.Time
	SuccessRate     float64 // 0..1, recent successful-call ratio
	ViolationCount  int
}

// AgentDirectory looks up AgentProfile records by agent identifier.
// Implementations are expected to be safe for concurrent Lookup calls.
type AgentDirectory interface {
	Lookup(ctx context.Context, agentID string) (*AgentProfile, bool, error)
}

// StaticAgentDirectory is an in-memory AgentDirectory, grounded on the
// teacher's pattern of an in-memory default behind a pluggable store
// interface (pkg/budget's MemoryStore).
type StaticAgentDirectory struct {
	profiles map[string]*AgentProfile
}

// NewStaticAgentDirectory builds a directory from a fixed map.
func NewStaticAgentDirectory(profiles map[string]*AgentProfile) *StaticAgentDirectory {
	return &StaticAgentDirectory{profiles: profiles}
}

func (d *StaticAgentDirectory) Lookup(_ context.Context, agentID string) (*AgentProfile, bool, error) {
	p, ok := d.profiles[agentID]
	return p, ok, nil
}

// AgentEnricher derives agent trust and tenure attributes by consulting
// an AgentDirectory. Trust score blends recent success rate against
// prior violations; an unknown agent gets a conservative default.
type AgentEnricher struct {
	Directory AgentDirectory
}

func NewAgentEnricher(dir AgentDirectory) *AgentEnricher {
	return &AgentEnricher{Directory: dir}
}

func (e *AgentEnricher) Name() string { return "agent" }

func (e *AgentEnricher) Enrich(ctx context.Context, base *pdp.Context) (map[string]any, error) {
	profile, found, err := e.Directory.Lookup(ctx, base.Agent)
	if err != nil {
		return nil, err
	}
	if !found {
		return map[string]any{
			"agentType":      base.AgentType,
			"department":     "",
			"clearanceLevel": "unknown",
			"trustScore":     0.0,
			"permissions":    []string{},
			"isExternal":     true,
			"ageDays":        0,
			"inactiveDays":   0,
		}, nil
	}

	now := base.Timestamp
	trustScore := computeTrustScore(profile)

	return map[string]any{
		"agentType":      base.AgentType,
		"department":     profile.Department,
		"clearanceLevel": profile.ClearanceLevel,
		"trustScore":     trustScore,
		"permissions":    profile.Permissions,
		"isExternal":     profile.IsExternal,
		"ageDays":        daysBetween(profile.CreatedAt, now),
		"inactiveDays":   daysBetween(profile.LastActiveAt, now),
	}, nil
}

// computeTrustScore combines recent success rate with a violation
// penalty, clamped to [0, 1]. Each violation costs 0.1 of trust.
func computeTrustScore(p *AgentProfile) float64 {
	score := p.SuccessRate - 0.1*float64(p.ViolationCount)
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

func daysBetween(from, to time.Time) int {
	if from.IsZero() || to.Before(from) {
		return 0
	}
	return int(to.Sub(from).Hours() / 24)
}
