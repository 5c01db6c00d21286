package pap

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
)

// PostgresStore is the relational Policy Store implementation, used when
// AEGIS is scaled beyond a single filesystem. Grounded on the teacher's
// registry.PostgresRegistry: the same
// JSONB-snapshot-per-row shape. Rows are written with plain INSERT and
// UPDATE statements, each run under the caller's context.
type PostgresStore struct {
	db      *sql.DB
	clarity ClarityChecker
	onInvalidate []invalidationHook
}

// NewPostgresStore wraps an already-opened *sql.DB.
func NewPostgresStore(db *sql.DB, clarity ClarityChecker) *PostgresStore {
	return &PostgresStore{db: db, clarity: clarity}
}

const pgPolicySchema = `
CREATE TABLE IF NOT EXISTS pap_policies (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	status TEXT NOT NULL,
	policy_json JSONB NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS pap_policy_history (
	id TEXT NOT NULL,
	version TEXT NOT NULL,
	policy_json JSONB NOT NULL,
	archived_at TIMESTAMP NOT NULL,
	PRIMARY KEY (id, version, archived_at)
);
`

// Init creates the schema if absent.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgPolicySchema)
	return err
}

// OnInvalidate registers a cache-invalidation hook, mirroring FileStore.
func (s *PostgresStore) OnInvalidate(hook invalidationHook) {
	s.onInvalidate = append(s.onInvalidate, hook)
}

func (s *PostgresStore) notify(id string) {
	for _, h := range s.onInvalidate {
		h(id)
	}
}

func (s *PostgresStore) Create(ctx context.Context, name, nlText string, rules *RuleSet, applicable ApplicableContext, meta Metadata) (*Policy, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM pap_policies WHERE name = $1 AND status = $2)", name, StatusActive).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("pap: check name collision: %w", err)
	}
	if exists {
		return nil, ErrNameCollision
	}

	now := time.Now().UTC()
	meta.Version = "1.0.0"
	meta.Status = StatusDraft
	meta.CreatedAt = now
	meta.LastModified = now

	p := &Policy{
		ID:         uuid.New().String(),
		Name:       name,
		NLText:     nlText,
		Rules:      rules,
		Applicable: applicable,
		Metadata:   meta,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("pap: marshal policy: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pap_policies (id, name, version, status, policy_json, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		p.ID, p.Name, p.Metadata.Version, p.Metadata.Status, data, now)
	if err != nil {
		return nil, fmt.Errorf("pap: insert policy: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Policy, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT policy_json FROM pap_policies WHERE id = $1", id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pap: get policy: %w", err)
	}
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("pap: decode policy: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) Update(ctx context.Context, id, nlText string, rules *RuleSet, reason string) (string, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}

	histData, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("pap: marshal history snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pap_policy_history (id, version, policy_json, archived_at) VALUES ($1, $2, $3, $4)`,
		id, p.Metadata.Version, histData, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("pap: archive history: %w", err)
	}

	newVersion, err := bumpPatch(p.Metadata.Version)
	if err != nil {
		return "", err
	}
	if nlText != "" {
		p.NLText = nlText
	}
	if rules != nil {
		p.Rules = rules
	}
	p.Metadata.Version = newVersion
	p.Metadata.LastModified = time.Now().UTC()
	p.Metadata.LastModifiedBy = reason

	if err := p.Validate(); err != nil {
		return "", err
	}

	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("pap: marshal policy: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE pap_policies SET version = $1, policy_json = $2, updated_at = $3 WHERE id = $4`,
		newVersion, data, p.Metadata.LastModified, id)
	if err != nil {
		return "", fmt.Errorf("pap: update policy: %w", err)
	}
	s.notify(id)
	return newVersion, nil
}

func (s *PostgresStore) Activate(ctx context.Context, id string) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Metadata.Status == StatusDeprecated {
		return fmt.Errorf("pap: policy %s is deprecated and cannot be activated", id)
	}
	if err := p.Validate(); err != nil {
		return err
	}

	var exists bool
	err = s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM pap_policies WHERE name = $1 AND status = $2 AND id != $3)",
		p.Name, StatusActive, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("pap: check name collision: %w", err)
	}
	if exists {
		return ErrNameCollision
	}

	if s.clarity != nil && p.NLText != "" {
		confidence, issues, err := s.clarity.CheckClarity(ctx, p.NLText)
		if err != nil {
			return fmt.Errorf("pap: clarity check failed: %w", err)
		}
		if confidence < 0.5 {
			return fmt.Errorf("pap: policy text too ambiguous to activate (confidence %.2f): %v", confidence, issues)
		}
	}

	return s.setStatus(ctx, p, StatusActive)
}

func (s *PostgresStore) Deprecate(ctx context.Context, id string) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.setStatus(ctx, p, StatusDeprecated)
}

func (s *PostgresStore) setStatus(ctx context.Context, p *Policy, status Status) error {
	p.Metadata.Status = status
	p.Metadata.LastModified = time.Now().UTC()
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("pap: marshal policy: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE pap_policies SET status = $1, policy_json = $2, updated_at = $3 WHERE id = $4",
		status, data, p.Metadata.LastModified, p.ID)
	if err != nil {
		return fmt.Errorf("pap: update status: %w", err)
	}
	s.notify(p.ID)
	return nil
}

func (s *PostgresStore) GetHistory(ctx context.Context, id string) ([]*Policy, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT policy_json FROM pap_policy_history WHERE id = $1 ORDER BY archived_at ASC", id)
	if err != nil {
		return nil, fmt.Errorf("pap: query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Policy
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			continue
		}
		var p Policy
		if err := json.Unmarshal(data, &p); err != nil {
			continue
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SelectApplicable(ctx context.Context, agent, resource, action string) ([]*Policy, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT policy_json FROM pap_policies WHERE status = $1", StatusActive)
	if err != nil {
		return nil, fmt.Errorf("pap: query active policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Policy
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			continue
		}
		var p Policy
		if err := json.Unmarshal(data, &p); err != nil {
			continue
		}
		if p.IsApplicable(agent, resource, action) {
			out = append(out, &p)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Metadata.Priority != out[j].Metadata.Priority {
			return out[i].Metadata.Priority > out[j].Metadata.Priority
		}
		vi, erri := semver.NewVersion(out[i].Metadata.Version)
		vj, errj := semver.NewVersion(out[j].Metadata.Version)
		if erri != nil || errj != nil {
			return out[i].Metadata.Version > out[j].Metadata.Version
		}
		return vi.GreaterThan(vj)
	})
	return out, nil
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]*Policy, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT policy_json FROM pap_policies WHERE status = $1", StatusActive)
	if err != nil {
		return nil, fmt.Errorf("pap: query active policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Policy
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			continue
		}
		var p Policy
		if err := json.Unmarshal(data, &p); err != nil {
			continue
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
