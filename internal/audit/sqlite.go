package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Shin0205go/Aegis-sub002/internal/pdp"
)

// SQLiteStore is a durable, indexed Store for deployments that want
// query performance beyond a daily-rotated log scan, without standing
// up Postgres — "Lite Mode", grounded on the teacher's
// SQLiteReceiptStore (pure database/sql against modernc.org/sqlite, no
// CGo).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps db (expected to be opened against the
// "sqlite" driver) and creates the audit_entries table if absent.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		sequence INTEGER NOT NULL,
		timestamp DATETIME NOT NULL,
		agent TEXT NOT NULL,
		action TEXT NOT NULL,
		resource TEXT NOT NULL,
		policy_id TEXT,
		policy_version TEXT,
		policy_text TEXT,
		context JSON,
		decision TEXT NOT NULL,
		reason TEXT,
		risk_score REAL,
		detail JSON,
		enforcement JSON,
		total_duration_ms INTEGER,
		outcome TEXT,
		previous_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_entries(agent);
	CREATE INDEX IF NOT EXISTS idx_audit_policy ON audit_entries(policy_id);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_outcome ON audit_entries(outcome);
	`
	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

func (s *SQLiteStore) Record(e *Entry) (*Entry, error) {
	ctx := context.Background()

	var seq uint64
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM audit_entries`)
	if err := row.Scan(&seq); err != nil {
		return nil, fmt.Errorf("audit: sequence lookup: %w", err)
	}
	var prevHash string
	row = s.db.QueryRowContext(ctx, `SELECT entry_hash FROM audit_entries ORDER BY sequence DESC LIMIT 1`)
	if err := row.Scan(&prevHash); err != nil {
		prevHash = "genesis"
	}

	stored := *e
	stored.Sequence = seq + 1
	stored.PreviousHash = prevHash
	hash, err := entryHash(&stored)
	if err != nil {
		return nil, err
	}
	stored.EntryHash = hash
	if stored.ID == "" {
		stored.ID = stored.EntryHash
	}

	detailJSON, err := json.Marshal(stored.Detail)
	if err != nil {
		return nil, err
	}
	contextJSON, err := json.Marshal(stored.Context)
	if err != nil {
		return nil, err
	}
	enforcementJSON, err := json.Marshal(stored.Enforcement)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, sequence, timestamp, agent, action, resource, policy_id, policy_version, policy_text, context, decision, reason, risk_score, detail, enforcement, total_duration_ms, outcome, previous_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.Sequence, stored.Timestamp.UTC().Format(time.RFC3339Nano), stored.Agent, stored.Action, stored.Resource,
		stored.PolicyID, stored.PolicyVersion, stored.PolicyText, string(contextJSON), string(stored.Decision), stored.Reason, stored.RiskScore,
		string(detailJSON), string(enforcementJSON), stored.TotalDurationMs, string(stored.Outcome), stored.PreviousHash, stored.EntryHash)
	if err != nil {
		return nil, fmt.Errorf("audit: insert: %w", err)
	}
	return &stored, nil
}

func (s *SQLiteStore) Query(f Filter) []*Entry {
	query := `SELECT id, sequence, timestamp, agent, action, resource, policy_id, policy_version, policy_text, context, decision, reason, risk_score, detail, enforcement, total_duration_ms, outcome, previous_hash, entry_hash FROM audit_entries ORDER BY sequence ASC`
	rows, err := s.db.QueryContext(context.Background(), query)
	if err != nil {
		return nil
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			continue
		}
		if f.matches(e) {
			out = append(out, e)
			if f.Limit > 0 && len(out) >= f.Limit {
				break
			}
		}
	}
	return out
}

func (s *SQLiteStore) Stats(f Filter) Summary {
	summary := Summary{
		ByPolicy:   make(map[string]int),
		ByAgent:    make(map[string]int),
		ByHour:     make(map[int]int),
		ByDecision: make(map[pdp.Outcome]int),
		ByOutcome:  make(map[Outcome]int),
	}
	for _, e := range s.Query(f) {
		summary.Total++
		if e.PolicyID != "" {
			summary.ByPolicy[e.PolicyID]++
		}
		summary.ByAgent[e.Agent]++
		summary.ByHour[e.Timestamp.Hour()]++
		summary.ByDecision[e.Decision]++
		summary.ByOutcome[e.Outcome]++
	}
	return summary
}

func (s *SQLiteStore) ChainHead() string {
	row := s.db.QueryRowContext(context.Background(), `SELECT entry_hash FROM audit_entries ORDER BY sequence DESC LIMIT 1`)
	var hash string
	if err := row.Scan(&hash); err != nil {
		return "genesis"
	}
	return hash
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var e Entry
	var decision, outcome, timestamp, contextJSON, detailJSON, enforcementJSON string
	if err := rows.Scan(&e.ID, &e.Sequence, &timestamp, &e.Agent, &e.Action, &e.Resource, &e.PolicyID,
		&e.PolicyVersion, &e.PolicyText, &contextJSON, &decision, &e.Reason, &e.RiskScore, &detailJSON,
		&enforcementJSON, &e.TotalDurationMs, &outcome, &e.PreviousHash, &e.EntryHash); err != nil {
		return nil, err
	}
	e.Decision = pdp.Outcome(decision)
	e.Outcome = Outcome(outcome)
	if t, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
		e.Timestamp = t
	}
	if contextJSON != "" {
		_ = json.Unmarshal([]byte(contextJSON), &e.Context)
	}
	if detailJSON != "" {
		_ = json.Unmarshal([]byte(detailJSON), &e.Detail)
	}
	if enforcementJSON != "" {
		_ = json.Unmarshal([]byte(enforcementJSON), &e.Enforcement)
	}
	return &e, nil
}
