package obligation

import (
	"context"
	"time"

	"github.com/Shin0205go/Aegis-sub002/internal/audit"
)

// AuditLogger implements the mandatory "audit_log" obligation kind: it
// records the decision to an audit.Store. It is always registered
// synchronous and critical by policy convention — a decision whose
// audit record can't be written should not be allowed to proceed
// silently.
//
// Parameters:
//   detail string  "full" (include decision metadata/trace) or "summary" (default)
type AuditLogger struct {
	Store audit.Store
}

func NewAuditLogger(store audit.Store) *AuditLogger {
	return &AuditLogger{Store: store}
}

func (*AuditLogger) Kind() string { return "audit_log" }

func (a *AuditLogger) Execute(_ context.Context, req *Request, params map[string]any) error {
	detailLevel, _ := params["detail"].(string)

	entry := &audit.Entry{
		Timestamp:     time.Now(),
		Agent:         req.Agent,
		Action:        req.Action,
		Resource:      req.Resource,
		PolicyID:      req.Decision.Metadata.PolicyID,
		PolicyVersion: req.Decision.Metadata.PolicyVersion,
		PolicyText:    req.Decision.Metadata.PolicyText,
		Decision:      req.Decision.Outcome,
		Reason:        req.Decision.Reason,
		Enforcement:   req.Enforcement,
		Outcome:       req.Outcome,
	}
	if req.Context != nil {
		entry.Context = *req.Context
	}
	if !req.StartedAt.IsZero() {
		entry.TotalDurationMs = time.Since(req.StartedAt).Milliseconds()
	}

	if detailLevel == "full" {
		entry.Detail = map[string]any{
			"engine":           req.Decision.Metadata.Engine,
			"confidence":       req.Decision.Confidence,
			"selectionReason":  req.Decision.Metadata.SelectionReason,
			"processingTimeMs": req.Decision.Metadata.ProcessingTimeMs,
			"trace":            req.Decision.Metadata.Trace,
		}
	}

	_, err := a.Store.Record(entry)
	return err
}
