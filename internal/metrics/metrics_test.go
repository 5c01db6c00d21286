package metrics

import (
	"context"
	"net/http/httptest"
	"testing"
)

func TestNewRegistersInstrumentsWithoutError(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()

	p.RequestsTotal.Add(context.Background(), 1)
	p.RecordOutcome(context.Background(), "PERMIT")
	p.RecordOutcome(context.Background(), "DENY")
	p.DecisionLatency.Record(context.Background(), 12.5)
}

func TestHandlerServesPrometheusExposition(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()

	p.RequestsTotal.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	p.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("expected non-empty exposition body")
	}
}
