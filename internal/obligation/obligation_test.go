package obligation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/Shin0205go/Aegis-sub002/internal/audit"
	"github.com/Shin0205go/Aegis-sub002/internal/pap"
	"github.com/Shin0205go/Aegis-sub002/internal/pdp"
)

func TestAuditLoggerRecordsDecision(t *testing.T) {
	store := audit.NewMemoryStore(nil)
	r := NewRegistry()
	r.Register(NewAuditLogger(store))

	req := &Request{Agent: "a1", Action: "tools/call", Resource: "r1", Decision: &pdp.PolicyDecision{Outcome: pdp.Permit, Reason: "ok"}}
	descriptors := []pap.ObligationDescriptor{{Kind: "audit_log", Critical: true, Parameters: map[string]any{"detail": "full"}}}

	if err := r.ExecuteSync(context.Background(), req, descriptors); err != nil {
		t.Fatalf("ExecuteSync: %v", err)
	}
	entries := store.Query(audit.Filter{})
	if len(entries) != 1 || entries[0].Agent != "a1" {
		t.Fatalf("expected one recorded entry, got %+v", entries)
	}
}

func TestAuditLoggerEntriesAreDeepEqualAcrossIdenticalRequests(t *testing.T) {
	store := audit.NewMemoryStore(nil)
	r := NewRegistry()
	r.Register(NewAuditLogger(store))
	descriptors := []pap.ObligationDescriptor{{Kind: "audit_log", Critical: true}}

	for i := 0; i < 2; i++ {
		req := &Request{Agent: "a1", Action: "tools/call", Resource: "r1", Decision: &pdp.PolicyDecision{Outcome: pdp.Permit, Reason: "ok"}}
		if err := r.ExecuteSync(context.Background(), req, descriptors); err != nil {
			t.Fatalf("ExecuteSync %d: %v", i, err)
		}
	}

	entries := store.Query(audit.Filter{})
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	// Two obligations raised from identical requests should differ only in
	// the fields the chain itself varies per-entry.
	diff := cmp.Diff(entries[0], entries[1], cmpopts.IgnoreFields(audit.Entry{},
		"ID", "Sequence", "Timestamp", "PreviousHash", "EntryHash"))
	if diff != "" {
		t.Fatalf("entries diverged beyond the expected per-entry fields (-first +second):\n%s", diff)
	}
}

func TestExecuteSyncAbortsOnCriticalFailure(t *testing.T) {
	r := NewRegistry()
	r.Register(failingExecutor{kind: "audit_log"})
	req := &Request{Agent: "a1", Decision: &pdp.PolicyDecision{Outcome: pdp.Permit}}
	descriptors := []pap.ObligationDescriptor{{Kind: "audit_log", Critical: true}}

	err := r.ExecuteSync(context.Background(), req, descriptors)
	if err == nil {
		t.Fatalf("expected critical obligation failure to propagate")
	}
}

func TestExecuteSyncSwallowsNonCriticalFailure(t *testing.T) {
	r := NewRegistry()
	r.Register(failingExecutor{kind: "notify"})
	req := &Request{Agent: "a1", Decision: &pdp.PolicyDecision{Outcome: pdp.Permit}}
	descriptors := []pap.ObligationDescriptor{{Kind: "notify", Critical: false}}

	if err := r.ExecuteSync(context.Background(), req, descriptors); err != nil {
		t.Fatalf("expected non-critical failure to be swallowed, got %v", err)
	}
}

func TestExecuteAsyncFiresAsyncObligation(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	r := NewRegistry()
	r.Register(blockingExecutor{kind: "notify", done: &wg})
	req := &Request{Agent: "a1", Decision: &pdp.PolicyDecision{Outcome: pdp.Permit}}
	descriptors := []pap.ObligationDescriptor{{Kind: "notify", Async: true}}

	r.ExecuteAsync(context.Background(), req, descriptors)
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("async obligation did not fire")
	}
}

func TestNotifierFallsBackToGenericMessage(t *testing.T) {
	sink := &captureSink{}
	n := NewNotifier(sink)
	req := &Request{Agent: "a1", Resource: "r1", Decision: &pdp.PolicyDecision{Outcome: pdp.Deny}}
	if err := n.Execute(context.Background(), req, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if sink.message == "" {
		t.Fatalf("expected a generated message")
	}
}

func TestLifecycleSchedulesAction(t *testing.T) {
	fired := make(chan LifecycleAction, 1)
	scheduler := NewTimerScheduler(func(action LifecycleAction, resource string) {
		fired <- action
	})
	defer scheduler.Stop()

	l := NewLifecycle(scheduler)
	req := &Request{Resource: "r1"}
	if err := l.Execute(context.Background(), req, map[string]any{"action": "archive", "afterHours": 0.0}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	select {
	case action := <-fired:
		if action != ActionArchive {
			t.Fatalf("expected archive, got %s", action)
		}
	case <-time.After(time.Second):
		t.Fatalf("lifecycle action never fired")
	}
}

type failingExecutor struct{ kind string }

func (f failingExecutor) Kind() string { return f.kind }
func (f failingExecutor) Execute(context.Context, *Request, map[string]any) error {
	return errors.New("boom")
}

type blockingExecutor struct {
	kind string
	done *sync.WaitGroup
}

func (b blockingExecutor) Kind() string { return b.kind }
func (b blockingExecutor) Execute(context.Context, *Request, map[string]any) error {
	b.done.Done()
	return nil
}

type captureSink struct{ message string }

func (c *captureSink) Notify(_ context.Context, message string, _ map[string]any) error {
	c.message = message
	return nil
}
