package pep

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/Shin0205go/Aegis-sub002/internal/audit"
	"github.com/Shin0205go/Aegis-sub002/internal/constraint"
	"github.com/Shin0205go/Aegis-sub002/internal/obligation"
	"github.com/Shin0205go/Aegis-sub002/internal/pap"
	"github.com/Shin0205go/Aegis-sub002/internal/pdp"
)

func TestCatalogPrefixesAndResolvesToolNames(t *testing.T) {
	c := NewCatalog()
	c.SetUpstreamTools("fs", []Tool{{Name: "read_file"}, {Name: "write_file"}})

	tools := c.List()
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}
	names := map[string]bool{}
	for _, tl := range tools {
		names[tl.Name] = true
	}
	if !names["fs__read_file"] || !names["fs__write_file"] {
		t.Fatalf("expected prefixed names, got %+v", tools)
	}

	upstream, tool, ok := c.Resolve("fs__read_file")
	if !ok || upstream != "fs" || tool != "read_file" {
		t.Fatalf("Resolve failed: %s %s %v", upstream, tool, ok)
	}
}

func TestCatalogCacheInvalidatesOnRefresh(t *testing.T) {
	c := NewCatalog()
	c.SetUpstreamTools("fs", []Tool{{Name: "a"}})
	first := c.List()
	c.SetUpstreamTools("fs", []Tool{{Name: "a"}, {Name: "b"}})
	second := c.List()
	if len(first) != 1 || len(second) != 2 {
		t.Fatalf("expected cache to refresh after generation bump, got %d then %d", len(first), len(second))
	}
}

type recordingSubscriber struct{ got []*Notification }

func (r *recordingSubscriber) Notify(n *Notification) { r.got = append(r.got, n) }

func TestHubBroadcastExcludesOrigin(t *testing.T) {
	h := NewHub()
	origin := &recordingSubscriber{}
	other := &recordingSubscriber{}
	h.Subscribe("origin", origin)
	h.Subscribe("other", other)

	h.Broadcast("origin", newNotification(NotificationToolsChanged, nil))

	if len(origin.got) != 0 {
		t.Fatalf("origin should not receive its own broadcast, got %d", len(origin.got))
	}
	if len(other.got) != 1 {
		t.Fatalf("other should receive the broadcast, got %d", len(other.got))
	}
}

type fakeUpstream struct {
	name    string
	tools   []Tool
	results map[string]json.RawMessage
}

func (f *fakeUpstream) Name() string { return f.name }
func (f *fakeUpstream) Call(_ context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if method == MethodToolsList {
		raw, _ := json.Marshal(struct {
			Tools []Tool `json:"tools"`
		}{Tools: f.tools})
		return raw, nil
	}
	if method == MethodResourcesList {
		raw, _ := json.Marshal(struct {
			Resources []Resource `json:"resources"`
		}{})
		return raw, nil
	}
	if method == MethodToolsCall {
		var p ToolCallParams
		_ = json.Unmarshal(params, &p)
		if res, ok := f.results[p.Name]; ok {
			return res, nil
		}
	}
	return json.RawMessage(`{}`), nil
}
func (f *fakeUpstream) Close() error { return nil }

type fixedDecider struct{ decision *pdp.PolicyDecision }

func (d *fixedDecider) Decide(context.Context, *pdp.Context, []*pap.Policy) (*pdp.PolicyDecision, error) {
	return d.decision, nil
}

func newTestProxy(t *testing.T, decision *pdp.PolicyDecision) (*Proxy, *fakeUpstream) {
	t.Helper()
	store, err := pap.NewFileStore(t.TempDir(), pap.OSFileIO{}, nil)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	constraints := constraint.NewRegistry()
	constraints.Register(constraint.NewAnonymizer())
	obligations := obligation.NewRegistry()
	obligations.Register(obligation.NewAuditLogger(audit.NewMemoryStore(nil)))

	p := New(store, nil, &fixedDecider{decision: decision}, constraints, obligations)

	up := &fakeUpstream{
		name:    "svc",
		tools:   []Tool{{Name: "echo"}},
		results: map[string]json.RawMessage{"echo": json.RawMessage(`{"content":[{"type":"text","text":"hi"}]}`)},
	}
	if err := p.RegisterUpstream(context.Background(), "svc", up); err != nil {
		t.Fatalf("RegisterUpstream: %v", err)
	}
	return p, up
}

func TestProxyPermitsAndForwardsToolCall(t *testing.T) {
	p, _ := newTestProxy(t, &pdp.PolicyDecision{Outcome: pdp.Permit, Reason: "ok", Confidence: 1})

	req := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"svc__echo","arguments":{}}}`)
	resp := p.HandleRequest(context.Background(), RequestMeta{Agent: "a1"}, req)

	var decoded Response
	if err := json.Unmarshal(resp, &decoded); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if decoded.Error != nil {
		t.Fatalf("expected success, got error: %+v", decoded.Error)
	}
}

func TestProxyDeniesWhenPDPDenies(t *testing.T) {
	p, _ := newTestProxy(t, &pdp.PolicyDecision{Outcome: pdp.Deny, Reason: "no access"})

	req := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"svc__echo","arguments":{}}}`)
	resp := p.HandleRequest(context.Background(), RequestMeta{Agent: "a1"}, req)

	var decoded Response
	if err := json.Unmarshal(resp, &decoded); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if decoded.Error == nil || decoded.Error.Code != ErrCodePolicyDenied {
		t.Fatalf("expected policy-denied error, got %+v", decoded)
	}
}

func TestProxyToolsListReturnsPrefixedCatalog(t *testing.T) {
	p, _ := newTestProxy(t, &pdp.PolicyDecision{Outcome: pdp.Permit})
	req := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	resp := p.HandleRequest(context.Background(), RequestMeta{Agent: "a1"}, req)

	var decoded struct {
		Result struct {
			Tools []Tool `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded.Result.Tools) != 1 || decoded.Result.Tools[0].Name != "svc__echo" {
		t.Fatalf("expected prefixed catalog, got %+v", decoded.Result.Tools)
	}
}

func TestProxyNotificationsGetNoResponse(t *testing.T) {
	p, _ := newTestProxy(t, &pdp.PolicyDecision{Outcome: pdp.Permit})
	req := []byte(`{"jsonrpc":"2.0","method":"tools/list"}`)
	resp := p.HandleRequest(context.Background(), RequestMeta{Agent: "a1"}, req)
	if resp != nil {
		t.Fatalf("expected no response for a notification, got %s", resp)
	}
}

func TestProxyUpstreamBackpressureReturnsUnavailable(t *testing.T) {
	decision := &pdp.PolicyDecision{Outcome: pdp.Permit}
	p, _ := newTestProxy(t, decision)
	p.mu.Lock()
	p.sems["svc"] = make(chan struct{}) // zero capacity: every acquire fails
	p.mu.Unlock()

	req := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"svc__echo","arguments":{}}}`)
	resp := p.HandleRequest(context.Background(), RequestMeta{Agent: "a1"}, req)

	var decoded Response
	_ = json.Unmarshal(resp, &decoded)
	if decoded.Error == nil || decoded.Error.Code != ErrCodePolicyDenied {
		t.Fatalf("expected upstream-unavailable error, got %+v", decoded)
	}
}

func TestProxyRateLimitedCallReturnsRetryAfter(t *testing.T) {
	decision := &pdp.PolicyDecision{
		Outcome: pdp.Permit, Reason: "ok", Confidence: 1,
		Constraints: []pap.ConstraintDescriptor{
			{Kind: "rate_limit", Parameters: map[string]any{"limit": 1, "windowSeconds": 60}},
		},
	}
	p, _ := newTestProxy(t, decision)
	p.constraints.Register(constraint.NewRateLimiter())

	req := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"svc__echo","arguments":{}}}`)

	first := p.HandleRequest(context.Background(), RequestMeta{Agent: "a1"}, req)
	var firstDecoded Response
	if err := json.Unmarshal(first, &firstDecoded); err != nil {
		t.Fatalf("unmarshal first response: %v", err)
	}
	if firstDecoded.Error != nil {
		t.Fatalf("expected first call to succeed, got error: %+v", firstDecoded.Error)
	}

	second := p.HandleRequest(context.Background(), RequestMeta{Agent: "a1"}, req)
	var decoded Response
	if err := json.Unmarshal(second, &decoded); err != nil {
		t.Fatalf("unmarshal second response: %v", err)
	}
	if decoded.Error == nil || decoded.Error.Code != ErrCodeRateLimited {
		t.Fatalf("expected rate-limited error, got %+v", decoded)
	}
	data, ok := decoded.Error.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected error data to be an object, got %T", decoded.Error.Data)
	}
	retryAfterMs, ok := data["retryAfterMs"]
	if !ok {
		t.Fatalf("expected retryAfterMs in error data, got %+v", data)
	}
	if f, ok := retryAfterMs.(float64); !ok || f < 0 {
		t.Fatalf("expected non-negative retryAfterMs, got %+v", retryAfterMs)
	}
}

type failingObligation struct{ kind string }

func (f *failingObligation) Kind() string { return f.kind }
func (f *failingObligation) Execute(context.Context, *obligation.Request, map[string]any) error {
	return errors.New("side effect unavailable")
}

func TestProxySuppressesResponseOnCriticalObligationFailure(t *testing.T) {
	decision := &pdp.PolicyDecision{
		Outcome: pdp.Permit, Reason: "ok", Confidence: 1,
		Obligations: []pap.ObligationDescriptor{
			{Kind: "notify", Critical: true},
		},
	}
	p, _ := newTestProxy(t, decision)
	p.obligations.Register(&failingObligation{kind: "notify"})

	req := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"svc__echo","arguments":{}}}`)
	resp := p.HandleRequest(context.Background(), RequestMeta{Agent: "a1"}, req)

	var decoded Response
	if err := json.Unmarshal(resp, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Result != nil {
		t.Fatalf("expected response to be suppressed, got result: %s", decoded.Result)
	}
	if decoded.Error == nil || decoded.Error.Code != ErrCodeInternalError {
		t.Fatalf("expected internal-error response for failed critical obligation, got %+v", decoded)
	}
}
