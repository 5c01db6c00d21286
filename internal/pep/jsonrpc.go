// Package pep implements the Policy Enforcement Point: a transparent
// MCP proxy. It terminates JSON-RPC 2.0 from a downstream MCP
// client, aggregates one or more upstream MCP servers into a single
// prefixed tool catalog, and runs every tools/call through PIP
// enrichment, PDP decision, constraint application, and obligation
// execution before (and after) forwarding it upstream.
//
// Grounded on the teacher's pkg/mcp (Catalog/ToolRef aggregation,
// GovernanceFirewall's pre/post-execution wrapping) generalized from a
// single in-process catalog to multiple prefixed upstream catalogs,
// and pkg/mcp/gateway.go's HTTP route registration style.
package pep

import "encoding/json"

// JSON-RPC 2.0 reserved codes, plus the three codes AEGIS defines in its
// server-error range (-32000 to -32099).
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603

	// ErrCodePolicyDenied covers every fail-closed path: the PDP returned
	// DENY, the upstream the decision would forward to is unreachable or
	// over capacity, or the decision itself timed out (an INDETERMINATE
	// decision is denied, never permitted).
	ErrCodePolicyDenied = -32000
	// ErrCodeConstraintFailure marks a constraint that rejected the call
	// or failed to apply to the request/response payload during
	// enforcement, distinct from the PDP having denied it outright.
	ErrCodeConstraintFailure = -32001
	// ErrCodeRateLimited is the constraint-failure subtype for the
	// rate_limit constraint specifically; its Data carries
	// {"retryAfterMs": N} so a well-behaved client can back off and retry.
	ErrCodeRateLimited = -32002
)

// Request is a JSON-RPC 2.0 request or notification (ID nil/omitted).
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether this Request carries no ID and
// therefore expects no Response.
func (r *Request) IsNotification() bool { return r.ID == nil }

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

func errorResponse(id any, code int, message string, data any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message, Data: data}}
}

func resultResponse(id any, result any) *Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, ErrCodeInternalError, "failed to marshal result", err.Error())
	}
	return &Response{JSONRPC: "2.0", ID: id, Result: raw}
}

// Notification is a server-initiated JSON-RPC message with no ID.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func newNotification(method string, params any) *Notification {
	raw, _ := json.Marshal(params)
	return &Notification{JSONRPC: "2.0", Method: method, Params: raw}
}

// Standard MCP methods the proxy recognizes.
const (
	MethodInitialize         = "initialize"
	MethodToolsList          = "tools/list"
	MethodToolsCall          = "tools/call"
	MethodResourcesList      = "resources/list"
	MethodResourcesRead      = "resources/read"
	NotificationToolsChanged     = "notifications/tools/list_changed"
	NotificationResourcesChanged = "notifications/resources/list_changed"
)

// ToolCallParams is the params shape of a tools/call request.
type ToolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolCallResult is the result shape of a tools/call response.
type ToolCallResult struct {
	Content []map[string]any `json:"content,omitempty"`
	IsError bool              `json:"isError,omitempty"`
}
