package pep

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AgentClaims is the bearer token's claim set: who is calling, and
// under what agent type/role for the PDP's context fields. Grounded
// on the teacher's identity.IdentityClaims (jwt.RegisteredClaims plus
// domain-specific fields), trimmed to what AEGIS's Context needs.
type AgentClaims struct {
	jwt.RegisteredClaims
	Agent     string `json:"agent"`
	AgentType string `json:"agentType,omitempty"`
	AgentRole string `json:"agentRole,omitempty"`
}

// HTTPServer exposes the Proxy over a single HTTP listener: one POST
// JSON-RPC endpoint, one GET SSE notification stream, an unauthenticated
// /health liveness check, and an optional unauthenticated /metrics
// scrape endpoint.
type HTTPServer struct {
	proxy      *Proxy
	secret     []byte
	rpcPath    string
	eventPath  string
	healthPath string

	metricsPath    string
	metricsHandler http.Handler
}

// NewHTTPServer wires proxy behind bearer-token auth using secret to
// validate HS256 JWTs. An empty secret disables signature verification
// and accepts any non-empty bearer token as a raw agent identifier —
// suitable for local development only.
func NewHTTPServer(proxy *Proxy, secret []byte) *HTTPServer {
	return &HTTPServer{proxy: proxy, secret: secret, rpcPath: "/rpc", eventPath: "/events", healthPath: "/health", metricsPath: "/metrics"}
}

// WithMetrics mounts h (typically a Provider's promhttp handler) at
// /metrics, unauthenticated like /health.
func (s *HTTPServer) WithMetrics(h http.Handler) *HTTPServer {
	s.metricsHandler = h
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.healthPath, s.handleHealth)
	mux.HandleFunc(s.rpcPath, s.withAuth(s.handleRPC))
	mux.HandleFunc(s.eventPath, s.withAuth(s.handleEvents))
	if s.metricsHandler != nil {
		mux.Handle(s.metricsPath, s.metricsHandler)
	}
	return mux
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *HTTPServer) withAuth(next func(http.ResponseWriter, *http.Request, RequestMeta)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meta, err := s.authenticate(r)
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		next(w, r, meta)
	}
}

func (s *HTTPServer) authenticate(r *http.Request) (RequestMeta, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return RequestMeta{}, fmt.Errorf("missing bearer token")
	}

	if len(s.secret) == 0 {
		return RequestMeta{Agent: token, IP: clientIP(r)}, nil
	}

	claims := &AgentClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return RequestMeta{}, fmt.Errorf("invalid bearer token: %w", err)
	}
	return RequestMeta{Agent: claims.Agent, AgentType: claims.AgentType, AgentRole: claims.AgentRole, IP: clientIP(r)}, nil
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return r.RemoteAddr
}

func (s *HTTPServer) handleRPC(w http.ResponseWriter, r *http.Request, meta RequestMeta) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	resp := s.proxy.HandleRequest(r.Context(), meta, raw)
	w.Header().Set("Content-Type", "application/json")
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	_, _ = w.Write(resp)
}

func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request, meta RequestMeta) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan *Notification, 16)
	sub := &channelSubscriber{ch: ch}
	subID := meta.SessionID
	if subID == "" {
		subID = meta.Agent + "-" + time.Now().Format(time.RFC3339Nano)
	}
	s.proxy.hub.Subscribe(subID, sub)
	defer s.proxy.hub.Unsubscribe(subID)

	for {
		select {
		case n := <-ch:
			data, _ := json.Marshal(n)
			_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

type channelSubscriber struct{ ch chan *Notification }

func (c *channelSubscriber) Notify(n *Notification) {
	select {
	case c.ch <- n:
	default:
	}
}
