package constraint

import (
	"sync"
	"time"
)

// RateLimiter implements the "rate_limit" constraint kind as a true
// sliding window (a per-agent deque of call timestamps), not a token
// bucket or fixed window — the limit must hold over any trailing
// window, not reset on a wall-clock boundary an attacker can straddle.
// golang.org/x/time/rate is a token bucket and was rejected for this
// reason.
//
// Parameters:
//   limit         int  max calls allowed within the window (default 1000)
//   windowSeconds int  window size in seconds (default 60)
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{windows: make(map[string][]time.Time)}
}

func (*RateLimiter) Kind() string { return "rate_limit" }

func (rl *RateLimiter) Process(req *Request, params map[string]any) (any, error) {
	limit := intParam(params["limit"], 1000)
	window := time.Duration(intParam(params["windowSeconds"], 60)) * time.Second

	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	deque := rl.windows[req.Agent]
	cutoff := now.Add(-window)
	kept := deque[:0]
	for _, t := range deque {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= limit {
		rl.windows[req.Agent] = kept
		retryAfter := kept[0].Add(window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return nil, &RateLimitError{RetryAfter: retryAfter}
	}

	rl.windows[req.Agent] = append(kept, now)
	return req.Payload, nil
}

func intParam(v any, def int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}
