package llmjudge

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math"
	"time"
)

// TransientError marks an LLM client failure (timeout, connection reset,
// 5xx, rate-limited) as worth retrying. Client implementations should
// wrap transport-level errors in TransientError; anything else (a
// malformed prompt, an unsupported model) is treated as permanent.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// BackoffPolicy configures the retry schedule for a judge call: retry
// delays grow as initialDelay * backoffFactor^attempt.
type BackoffPolicy struct {
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxAttempts   int
	MaxJitter     time.Duration
}

// DefaultBackoffPolicy matches the specification's defaults.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialDelay:  1000 * time.Millisecond,
		BackoffFactor: 2.0,
		MaxAttempts:   3,
		MaxJitter:     100 * time.Millisecond,
	}
}

// computeBackoff returns the delay before the given attempt (0-indexed),
// following the teacher's deterministic-jitter pattern
// (kernel/retry.ComputeBackoff): jitter is derived from a SHA-256 hash of
// the call's identity rather than a process-global RNG, so repeated test
// runs for the same policy/context see the same schedule.
func computeBackoff(seedKey string, attempt int, policy BackoffPolicy) time.Duration {
	base := float64(policy.InitialDelay) * math.Pow(policy.BackoffFactor, float64(attempt))
	jitter := deterministicJitter(seedKey, attempt, policy.MaxJitter)
	return time.Duration(base) + jitter
}

func deterministicJitter(seedKey string, attempt int, maxJitter time.Duration) time.Duration {
	if maxJitter <= 0 {
		return 0
	}
	seed := seedKey + ":" + time.Duration(attempt).String()
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return time.Duration(basis % uint64(maxJitter))
}

// isTransient reports whether err is worth retrying: timeouts, connection
// resets and 5xx-shaped failures are transient; schema/validation errors
// and context cancellation are not — retrying a malformed prompt or a
// rejected schema just reproduces the same failure.
func isTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
