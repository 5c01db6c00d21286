package obligation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// LifecycleAction is a future action to apply to a resource.
type LifecycleAction string

const (
	ActionDelete  LifecycleAction = "delete"
	ActionArchive LifecycleAction = "archive"
	ActionRetain  LifecycleAction = "retain"
)

// Scheduler enqueues a lifecycle action to run at a future time.
// Implementations must not block the caller.
type Scheduler interface {
	Schedule(action LifecycleAction, resource string, at time.Time) error
}

// TimerScheduler is an in-process Scheduler backed by time.AfterFunc.
// Scheduled actions are lost on restart — deployments needing
// durability across restarts should wire a persistent Scheduler
// instead (e.g. backed by the audit SQLite store).
type TimerScheduler struct {
	mu      sync.Mutex
	timers  []*time.Timer
	onFire  func(action LifecycleAction, resource string)
	logger  *slog.Logger
}

// NewTimerScheduler returns a Scheduler that invokes onFire when a
// scheduled action's time arrives. A nil onFire just logs.
func NewTimerScheduler(onFire func(action LifecycleAction, resource string)) *TimerScheduler {
	return &TimerScheduler{onFire: onFire, logger: slog.Default().With("component", "lifecycle")}
}

func (s *TimerScheduler) Schedule(action LifecycleAction, resource string, at time.Time) error {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := time.AfterFunc(delay, func() {
		if s.onFire != nil {
			s.onFire(action, resource)
		} else {
			s.logger.Info("lifecycle action fired", "action", action, "resource", resource)
		}
	})
	s.timers = append(s.timers, timer)
	return nil
}

// Stop cancels every pending timer, for clean shutdown in tests.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}

// Lifecycle implements the "lifecycle" obligation kind: it schedules a
// future delete/archive/retain action against a resource rather than
// acting immediately.
//
// Parameters:
//   action      string  "delete" | "archive" | "retain"
//   afterHours  float64 delay before the action fires, in hours
type Lifecycle struct {
	Scheduler Scheduler
}

func NewLifecycle(scheduler Scheduler) *Lifecycle {
	return &Lifecycle{Scheduler: scheduler}
}

func (*Lifecycle) Kind() string { return "lifecycle" }

func (l *Lifecycle) Execute(_ context.Context, req *Request, params map[string]any) error {
	action, _ := params["action"].(string)
	if action == "" {
		return fmt.Errorf("lifecycle: missing action parameter")
	}
	hours := floatParam(params["afterHours"], 0)
	at := time.Now().Add(time.Duration(hours * float64(time.Hour)))
	return l.Scheduler.Schedule(LifecycleAction(action), req.Resource, at)
}

func floatParam(v any, def float64) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return def
	}
}
