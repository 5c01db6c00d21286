package obligation

import (
	"context"
	"fmt"
	"log/slog"
)

// Sink delivers a notification message somewhere — Slack, email,
// PagerDuty. Deployments without an external sink wired in get
// LogSink, which just logs.
type Sink interface {
	Notify(ctx context.Context, message string, params map[string]any) error
}

// LogSink is the default Sink: it writes the notification to the
// structured logger rather than delivering it anywhere.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{logger: slog.Default().With("component", "notify")}
}

func (s *LogSink) Notify(_ context.Context, message string, params map[string]any) error {
	s.logger.Info("notification", "message", message, "params", params)
	return nil
}

// Notifier implements the "notify" obligation kind, delegating
// delivery to a pluggable Sink.
//
// Parameters:
//   message  string  the text to deliver; falls back to a generic message if empty
type Notifier struct {
	Sink Sink
}

func NewNotifier(sink Sink) *Notifier {
	if sink == nil {
		sink = NewLogSink()
	}
	return &Notifier{Sink: sink}
}

func (*Notifier) Kind() string { return "notify" }

func (n *Notifier) Execute(ctx context.Context, req *Request, params map[string]any) error {
	message, _ := params["message"].(string)
	if message == "" {
		message = fmt.Sprintf("decision %s for agent %s on %s", req.Decision.Outcome, req.Agent, req.Resource)
	}
	return n.Sink.Notify(ctx, message, params)
}
