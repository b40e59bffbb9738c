package orchestrator

import (
	"context"
	"log/slog"
)

// Notifier is informed of terminal run outcomes. Delivery is best-effort:
// failures are logged by the orchestrator and never affect the run.
type Notifier interface {
	Notify(ctx context.Context, userID, title, body string) error
}

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a logger-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, userID, title, body string) error {
	n.logger.Info("workflow notification", "user_id", userID, "title", title, "body", body)
	return nil
}

// NullNotifier discards all notifications.
type NullNotifier struct{}

func NewNullNotifier() *NullNotifier {
	return &NullNotifier{}
}

func (n *NullNotifier) Notify(ctx context.Context, userID, title, body string) error {
	return nil
}
