package notify

import (
	"context"
	"log/slog"

	"carpool-relay/internal/relay"
)

// LogNotifier records notifications instead of sending them. Used when no
// broker is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With(slog.String("component", "log_notifier"))}
}

func (n *LogNotifier) Notify(_ context.Context, note relay.Notification) error {
	n.logger.Info("push notification",
		slog.String("userID", note.UserID),
		slog.String("kind", note.Kind),
		slog.String("title", note.Title))
	return nil
}
