package notify

import (
	"context"
	"log/slog"
)

// SlogNotifier writes messages to the default logger.
type SlogNotifier struct{}

func (SlogNotifier) Post(_ context.Context, msg Message) error {
	slog.Info(
		"notification",
		"kind", msg.Kind,
		"plugin", msg.Plugin,
		"title", msg.Title,
		"text", msg.Text,
	)
	return nil
}
