package notify

import (
	"context"
	"log/slog"
)

// LogSender logs notifications instead of delivering them. It stands in when no
// message broker is configured or reachable.
type LogSender struct {
	log *slog.Logger
}

func NewLogSender(log *slog.Logger) *LogSender {
	if log == nil {
		log = slog.Default()
	}
	return &LogSender{log: log}
}

func (s *LogSender) Send(_ context.Context, n Notification) error {
	s.log.Info("notification (not delivered)",
		"template", n.Template, "account_id", n.AccountID, "email", n.Email, "link", n.Link)
	return nil
}
