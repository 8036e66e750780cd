package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
)

const sendTimeout = 10 * time.Second

type Worker struct {
	river.WorkerDefaults[SendArgs]
	sender      Sender
	frontendURL string
	log         *slog.Logger
}

func NewWorker(sender Sender, frontendURL string, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{sender: sender, frontendURL: frontendURL, log: log}
}

// Timeout bounds a single delivery attempt.
func (w *Worker) Timeout(*river.Job[SendArgs]) time.Duration { return sendTimeout }

func (w *Worker) Work(ctx context.Context, job *river.Job[SendArgs]) error {
	args := job.Args
	n := Notification{
		Template:  args.Template,
		AccountID: args.AccountID,
		Email:     args.Email,
		Link:      Link(w.frontendURL, args),
	}
	if err := w.sender.Send(ctx, n); err != nil {
		w.log.Error("notification delivery failed",
			"template", args.Template, "account_id", args.AccountID, "error", err)
		return fmt.Errorf("send %s notification: %w", args.Template, err)
	}
	return nil
}
