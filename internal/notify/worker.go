package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dogchuchu/apiserver/internal/mq"
)

// Subscriber is the subset of mq.MQ used by the worker.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handler mq.Handler) error
}

// Worker consumes verification email jobs and delivers them.
type Worker struct {
	subscriber Subscriber
	mailer     Mailer
	channel    string
	logger     *slog.Logger
}

func NewWorker(subscriber Subscriber, mailer Mailer, channel string, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		subscriber: subscriber,
		mailer:     mailer,
		channel:    channel,
		logger:     logger,
	}
}

// Run blocks until ctx is cancelled or the subscription fails.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("email worker started", "channel", w.channel)
	err := w.subscriber.Subscribe(ctx, w.channel, w.handle)
	if errors.Is(err, context.Canceled) || errors.Is(err, mq.ErrClosed) {
		return nil
	}
	return err
}

func (w *Worker) handle(ctx context.Context, msg mq.Message) error {
	var job VerificationEmail
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		// Malformed payloads are acked.
		w.logger.Error("decode verification email failed", "message_id", msg.ID, "error", err)
		return nil
	}
	if job.To == "" || job.VerifyURL == "" {
		w.logger.Error("incomplete verification email", "message_id", msg.ID)
		return nil
	}

	if err := w.mailer.SendVerification(ctx, job); err != nil {
		w.logger.Error("deliver verification email failed",
			"message_id", msg.ID, "to", job.To, "attempt", msg.Attempt, "error", err)
		return fmt.Errorf("deliver %s: %w", msg.ID, err)
	}
	return nil
}
