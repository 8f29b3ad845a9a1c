package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/dogchuchu/apiserver/internal/mq"
)

const defaultPublishTimeout = 10 * time.Second

// VerificationEmail is the job published for every signup.
type VerificationEmail struct {
	To        string    `json:"to"`
	VerifyURL string    `json:"verify_url"`
	CreatedAt time.Time `json:"created_at"`
}

// Publisher is the subset of mq.MQ used to enqueue jobs.
type Publisher interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
}

// QueueNotifier hands verification emails to the broker without blocking
// the caller.
type QueueNotifier struct {
	publisher Publisher
	channel   string
	timeout   time.Duration
	logger    *slog.Logger
	wg        sync.WaitGroup
}

func NewQueueNotifier(publisher Publisher, channel string, logger *slog.Logger) *QueueNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueNotifier{
		publisher: publisher,
		channel:   channel,
		timeout:   defaultPublishTimeout,
		logger:    logger,
	}
}

// SendVerification enqueues the email in the background. Failures are
// logged and never reach the caller; request cancellation does not abort
// the publish.
func (n *QueueNotifier) SendVerification(ctx context.Context, to, verifyURL string) {
	job := VerificationEmail{To: to, VerifyURL: verifyURL, CreatedAt: time.Now().UTC()}
	payload, err := json.Marshal(job)
	if err != nil {
		n.logger.Error("encode verification email failed", "to", to, "error", err)
		return
	}

	detached := context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		publishCtx, cancel := context.WithTimeout(detached, n.timeout)
		defer cancel()

		id, err := n.publisher.Publish(publishCtx, n.channel, payload, map[string]string{
			mq.AttrContentType: "application/json",
		})
		if err != nil {
			n.logger.Error("publish verification email failed", "to", to, "channel", n.channel, "error", err)
			return
		}
		n.logger.Debug("verification email queued", "to", to, "message_id", id)
	}()
}

// Wait blocks until every in-flight publish has finished.
func (n *QueueNotifier) Wait() {
	n.wg.Wait()
}
