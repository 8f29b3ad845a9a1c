package mq

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

const defaultMemoryBuffer = 256

// ErrClosed is returned by a closed MemoryBackend.
var ErrClosed = errors.New("mq closed")

// MemoryBackend is an in-process broker backed by buffered channels.
// Messages published before a subscriber attaches are buffered. A failed
// message is redelivered once, unless the queue is full at that moment.
type MemoryBackend struct {
	mu       sync.Mutex
	queues   map[string]chan Message
	buffer   int
	closed   chan struct{}
	once     sync.Once
	sequence atomic.Uint64
	logger   *slog.Logger
}

// NewMemoryBackend constructs a MemoryBackend. A non-positive buffer uses
// the default.
func NewMemoryBackend(buffer int) *MemoryBackend {
	if buffer <= 0 {
		buffer = defaultMemoryBuffer
	}
	return &MemoryBackend{
		queues: make(map[string]chan Message),
		buffer: buffer,
		closed: make(chan struct{}),
		logger: slog.Default(),
	}
}

// WithLogger sets the logger used to report dropped messages.
func (m *MemoryBackend) WithLogger(logger *slog.Logger) *MemoryBackend {
	if logger != nil {
		m.logger = logger
	}
	return m
}

// Publish enqueues a message on the named channel.
func (m *MemoryBackend) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("memory channel is required")
	}
	queue, err := m.queue(channel)
	if err != nil {
		return "", err
	}

	id := strconv.FormatUint(m.sequence.Add(1), 10)
	msg := Message{ID: id, Data: append([]byte(nil), data...), Attributes: attrs, Attempt: 1}

	select {
	case queue <- msg:
		return id, nil
	case <-m.closed:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Subscribe consumes messages until ctx is done or the backend is closed.
func (m *MemoryBackend) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("memory channel is required")
	}
	queue, err := m.queue(channel)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.closed:
			return ErrClosed
		case msg := <-queue:
			if err := handler(ctx, msg); err != nil && msg.Attempt < 2 {
				msg.Attempt++
				select {
				case queue <- msg:
				default:
					m.logger.WarnContext(ctx, "redelivery dropped: queue full",
						"channel", channel, "message_id", msg.ID, "error", err)
				}
			}
		}
	}
}

// Close stops every subscriber and rejects further publishes.
func (m *MemoryBackend) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *MemoryBackend) queue(channel string) (chan Message, error) {
	select {
	case <-m.closed:
		return nil, ErrClosed
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	queue, ok := m.queues[channel]
	if !ok {
		queue = make(chan Message, m.buffer)
		m.queues[channel] = queue
	}
	return queue, nil
}
