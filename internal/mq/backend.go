package mq

import (
	"context"
	"fmt"

	"github.com/dogchuchu/apiserver/config"
)

// NewBackend builds the broker backend selected by cfg.Backend.
func NewBackend(ctx context.Context, cfg config.MQConfig) (Backend, error) {
	switch cfg.Backend {
	case config.MQBackendMemory:
		return NewMemoryBackend(0), nil
	case config.MQBackendRabbitMQ:
		return NewRabbitMQClient(cfg.RabbitMQ)
	case config.MQBackendPubSub:
		return NewPubSubClient(ctx, cfg.PubSub)
	default:
		return nil, fmt.Errorf("unknown mq backend %q", cfg.Backend)
	}
}
