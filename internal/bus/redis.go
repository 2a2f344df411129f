package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisBus fans events out over a Redis pub/sub channel. Every instance
// subscribes to the same channel, so publishes reach the whole cluster
// including the publisher itself.
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  *logrus.Logger

	mu       sync.RWMutex
	handlers []Handler

	pubsub   *redis.PubSub
	cancel   context.CancelFunc
	doneCh   chan struct{}
	startSub sync.Once
}

func NewRedisBus(client *redis.Client, channel string, logger *logrus.Logger) *RedisBus {
	return &RedisBus{
		client:  client,
		channel: channel,
		logger:  logger,
		doneCh:  make(chan struct{}),
	}
}

func (b *RedisBus) Publish(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

func (b *RedisBus) Subscribe(handler Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, handler)
	b.mu.Unlock()

	b.startSub.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		b.cancel = cancel
		b.pubsub = b.client.Subscribe(ctx, b.channel)
		go b.receiveLoop(ctx)
	})
}

func (b *RedisBus) receiveLoop(ctx context.Context) {
	defer close(b.doneCh)
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.WithError(err).Warn("Dropping malformed bus event")
				continue
			}
			b.mu.RLock()
			handlers := make([]Handler, len(b.handlers))
			copy(handlers, b.handlers)
			b.mu.RUnlock()
			for _, h := range handlers {
				h(&event)
			}
		}
	}
}

func (b *RedisBus) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	if b.pubsub != nil {
		if err := b.pubsub.Close(); err != nil {
			return err
		}
		<-b.doneCh
	}
	return nil
}
