package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// KafkaBus fans events out over a Kafka topic. Each instance consumes with
// its own consumer group so every instance sees every event (broadcast
// semantics rather than work sharing).
type KafkaBus struct {
	writer *kafka.Writer
	reader *kafka.Reader
	logger *logrus.Logger

	mu       sync.RWMutex
	handlers []Handler

	cancel   context.CancelFunc
	doneCh   chan struct{}
	startSub sync.Once
}

func NewKafkaBus(brokers []string, topic, instanceID string, logger *logrus.Logger) *KafkaBus {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     "tradewire-fanout-" + instanceID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     250 * time.Millisecond,
	})
	return &KafkaBus{
		writer: writer,
		reader: reader,
		logger: logger,
		doneCh: make(chan struct{}),
	}
}

func (b *KafkaBus) Publish(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.UserID),
		Value: data,
		Time:  time.Now(),
	})
}

func (b *KafkaBus) Subscribe(handler Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, handler)
	b.mu.Unlock()

	b.startSub.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		b.cancel = cancel
		go b.receiveLoop(ctx)
	})
}

func (b *KafkaBus) receiveLoop(ctx context.Context) {
	defer close(b.doneCh)
	for {
		msg, err := b.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.WithError(err).Error("Kafka fanout consumer error")
			return
		}
		var event Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
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

func (b *KafkaBus) Close() error {
	if b.cancel != nil {
		b.cancel()
		<-b.doneCh
	}
	if err := b.reader.Close(); err != nil {
		return err
	}
	return b.writer.Close()
}
