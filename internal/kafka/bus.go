package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/micro-oms/internal/logging"
)

const HeaderEventType = "event_type"

// Publisher accepts a message for asynchronous delivery. It reports false
// when the message was dropped.
type Publisher interface {
	Publish(m kafka.Message) bool
}

// EventBus turns domain events into enveloped kafka messages. It satisfies
// the EventPublisher interfaces of the orders and inventory packages.
type EventBus struct {
	pub    Publisher
	source string
	logger *zap.Logger
	now    func() time.Time
}

func NewEventBus(pub Publisher, source string, logger *zap.Logger) *EventBus {
	return &EventBus{pub: pub, source: source, logger: logging.OrNop(logger).Named("events"), now: time.Now}
}

func (b *EventBus) Emit(_ context.Context, topic, eventType, key string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("encode event payload", zap.String("type", eventType), zap.Error(err))
		return
	}
	now := b.now().UTC()
	env := Envelope{
		ID:         uuid.NewString(),
		Type:       eventType,
		Source:     b.source,
		Key:        key,
		OccurredAt: now,
		Payload:    raw,
	}
	value, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("encode event envelope", zap.String("type", eventType), zap.Error(err))
		return
	}
	ok := b.pub.Publish(kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Time:    now,
		Headers: []kafka.Header{{Key: HeaderEventType, Value: []byte(eventType)}},
	})
	if !ok {
		b.logger.Warn("event dropped", zap.String("topic", topic), zap.String("type", eventType), zap.String("id", env.ID))
	}
}
