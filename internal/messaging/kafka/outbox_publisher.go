package kafka

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
)

// OutboxTopicPublisher публикует outbox-сообщения в топик, ключ: id агрегата.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher создаёт publisher для transactional outbox.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &OutboxTopicPublisher{producer: producer, topic: topic}
}

// Publish отправляет событие в конверте Envelope.
func (p *OutboxTopicPublisher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errors.New("kafka outbox publisher is not initialized")
	}

	key := msg.AggregateType + ":" + msg.AggregateID
	if msg.AggregateID == "" {
		key = msg.ID
	}
	payload := json.RawMessage(msg.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	return p.producer.PublishJSON(ctx, p.topic, key, Envelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       payload,
		PublishedAt:   p.producer.now(),
	}, map[string]string{HeaderEventType: msg.EventType})
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
