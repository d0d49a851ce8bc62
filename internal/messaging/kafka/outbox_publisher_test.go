package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
)

func TestOutboxPublisher_Publish(t *testing.T) {
	t.Parallel()

	publishedAt := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, _ := msg.Key.Encode()
		if string(key) != "payment:12" {
			return fmt.Errorf("unexpected key %s", key)
		}
		raw, _ := msg.Value.Encode()
		var envelope Envelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return err
		}
		if envelope.EventType != domain.EventPaymentCaptured || string(envelope.Payload) != `{"payment_id":12}` {
			return fmt.Errorf("unexpected envelope %+v", envelope)
		}
		if !envelope.PublishedAt.Equal(publishedAt) {
			return fmt.Errorf("unexpected published_at %s", envelope.PublishedAt)
		}
		return nil
	})

	producer := newProducer(mockProducer)
	producer.now = func() time.Time { return publishedAt }
	publisher := NewOutboxPublisher(producer, "")

	err := publisher.Publish(context.Background(), domain.OutboxMessage{
		ID:            "outbox-1",
		AggregateType: domain.AggregatePayment,
		AggregateID:   "12",
		EventType:     domain.EventPaymentCaptured,
		Payload:       []byte(`{"payment_id":12}`),
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishProducerError(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	publisher := NewOutboxPublisher(newProducer(mockProducer), TopicOrderEvents)
	err := publisher.Publish(context.Background(), domain.OutboxMessage{ID: "outbox-2", AggregateType: domain.AggregateOrder, AggregateID: "3"})
	if err == nil {
		t.Fatal("expected publish error, got nil")
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishNilProducer(t *testing.T) {
	t.Parallel()

	publisher := NewOutboxPublisher(nil, TopicOrderEvents)
	if err := publisher.Publish(context.Background(), domain.OutboxMessage{ID: "outbox-3"}); err == nil {
		t.Fatal("expected error for nil producer")
	}
}
