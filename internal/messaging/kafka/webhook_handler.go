package kafka

import (
	"context"
	"errors"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
	"github.com/vladislavdragonenkov/commerce/internal/service/payment"
)

// WebhookReceiver принимает callback провайдера.
type WebhookReceiver interface {
	HandleWebhook(ctx context.Context, provider string, payload []byte, signature string) (payment.WebhookResult, error)
}

// NewWebhookHandler читает события провайдера из commerce.payment.webhooks.
// Провайдер и подпись передаются в заголовках, тело: исходный JSON.
// Дедупликация по (provider, event_id) общая с HTTP-приёмом.
func NewWebhookHandler(receiver WebhookReceiver, logger *log.Entry) MessageHandler {
	if logger == nil {
		logger = log.WithField("component", "kafka-webhook-handler")
	}
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		provider := Header(message, HeaderProvider)
		if provider == "" {
			provider = payment.ProviderSimulated
		}

		result, err := receiver.HandleWebhook(ctx, provider, message.Value, Header(message, HeaderSignature))
		if err == nil {
			logger.WithFields(log.Fields{
				"event_id": result.EventID,
				"status":   result.Status,
			}).Debug("webhook consumed")
			return nil
		}

		entry := logger.WithError(err).WithFields(log.Fields{
			"provider":  provider,
			"offset":    message.Offset,
			"partition": message.Partition,
		})
		switch {
		case result.RecordID != 0:
			// Событие сохранено, дальше его доведёт планировщик повторов.
			entry.Warn("webhook stored but not applied")
			return nil
		case isPermanent(err):
			entry.Warn("webhook rejected")
			return nil
		default:
			return err
		}
	}
}

func isPermanent(err error) bool {
	var domainErr *domain.Error
	if !errors.As(err, &domainErr) {
		return false
	}
	switch domainErr.Kind {
	case domain.KindBadRequest, domain.KindUnauthorized:
		return true
	default:
		return false
	}
}
