package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
)

// WebhookResult: итог приёма callback-а.
type WebhookResult struct {
	Status  domain.WebhookOutcome
	EventID string
	// RecordID: идентификатор строки журнала событий (0, если строка не создана).
	RecordID int64
}

// HandleWebhook принимает callback провайдера: проверяет подпись, пишет событие в журнал
// и применяет его. Повторная доставка того же event_id ничего не меняет.
func (s *Service) HandleWebhook(ctx context.Context, provider string, payload []byte, signature string) (WebhookResult, error) {
	if provider != s.gateway.Provider() {
		s.metrics.RecordWebhook("rejected")
		return WebhookResult{}, domain.ErrInvalidSignature.Withf("unknown provider %q", provider)
	}

	parsed, err := domain.ParseWebhookPayload(payload)
	if err != nil {
		s.metrics.RecordWebhook("rejected")
		return WebhookResult{}, err
	}
	valid := s.gateway.VerifySignature(payload, signature)

	now := s.now()
	event := domain.WebhookEvent{
		Provider:       provider,
		EventID:        parsed.EventID,
		EventType:      parsed.Type,
		PaymentID:      parsed.PaymentID,
		Payload:        append([]byte(nil), payload...),
		Signature:      signature,
		SignatureValid: valid,
		ProcessStatus:  domain.WebhookReceived,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if valid {
		// Если живая обработка не завершится, событие подхватит планировщик после паузы.
		retryAt := now.Add(s.receiveGrace)
		event.NextRetryAt = &retryAt
	} else {
		event.ProcessStatus = domain.WebhookFailed
		event.LastError = domain.ErrInvalidSignature.Reason
	}

	var inserted bool
	err = s.store.InTx(ctx, func(tx domain.Tx) error {
		var err error
		inserted, err = tx.Webhooks().Insert(ctx, &event)
		return err
	})
	if err != nil {
		return WebhookResult{}, err
	}

	logger := s.logger.WithFields(log.Fields{
		"provider": provider,
		"event_id": parsed.EventID,
		"type":     parsed.Type,
	})
	if !valid {
		s.metrics.RecordWebhook("invalid_signature")
		logger.Warn("webhook signature verification failed")
		return WebhookResult{EventID: parsed.EventID, RecordID: event.ID}, domain.ErrInvalidSignature
	}
	if !inserted {
		s.metrics.RecordWebhook(string(domain.OutcomeDuplicate))
		logger.Debug("duplicate webhook delivery")
		return WebhookResult{Status: domain.OutcomeDuplicate, EventID: parsed.EventID}, nil
	}

	outcome, err := s.ProcessEvent(ctx, event.ID)
	if err != nil {
		s.metrics.RecordWebhook("error")
		logger.WithError(err).Warn("webhook processing failed, left for retry")
		return WebhookResult{EventID: parsed.EventID, RecordID: event.ID}, err
	}
	s.metrics.RecordWebhook(string(outcome))
	return WebhookResult{Status: outcome, EventID: parsed.EventID, RecordID: event.ID}, nil
}

// ProcessEvent применяет записанное событие. Используется живым приёмом и планировщиком повторов.
// Ошибка применения откатывает изменения, а событие остаётся в RETRY_PENDING с last_error.
func (s *Service) ProcessEvent(ctx context.Context, recordID int64) (domain.WebhookOutcome, error) {
	var (
		outcome    domain.WebhookOutcome
		processErr error
	)
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		event, err := tx.Webhooks().GetForUpdate(ctx, recordID)
		if err != nil {
			return err
		}
		if event.ProcessStatus.Resolved() {
			outcome = domain.OutcomeDuplicate
			return nil
		}
		if !event.SignatureValid {
			return domain.ErrInvalidSignature.Withf("event %s", event.EventID)
		}

		processErr = tx.Savepoint(ctx, func() error {
			var err error
			outcome, err = s.apply(ctx, tx, event)
			return err
		})

		event.UpdatedAt = s.now()
		if processErr != nil {
			event.ProcessStatus = domain.WebhookRetryPending
			event.LastError = fmt.Sprintf("%s: %v", domain.ReasonOf(processErr), processErr)
		} else {
			event.LastError = ""
			event.NextRetryAt = nil
			if outcome == domain.OutcomeIgnored {
				event.ProcessStatus = domain.WebhookIgnored
			} else {
				event.ProcessStatus = domain.WebhookProcessed
			}
		}
		return tx.Webhooks().Update(ctx, event)
	})
	if err != nil {
		return "", err
	}
	if processErr != nil {
		return "", processErr
	}
	return outcome, nil
}

func (s *Service) apply(ctx context.Context, tx domain.Tx, event domain.WebhookEvent) (domain.WebhookOutcome, error) {
	payload, err := domain.ParseWebhookPayload(event.Payload)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(payload.Type) {
	case domain.WebhookPaymentSucceeded:
		return domain.OutcomeProcessed, s.capture(ctx, tx, payload)
	case domain.WebhookPaymentFailed:
		return domain.OutcomeProcessed, s.fail(ctx, tx, payload)
	default:
		return domain.OutcomeIgnored, nil
	}
}

// capture переводит платёж в CAPTURED, заказ в PAID, списывает склад и пишет финансовый леджер.
func (s *Service) capture(ctx context.Context, tx domain.Tx, payload domain.WebhookPayload) error {
	payment, err := tx.Payments().GetForUpdate(ctx, payload.PaymentID)
	if err != nil {
		return err
	}
	if payload.OrderID != 0 && payload.OrderID != payment.OrderID {
		return domain.ErrPaymentNotFound.Withf("payment %d does not belong to order %d", payment.ID, payload.OrderID)
	}
	if payment.Status == domain.PaymentCaptured {
		return nil
	}
	if !payment.Status.Active() {
		return domain.ErrInvalidState.Withf("payment %d is %s", payment.ID, payment.Status)
	}
	if payload.Amount != 0 && payload.Amount != payment.Amount {
		return domain.ErrAmountMismatch.Withf("payment %d: captured %d, expected %d", payment.ID, payload.Amount, payment.Amount)
	}

	ord, err := tx.Orders().GetForUpdate(ctx, payment.OrderID)
	if err != nil {
		return err
	}
	if ord.Status == domain.OrderCreated {
		if ord, err = s.orders.TransitionTx(ctx, tx, ord, domain.OrderPaymentPending, ""); err != nil {
			return err
		}
	}
	if ord, err = s.orders.TransitionTx(ctx, tx, ord, domain.OrderPaid, ""); err != nil {
		return err
	}

	now := s.now()
	payment.Status = domain.PaymentCaptured
	payment.CapturedAt = &now
	payment.UpdatedAt = now
	if payload.ProviderPaymentID != "" {
		payment.ProviderPaymentID = payload.ProviderPaymentID
	}
	if err := tx.Payments().Update(ctx, payment); err != nil {
		return err
	}

	for _, item := range ord.Items {
		m, err := domain.NewInventoryMutation(domain.MutationDeduct, item.SKUID, item.SellerID, item.Qty,
			domain.DeductKey(payment.ID, item.ID), domain.RefTypePayment, payment.ID)
		if err != nil {
			return err
		}
		if _, err := s.ledger.MutateTx(ctx, tx, m); err != nil {
			return err
		}
		if err := s.appendCaptureEntries(ctx, tx, ord, item, payment, now); err != nil {
			return err
		}
	}
	if _, err := tx.Orders().AppendEvent(ctx, domain.OrderEvent{
		OrderID:    ord.ID,
		EventType:  domain.OrderEventInventoryDeducted,
		FromStatus: ord.Status,
		ToStatus:   ord.Status,
		CreatedAt:  now,
	}); err != nil {
		return err
	}

	s.logger.WithFields(log.Fields{
		"payment_id": payment.ID,
		"order_id":   ord.ID,
	}).Info("payment captured")
	return domain.EmitEvent(ctx, tx, domain.AggregatePayment, payment.ID, domain.EventPaymentCaptured, map[string]any{
		"payment_id":  payment.ID,
		"order_id":    ord.ID,
		"amount":      payment.Amount,
		"currency":    payment.Currency,
		"captured_at": now.Format(time.RFC3339Nano),
	})
}

func (s *Service) appendCaptureEntries(ctx context.Context, tx domain.Tx, ord domain.Order, item domain.OrderItem, payment domain.Payment, at time.Time) error {
	pgFee, platformFee := s.fees.Split(item.ItemAmount)
	entries := []domain.FinancialEntry{
		{EntryType: domain.EntrySale, Amount: item.ItemAmount},
		{EntryType: domain.EntryPGFee, Amount: -pgFee},
		{EntryType: domain.EntryPlatformFee, Amount: -platformFee},
	}
	for _, entry := range entries {
		entry.OrderID = ord.ID
		entry.OrderItemID = item.ID
		entry.SellerID = item.SellerID
		entry.PaymentID = payment.ID
		entry.Currency = payment.Currency
		entry.IdempotencyKey = domain.CaptureEntryKey(payment.ID, item.ID, entry.EntryType)
		entry.CreatedAt = at
		if _, _, err := tx.Financial().Append(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) fail(ctx context.Context, tx domain.Tx, payload domain.WebhookPayload) error {
	payment, err := tx.Payments().GetForUpdate(ctx, payload.PaymentID)
	if err != nil {
		return err
	}
	if !payment.Status.Active() {
		return nil
	}
	payment.Status = domain.PaymentFailed
	payment.UpdatedAt = s.now()
	if err := tx.Payments().Update(ctx, payment); err != nil {
		return err
	}
	s.logger.WithField("payment_id", payment.ID).Info("payment failed at provider")
	return domain.EmitEvent(ctx, tx, domain.AggregatePayment, payment.ID, domain.EventPaymentFailed, map[string]any{
		"payment_id": payment.ID,
		"order_id":   payment.OrderID,
	})
}
