package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
)

type paymentRepository struct {
	q queryer
}

const paymentColumns = `
	id, order_id, method, status, amount, currency, provider, provider_payment_id,
	COALESCE(idempotency_key, ''), checkout_session_id, redirect_url, expires_at, captured_at,
	created_at, updated_at`

func scanPayment(row interface{ Scan(...any) error }) (domain.Payment, error) {
	var (
		p      domain.Payment
		status string
	)
	err := row.Scan(
		&p.ID, &p.OrderID, &p.Method, &status, &p.Amount, &p.Currency, &p.Provider, &p.ProviderPaymentID,
		&p.IdempotencyKey, &p.CheckoutSessionID, &p.RedirectURL, &p.ExpiresAt, &p.CapturedAt,
		&p.CreatedAt, &p.UpdatedAt,
	)
	p.Status = domain.PaymentStatus(status)
	return p, err
}

func (r paymentRepository) Create(ctx context.Context, payment *domain.Payment) error {
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO payments (
			order_id, method, status, amount, currency, provider, provider_payment_id,
			idempotency_key, checkout_session_id, redirect_url, expires_at, captured_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING id
	`,
		payment.OrderID, payment.Method, string(payment.Status), payment.Amount, payment.Currency,
		payment.Provider, payment.ProviderPaymentID, nullString(payment.IdempotencyKey),
		payment.CheckoutSessionID, payment.RedirectURL, payment.ExpiresAt, payment.CapturedAt,
		payment.CreatedAt, payment.UpdatedAt,
	).Scan(&payment.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrIdempotencyConflict.Withf("payment key %s", payment.IdempotencyKey)
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r paymentRepository) Get(ctx context.Context, id int64) (domain.Payment, error) {
	return r.get(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
}

func (r paymentRepository) GetForUpdate(ctx context.Context, id int64) (domain.Payment, error) {
	return r.get(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id)
}

func (r paymentRepository) GetByIdempotencyKey(ctx context.Context, key string) (domain.Payment, bool, error) {
	if key == "" {
		return domain.Payment{}, false, nil
	}
	payment, err := r.get(ctx, `SELECT `+paymentColumns+` FROM payments WHERE idempotency_key = $1`, key)
	if err != nil {
		if errors.Is(err, domain.ErrPaymentNotFound) {
			return domain.Payment{}, false, nil
		}
		return domain.Payment{}, false, err
	}
	return payment, true, nil
}

func (r paymentRepository) get(ctx context.Context, query string, arg any) (domain.Payment, error) {
	payment, err := scanPayment(r.q.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Payment{}, domain.ErrPaymentNotFound.Withf("payment %v", arg)
		}
		return domain.Payment{}, fmt.Errorf("select payment: %w", err)
	}
	return payment, nil
}

func (r paymentRepository) ListByOrder(ctx context.Context, orderID int64) ([]domain.Payment, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Payment, 0)
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		result = append(result, payment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}
	return result, nil
}

func (r paymentRepository) Update(ctx context.Context, payment domain.Payment) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE payments
		SET status = $2,
		    provider = $3,
		    provider_payment_id = $4,
		    checkout_session_id = $5,
		    redirect_url = $6,
		    expires_at = $7,
		    captured_at = $8,
		    updated_at = $9
		WHERE id = $1
	`,
		payment.ID, string(payment.Status), payment.Provider, payment.ProviderPaymentID,
		payment.CheckoutSessionID, payment.RedirectURL, payment.ExpiresAt, payment.CapturedAt, payment.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	return expectAffected(res, domain.ErrPaymentNotFound.Withf("payment %d", payment.ID))
}

type webhookRepository struct {
	q queryer
}

const webhookColumns = `
	id, provider, event_id, event_type, payment_id, payload, signature, signature_valid,
	process_status, retry_count, next_retry_at, last_error, created_at, updated_at`

func scanWebhook(row interface{ Scan(...any) error }) (domain.WebhookEvent, error) {
	var (
		e       domain.WebhookEvent
		status  string
		payload []byte
	)
	err := row.Scan(
		&e.ID, &e.Provider, &e.EventID, &e.EventType, &e.PaymentID, &payload, &e.Signature, &e.SignatureValid,
		&status, &e.RetryCount, &e.NextRetryAt, &e.LastError, &e.CreatedAt, &e.UpdatedAt,
	)
	e.ProcessStatus = domain.WebhookStatus(status)
	e.Payload = rawJSON(payload)
	return e, err
}

// Insert опирается на UNIQUE (provider, event_id): дубликат не вставляется и не считается ошибкой.
// Строку с неверной подписью перезаписывает доставка с верной.
func (r webhookRepository) Insert(ctx context.Context, event *domain.WebhookEvent) (bool, error) {
	if event.UpdatedAt.IsZero() {
		event.UpdatedAt = event.CreatedAt
	}
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO webhook_events (
			provider, event_id, event_type, payment_id, payload, signature, signature_valid,
			process_status, retry_count, next_retry_at, last_error, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (provider, event_id) DO UPDATE
		SET event_type = EXCLUDED.event_type,
		    payment_id = EXCLUDED.payment_id,
		    payload = EXCLUDED.payload,
		    signature = EXCLUDED.signature,
		    signature_valid = EXCLUDED.signature_valid,
		    process_status = EXCLUDED.process_status,
		    retry_count = EXCLUDED.retry_count,
		    next_retry_at = EXCLUDED.next_retry_at,
		    last_error = EXCLUDED.last_error,
		    created_at = EXCLUDED.created_at,
		    updated_at = EXCLUDED.updated_at
		WHERE NOT webhook_events.signature_valid AND EXCLUDED.signature_valid
		RETURNING id
	`,
		event.Provider, event.EventID, event.EventType, event.PaymentID, nullJSON(event.Payload),
		event.Signature, event.SignatureValid, string(event.ProcessStatus), event.RetryCount,
		event.NextRetryAt, event.LastError, event.CreatedAt, event.UpdatedAt,
	).Scan(&event.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	return true, nil
}

func (r webhookRepository) Get(ctx context.Context, id int64) (domain.WebhookEvent, error) {
	return r.get(ctx, `SELECT `+webhookColumns+` FROM webhook_events WHERE id = $1`, id)
}

func (r webhookRepository) GetForUpdate(ctx context.Context, id int64) (domain.WebhookEvent, error) {
	return r.get(ctx, `SELECT `+webhookColumns+` FROM webhook_events WHERE id = $1 FOR UPDATE`, id)
}

func (r webhookRepository) get(ctx context.Context, query string, id int64) (domain.WebhookEvent, error) {
	event, err := scanWebhook(r.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WebhookEvent{}, domain.ErrWebhookEventNotFound.Withf("event %d", id)
		}
		return domain.WebhookEvent{}, fmt.Errorf("select webhook event: %w", err)
	}
	return event, nil
}

func (r webhookRepository) GetByEventID(ctx context.Context, provider, eventID string) (domain.WebhookEvent, bool, error) {
	event, err := scanWebhook(r.q.QueryRowContext(ctx, `
		SELECT `+webhookColumns+`
		FROM webhook_events
		WHERE provider = $1 AND event_id = $2
	`, provider, eventID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WebhookEvent{}, false, nil
		}
		return domain.WebhookEvent{}, false, fmt.Errorf("select webhook event by id: %w", err)
	}
	return event, true, nil
}

func (r webhookRepository) Update(ctx context.Context, event domain.WebhookEvent) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE webhook_events
		SET event_type = $2,
		    payment_id = $3,
		    process_status = $4,
		    retry_count = $5,
		    next_retry_at = $6,
		    last_error = $7,
		    updated_at = $8
		WHERE id = $1
	`,
		event.ID, event.EventType, event.PaymentID, string(event.ProcessStatus),
		event.RetryCount, event.NextRetryAt, event.LastError, event.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update webhook event: %w", err)
	}
	return expectAffected(res, domain.ErrWebhookEventNotFound.Withf("event %d", event.ID))
}

// ListRetryable не ждёт строки, которые сейчас держит другая транзакция. Блокировка живёт
// только до конца выборки; повторный захват той же строки отсекает MarkAttempt по next_retry_at.
func (r webhookRepository) ListRetryable(ctx context.Context, now time.Time, maxAttempts, limit int) ([]domain.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+webhookColumns+`
		FROM webhook_events
		WHERE process_status IN ('RECEIVED', 'RETRY_PENDING')
		  AND retry_count < $1
		  AND (next_retry_at IS NULL OR next_retry_at <= $2)
		ORDER BY id
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`, maxAttempts, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list retryable webhook events: %w", err)
	}
	defer rows.Close()

	result := make([]domain.WebhookEvent, 0)
	for rows.Next() {
		event, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		result = append(result, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhook events: %w", err)
	}
	return result, nil
}

var (
	_ domain.PaymentRepository      = paymentRepository{}
	_ domain.WebhookEventRepository = webhookRepository{}
)
