package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
)

// ProviderSimulated: код симулированного провайдера.
const ProviderSimulated = "simulated"

// SimulatedGateway: детерминированный платёжный провайдер для dev и тестов.
// Подписывает callback-и HMAC-SHA256 в hex и позволяет настроить ошибку возврата.
type SimulatedGateway struct {
	secret     []byte
	baseURL    string
	sessionTTL time.Duration
	now        func() time.Time

	mu          sync.Mutex
	RefundErr   error
	RefundCalls int
	refunds     map[string]simulatedRefund
}

type simulatedRefund struct {
	providerID string
	amount     int64
}

// NewSimulatedGateway создаёт симулятор с секретом подписи.
func NewSimulatedGateway(secret, baseURL string, sessionTTL time.Duration) *SimulatedGateway {
	if baseURL == "" {
		baseURL = "https://pay.local"
	}
	if sessionTTL <= 0 {
		sessionTTL = 30 * time.Minute
	}
	return &SimulatedGateway{
		secret:     []byte(secret),
		baseURL:    strings.TrimRight(baseURL, "/"),
		sessionTTL: sessionTTL,
		now:        func() time.Time { return time.Now().UTC() },
		refunds:    make(map[string]simulatedRefund),
	}
}

// Provider возвращает код провайдера.
func (g *SimulatedGateway) Provider() string {
	return ProviderSimulated
}

// CreateCheckoutSession открывает сессию; идентификатор выводится из платежа.
func (g *SimulatedGateway) CreateCheckoutSession(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutSession, error) {
	if err := ctx.Err(); err != nil {
		return domain.CheckoutSession{}, err
	}
	sessionID := fmt.Sprintf("cs_%d_%d", req.OrderID, req.PaymentID)
	return domain.CheckoutSession{
		SessionID:   sessionID,
		RedirectURL: fmt.Sprintf("%s/checkout/%s", g.baseURL, sessionID),
		ExpiresAt:   g.now().Add(g.sessionTTL),
	}, nil
}

// Refund возвращает идентификатор возврата у провайдера или настроенную ошибку.
// Ключ уже проведённого возврата возвращает его идентификатор без новой выплаты.
func (g *SimulatedGateway) Refund(ctx context.Context, payment domain.Payment, amount int64, idempotencyKey string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.RefundCalls++
	if prev, ok := g.refunds[idempotencyKey]; ok && idempotencyKey != "" {
		if prev.amount != amount {
			return "", fmt.Errorf("idempotency key %s already used for amount %d", idempotencyKey, prev.amount)
		}
		return prev.providerID, nil
	}
	if g.RefundErr != nil {
		return "", g.RefundErr
	}
	if amount > payment.Amount {
		return "", fmt.Errorf("refund amount %d exceeds captured %d", amount, payment.Amount)
	}
	providerID := "rf_" + uuid.NewString()
	if idempotencyKey != "" {
		g.refunds[idempotencyKey] = simulatedRefund{providerID: providerID, amount: amount}
	}
	return providerID, nil
}

// Refunded возвращает число проведённых возвратов с ключом и их сумму.
func (g *SimulatedGateway) Refunded() (int, int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var total int64
	for _, r := range g.refunds {
		total += r.amount
	}
	return len(g.refunds), total
}

// SetRefundErr настраивает ошибку следующих возвратов.
func (g *SimulatedGateway) SetRefundErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.RefundErr = err
}

// Sign считает подпись тела callback-а.
func (g *SimulatedGateway) Sign(payload []byte) string {
	return Sign(g.secret, payload)
}

// VerifySignature сравнивает подпись за постоянное время.
func (g *SimulatedGateway) VerifySignature(payload []byte, signature string) bool {
	if len(g.secret) == 0 || signature == "" {
		return false
	}
	expected := g.Sign(payload)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

// Sign возвращает hex(HMAC-SHA256(secret, payload)).
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

var _ domain.PaymentGateway = (*SimulatedGateway)(nil)
