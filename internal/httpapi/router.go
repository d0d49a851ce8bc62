package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce/internal/health"
	"github.com/vladislavdragonenkov/commerce/internal/service/payment"
)

const (
	// SignatureHeader: заголовок с HMAC-подписью тела callback-а.
	SignatureHeader = "X-Signature"

	maxWebhookBody = 1 << 20
)

// WebhookReceiver принимает callback провайдера.
type WebhookReceiver interface {
	HandleWebhook(ctx context.Context, provider string, payload []byte, signature string) (payment.WebhookResult, error)
}

// RouterOptions задаёт зависимости роутера.
type RouterOptions struct {
	Logger   *log.Entry
	Webhooks WebhookReceiver
	Health   *health.Handler
	// Metrics по умолчанию promhttp.Handler().
	Metrics http.Handler
	Timeout time.Duration
}

// NewRouter собирает HTTP-поверхность сервиса: приём callback-ов и служебные эндпоинты.
func NewRouter(opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "http")
	}
	if opts.Metrics == nil {
		opts.Metrics = promhttp.Handler()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		requestLogger(logger),
		middleware.Recoverer,
	)

	r.Get("/livez", health.LivenessHandler)
	if opts.Health != nil {
		r.Get("/healthz", opts.Health.ServeHTTP)
		r.Get("/readyz", opts.Health.ReadinessHandler)
	}
	r.Handle("/metrics", opts.Metrics)

	if opts.Webhooks != nil {
		r.Route("/webhooks", func(r chi.Router) {
			r.Use(middleware.Timeout(opts.Timeout))
			r.Post("/payments/{provider}", paymentWebhook(opts.Webhooks, logger))
		})
	}
	return r
}

func requestLogger(logger *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			entry := logger.WithFields(log.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			})
			if ww.Status() >= http.StatusInternalServerError {
				entry.Warn("http request failed")
				return
			}
			entry.Debug("http request")
		})
	}
}
