package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
	"github.com/vladislavdragonenkov/commerce/internal/metrics"
)

const (
	defaultInterval    = 30 * time.Second
	defaultBatchSize   = 50
	defaultMaxAttempts = 5
	defaultBaseBackoff = 30 * time.Second
	defaultMaxBackoff  = 30 * time.Minute

	// ExhaustedPrefix: префикс last_error у событий, исчерпавших автоповторы.
	ExhaustedPrefix = "auto_retry_exhausted"
)

// Итоги одной попытки для метрик.
const (
	resultRetried   = "retried"
	resultPending   = "pending"
	resultExhausted = "exhausted"
	resultSkipped   = "skipped"
)

// Processor повторно применяет сохранённое событие провайдера.
type Processor interface {
	ProcessEvent(ctx context.Context, recordID int64) (domain.WebhookOutcome, error)
}

// SchedulerOptions задаёт параметры планировщика.
type SchedulerOptions struct {
	Logger      *log.Entry
	Metrics     *metrics.CommerceMetrics
	Clock       func() time.Time
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Option настраивает Scheduler.
type Option func(*SchedulerOptions)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *SchedulerOptions) { opts.Logger = logger }
}

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.CommerceMetrics) Option {
	return func(opts *SchedulerOptions) { opts.Metrics = m }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(opts *SchedulerOptions) { opts.Clock = now }
}

// WithInterval задаёт период опроса.
func WithInterval(interval time.Duration) Option {
	return func(opts *SchedulerOptions) { opts.Interval = interval }
}

// WithBatchSize ограничивает число событий за проход.
func WithBatchSize(size int) Option {
	return func(opts *SchedulerOptions) { opts.BatchSize = size }
}

// WithMaxAttempts задаёт число автоповторов до FAILED.
func WithMaxAttempts(attempts int) Option {
	return func(opts *SchedulerOptions) { opts.MaxAttempts = attempts }
}

// WithBackoff задаёт базовую и максимальную задержку между повторами.
func WithBackoff(base, maxDelay time.Duration) Option {
	return func(opts *SchedulerOptions) {
		opts.BaseBackoff = base
		opts.MaxBackoff = maxDelay
	}
}

// RunSummary: итог одного прохода.
type RunSummary struct {
	Picked    int
	Retried   int
	Pending   int
	Exhausted int
}

// Scheduler повторяет обработку событий, не применённых при живой доставке.
type Scheduler struct {
	store       domain.Store
	processor   Processor
	logger      *log.Entry
	metrics     *metrics.CommerceMetrics
	now         func() time.Time
	interval    time.Duration
	batchSize   int
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// NewScheduler создаёт планировщик повторов.
func NewScheduler(store domain.Store, processor Processor, options ...Option) *Scheduler {
	opts := SchedulerOptions{
		Interval:    defaultInterval,
		BatchSize:   defaultBatchSize,
		MaxAttempts: defaultMaxAttempts,
		BaseBackoff: defaultBaseBackoff,
		MaxBackoff:  defaultMaxBackoff,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "webhook-retry-scheduler")
	}
	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BaseBackoff < 0 {
		opts.BaseBackoff = 0
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = opts.BaseBackoff
	}

	return &Scheduler{
		store:       store,
		processor:   processor,
		logger:      logger,
		metrics:     opts.Metrics,
		now:         now,
		interval:    opts.Interval,
		batchSize:   opts.BatchSize,
		maxAttempts: opts.MaxAttempts,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
	}
}

// Run запускает периодические проходы до отмены ctx.
func (s *Scheduler) Run(ctx context.Context) {
	if s.store == nil || s.processor == nil {
		s.logger.Warn("webhook retry scheduler is disabled: store or processor is nil")
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context) {
	summary, err := s.RunOnce(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.WithError(err).Warn("webhook retry run failed")
		}
		return
	}
	if summary.Picked > 0 {
		s.logger.WithFields(log.Fields{
			"picked":    summary.Picked,
			"retried":   summary.Retried,
			"pending":   summary.Pending,
			"exhausted": summary.Exhausted,
		}).Info("webhook retry run completed")
	}
}

// RunOnce выбирает пачку просроченных событий и повторяет их обработку.
func (s *Scheduler) RunOnce(ctx context.Context) (RunSummary, error) {
	var summary RunSummary
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	var due []domain.WebhookEvent
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		var err error
		due, err = tx.Webhooks().ListRetryable(ctx, s.now(), s.maxAttempts, s.batchSize)
		return err
	})
	if err != nil {
		return summary, fmt.Errorf("list retryable webhook events: %w", err)
	}

	for _, event := range due {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		result, err := s.retry(ctx, event.ID)
		if err != nil {
			s.logger.WithError(err).WithField("webhook_event_id", event.ID).Warn("webhook retry bookkeeping failed")
			continue
		}
		s.metrics.RecordWebhookRetry(result)
		switch result {
		case resultRetried:
			summary.Retried++
		case resultPending:
			summary.Pending++
		case resultExhausted:
			summary.Exhausted++
		default:
			continue
		}
		summary.Picked++
	}
	return summary, nil
}

func (s *Scheduler) retry(ctx context.Context, id int64) (string, error) {
	attempt, ok, err := s.MarkAttempt(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return resultSkipped, nil
	}

	_, processErr := s.processor.ProcessEvent(ctx, id)

	var result string
	err = s.store.InTx(ctx, func(tx domain.Tx) error {
		event, err := tx.Webhooks().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		event.UpdatedAt = s.now()
		switch {
		case processErr == nil:
			event.ProcessStatus = domain.WebhookRetried
			event.NextRetryAt = nil
			event.LastError = ""
			result = resultRetried
		case event.RetryCount >= s.maxAttempts:
			event.ProcessStatus = domain.WebhookFailed
			event.NextRetryAt = nil
			event.LastError = fmt.Sprintf("%s:%s", ExhaustedPrefix, domain.ReasonOf(processErr))
			result = resultExhausted
		default:
			event.ProcessStatus = domain.WebhookRetryPending
			if event.LastError == "" {
				event.LastError = fmt.Sprintf("%s: %v", domain.ReasonOf(processErr), processErr)
			}
			result = resultPending
		}
		return tx.Webhooks().Update(ctx, event)
	})
	if err != nil {
		return "", err
	}

	entry := s.logger.WithFields(log.Fields{
		"webhook_event_id": id,
		"attempt":          attempt.RetryCount,
		"result":           result,
	})
	if processErr != nil {
		entry = entry.WithError(processErr)
	}
	entry.Info("webhook event retried")
	return result, nil
}

// MarkAttempt увеличивает retry_count и откладывает следующую попытку по backoff.
// ok=false, если событие уже не подлежит повтору или срок попытки ещё не наступил:
// так второй планировщик, выбравший ту же строку, не тратит попытку.
func (s *Scheduler) MarkAttempt(ctx context.Context, id int64) (domain.WebhookEvent, bool, error) {
	var (
		event domain.WebhookEvent
		ok    bool
	)
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		var err error
		event, err = tx.Webhooks().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		now := s.now()
		if !event.ProcessStatus.Retryable() || event.RetryCount >= s.maxAttempts {
			return nil
		}
		if event.NextRetryAt != nil && event.NextRetryAt.After(now) {
			return nil
		}
		event.RetryCount++
		next := now.Add(s.Backoff(event.RetryCount))
		event.NextRetryAt = &next
		event.UpdatedAt = now
		ok = true
		return tx.Webhooks().Update(ctx, event)
	})
	return event, ok, err
}

// Backoff = base·2^(attempt−1), не больше maxBackoff.
func (s *Scheduler) Backoff(attempt int) time.Duration {
	if s.baseBackoff <= 0 {
		return 0
	}
	delay := s.baseBackoff
	for i := 1; i < attempt; i++ {
		if delay >= s.maxBackoff/2 {
			return s.maxBackoff
		}
		delay *= 2
	}
	if delay > s.maxBackoff {
		return s.maxBackoff
	}
	return delay
}
