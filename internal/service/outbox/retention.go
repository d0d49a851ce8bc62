package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
)

const (
	defaultRetentionInterval = 10 * time.Minute
	defaultRetentionBatch    = 500
	defaultRetentionPeriod   = 7 * 24 * time.Hour
)

var (
	retentionRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commerce_outbox_retention_runs_total",
		Help: "Outbox retention runs grouped by result.",
	}, []string{"result"})
	retentionDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "commerce_outbox_retention_deleted_total",
		Help: "Published outbox records removed by retention.",
	})
)

// RetentionOptions задаёт параметры очистки outbox.
type RetentionOptions struct {
	Logger    *log.Entry
	Clock     func() time.Time
	Interval  time.Duration
	BatchSize int
	Keep      time.Duration
}

// RetentionOption настраивает RetentionWorker.
type RetentionOption func(*RetentionOptions)

// WithRetentionLogger задаёт logger.
func WithRetentionLogger(logger *log.Entry) RetentionOption {
	return func(opts *RetentionOptions) { opts.Logger = logger }
}

// WithRetentionClock подменяет источник времени.
func WithRetentionClock(now func() time.Time) RetentionOption {
	return func(opts *RetentionOptions) { opts.Clock = now }
}

// WithRetentionInterval задаёт интервал между прогонами.
func WithRetentionInterval(interval time.Duration) RetentionOption {
	return func(opts *RetentionOptions) { opts.Interval = interval }
}

// WithRetentionBatch задаёт размер одной порции удаления.
func WithRetentionBatch(size int) RetentionOption {
	return func(opts *RetentionOptions) { opts.BatchSize = size }
}

// WithKeep задаёт, сколько хранить опубликованные сообщения.
func WithKeep(keep time.Duration) RetentionOption {
	return func(opts *RetentionOptions) { opts.Keep = keep }
}

// RetentionWorker удаляет опубликованные сообщения старше периода хранения.
type RetentionWorker struct {
	repo      domain.OutboxRepository
	logger    *log.Entry
	now       func() time.Time
	interval  time.Duration
	batchSize int
	keep      time.Duration
}

// NewRetentionWorker создаёт воркер очистки outbox.
func NewRetentionWorker(repo domain.OutboxRepository, options ...RetentionOption) *RetentionWorker {
	opts := RetentionOptions{
		Interval:  defaultRetentionInterval,
		BatchSize: defaultRetentionBatch,
		Keep:      defaultRetentionPeriod,
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "outbox-retention")
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultRetentionInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultRetentionBatch
	}
	if opts.Keep <= 0 {
		opts.Keep = defaultRetentionPeriod
	}

	return &RetentionWorker{
		repo:      repo,
		logger:    opts.Logger,
		now:       opts.Clock,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		keep:      opts.Keep,
	}
}

// Run запускает периодическую очистку до отмены ctx.
func (w *RetentionWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("outbox retention is disabled: repo is nil")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *RetentionWorker) runOnce(ctx context.Context) {
	deleted, err := w.Purge(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		retentionRuns.WithLabelValues("error").Inc()
		w.logger.WithError(err).Warn("outbox retention run failed")
		return
	}
	retentionRuns.WithLabelValues("ok").Inc()
	if deleted > 0 {
		w.logger.WithField("deleted", deleted).Info("outbox retention completed")
	}
}

// Purge удаляет порциями все опубликованные сообщения старше now − keep.
func (w *RetentionWorker) Purge(ctx context.Context) (int, error) {
	cutoff := w.now().Add(-w.keep)

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		deleted, err := w.repo.DeleteSentBefore(ctx, cutoff, w.batchSize)
		if err != nil {
			return total, err
		}
		total += deleted
		retentionDeleted.Add(float64(deleted))
		if deleted < w.batchSize {
			return total, nil
		}
	}
}
