package settlement

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
	"github.com/vladislavdragonenkov/commerce/internal/lock"
)

const (
	defaultRunInterval = time.Minute
	defaultRunBatch    = 20
	defaultLockTTL     = 5 * time.Minute
)

// LockKey: ключ блокировки прогона выплат по циклу.
func LockKey(cycleID int64) string {
	return fmt.Sprintf("commerce:payout:cycle:%d", cycleID)
}

// RunnerOptions задаёт параметры PayoutRunner.
type RunnerOptions struct {
	Logger   *log.Entry
	Interval time.Duration
	Batch    int
	LockTTL  time.Duration
}

// RunnerOption настраивает PayoutRunner.
type RunnerOption func(*RunnerOptions)

// WithRunnerLogger задаёт logger раннера.
func WithRunnerLogger(logger *log.Entry) RunnerOption {
	return func(opts *RunnerOptions) { opts.Logger = logger }
}

// WithRunInterval задаёт период опроса GENERATED-циклов.
func WithRunInterval(interval time.Duration) RunnerOption {
	return func(opts *RunnerOptions) { opts.Interval = interval }
}

// WithRunBatch ограничивает число циклов за один проход.
func WithRunBatch(batch int) RunnerOption {
	return func(opts *RunnerOptions) { opts.Batch = batch }
}

// WithLockTTL задаёт TTL блокировки цикла.
func WithLockTTL(ttl time.Duration) RunnerOption {
	return func(opts *RunnerOptions) { opts.LockTTL = ttl }
}

// PayoutRunner периодически проводит выплаты по GENERATED-циклам,
// удерживая блокировку на каждый цикл, чтобы экземпляры не выплачивали дважды.
type PayoutRunner struct {
	service  *Service
	locker   lock.Locker
	logger   *log.Entry
	interval time.Duration
	batch    int
	lockTTL  time.Duration
}

// NewPayoutRunner создаёт раннер выплат.
func NewPayoutRunner(service *Service, locker lock.Locker, options ...RunnerOption) *PayoutRunner {
	opts := RunnerOptions{
		Interval: defaultRunInterval,
		Batch:    defaultRunBatch,
		LockTTL:  defaultLockTTL,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "payout-runner")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultRunInterval
	}
	if opts.Batch <= 0 {
		opts.Batch = defaultRunBatch
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}

	return &PayoutRunner{
		service:  service,
		locker:   locker,
		logger:   logger,
		interval: opts.Interval,
		batch:    opts.Batch,
		lockTTL:  opts.LockTTL,
	}
}

// Run запускает периодические прогоны до отмены ctx.
func (r *PayoutRunner) Run(ctx context.Context) {
	if r.service == nil || r.locker == nil {
		r.logger.Warn("payout runner is disabled: service or locker is nil")
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce проводит выплаты по пачке GENERATED-циклов и возвращает число обработанных.
func (r *PayoutRunner) RunOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}

	cycles, err := r.service.Cycles(ctx, domain.CycleGenerated, r.batch)
	if err != nil {
		r.logger.WithError(err).Warn("failed to list generated cycles")
		return 0
	}

	processed := 0
	for _, cycle := range cycles {
		if ctx.Err() != nil {
			return processed
		}
		ok, err := r.runCycle(ctx, cycle.ID)
		if err != nil {
			r.logger.WithError(err).WithField("cycle_id", cycle.ID).Error("payout run failed")
			continue
		}
		if ok {
			processed++
		}
	}
	return processed
}

func (r *PayoutRunner) runCycle(ctx context.Context, cycleID int64) (bool, error) {
	lease, acquired, err := r.locker.TryLock(ctx, LockKey(cycleID), r.lockTTL)
	if err != nil {
		return false, fmt.Errorf("acquire payout lock: %w", err)
	}
	if !acquired {
		r.logger.WithField("cycle_id", cycleID).Debug("cycle is locked by another runner")
		return false, nil
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			r.logger.WithError(err).WithField("cycle_id", cycleID).Warn("failed to release payout lock")
		}
	}()

	if _, err := r.service.RunPayouts(ctx, cycleID); err != nil {
		return false, err
	}
	return true, nil
}
