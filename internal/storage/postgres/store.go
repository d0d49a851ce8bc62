package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
)

const (
	defaultConnTimeout     = 5 * time.Second
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 25
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute

	opTimeout = 5 * time.Second
	txTimeout = 10 * time.Second

	uniqueViolationCode = "23505"
)

// queryer: общий интерфейс *sql.DB и *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store оборачивает SQL-подключение к PostgreSQL.
type Store struct {
	db     *sql.DB
	now    func() time.Time
	logger *log.Entry
}

// Option настраивает Store.
type Option func(*Store)

// WithLogger задаёт логгер миграций и служебных операций.
func WithLogger(logger *log.Entry) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open открывает подключение к PostgreSQL и проверяет доступность базы.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return NewStore(db, opts...), nil
}

// NewStore оборачивает уже открытое подключение (используется в тестах со sqlmock).
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		now:    func() time.Time { return time.Now().UTC() },
		logger: log.WithField("component", "postgres"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB возвращает raw SQL DB, когда нужен низкоуровневый доступ.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping проверяет доступность подключения.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

// EnsureSchema применяет все up-миграции.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.MigrateUp(ctx, 0)
}

// Close закрывает подключение к БД.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InTx открывает транзакцию READ COMMITTED; строки блокируются через SELECT ... FOR UPDATE.
func (s *Store) InTx(ctx context.Context, fn func(tx domain.Tx) error) (err error) {
	txCtx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	sqlTx, err := s.db.BeginTx(txCtx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(&pgTx{tx: sqlTx, now: s.now}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Outbox возвращает репозиторий для outbox worker.
func (s *Store) Outbox() domain.OutboxRepository {
	return &outboxRepository{q: s.db, now: s.now}
}

// CreateTask сохраняет задачу для операционной команды.
func (s *Store) CreateTask(ctx context.Context, taskType string, payload json.RawMessage) (domain.OpsTask, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	task := domain.OpsTask{TaskType: taskType, Payload: payload, Status: "OPEN", CreatedAt: s.now()}
	if err := s.db.QueryRowContext(ctx, `
		INSERT INTO ops_tasks (task_type, payload, status, created_at)
		VALUES ($1,$2,$3,$4)
		RETURNING id
	`, task.TaskType, nullJSON(task.Payload), task.Status, task.CreatedAt).Scan(&task.ID); err != nil {
		return domain.OpsTask{}, fmt.Errorf("insert ops task: %w", err)
	}
	return task, nil
}

// pgTx: репозитории поверх одной *sql.Tx.
type pgTx struct {
	tx        *sql.Tx
	now       func() time.Time
	savepoint int
}

func (t *pgTx) Inventory() domain.InventoryRepository { return inventoryRepository{q: t.tx} }
func (t *pgTx) Orders() domain.OrderRepository { return orderRepository{q: t.tx} }
func (t *pgTx) Payments() domain.PaymentRepository { return paymentRepository{q: t.tx} }
func (t *pgTx) Webhooks() domain.WebhookEventRepository { return webhookRepository{q: t.tx} }
func (t *pgTx) Refunds() domain.RefundRepository { return refundRepository{q: t.tx} }
func (t *pgTx) Settlements() domain.SettlementRepository { return settlementRepository{q: t.tx} }
func (t *pgTx) Financial() domain.FinancialLedgerRepository { return financialRepository{q: t.tx} }
func (t *pgTx) Outbox() domain.OutboxWriter { return outboxWriter{q: t.tx, now: t.now} }

// Savepoint оборачивает fn в SAVEPOINT: ошибка откатывает только изменения fn.
func (t *pgTx) Savepoint(ctx context.Context, fn func() error) error {
	t.savepoint++
	name := fmt.Sprintf("sp_%d", t.savepoint)

	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("create savepoint: %w", err)
	}
	if err := fn(); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return multierr.Append(err, fmt.Errorf("rollback to savepoint: %w", rbErr))
		}
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// nullString превращает пустой ключ в NULL, чтобы частичный уникальный индекс его не учитывал.
func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullJSON(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return []byte(v)
}

func rawJSON(v []byte) json.RawMessage {
	if len(v) == 0 {
		return nil
	}
	return json.RawMessage(v)
}

var (
	_ domain.Store       = (*Store)(nil)
	_ domain.OpsTaskSink = (*Store)(nil)
	_ domain.Tx          = (*pgTx)(nil)
)
