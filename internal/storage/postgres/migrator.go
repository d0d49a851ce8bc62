package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
)

const (
	migrationsDir    = "sql/migrations"
	migrationLockKey = int64(7300114001)
	migrationLockTTL = 5 * time.Second

	schemaTableDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    checksum TEXT NOT NULL DEFAULT '',
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
)

//go:embed sql/migrations/*.sql
var migrationsFS embed.FS

// Имя файла: <версия>_<имя>.<up|down>.sql, версия из четырёх цифр.
var migrationFileName = regexp.MustCompile(`^(\d{4})_([a-z0-9_]+)\.(up|down)\.sql$`)

// schemaChange: одна версия схемы с парой скриптов.
type schemaChange struct {
	Version  int64
	Name     string
	Up       string
	Down     string
	Checksum string
}

func (c schemaChange) label() string {
	return fmt.Sprintf("%04d_%s", c.Version, c.Name)
}

// appliedChange: строка schema_migrations.
type appliedChange struct {
	Version  int64
	Checksum string
}

// MigrateUp накатывает ещё не применённые версии схемы. steps=0: все.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.withMigrationLock(ctx, func(conn *sql.Conn, changes []schemaChange, applied []appliedChange) error {
		pending, err := planUp(changes, applied, steps)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			s.logger.Debug("schema is up to date")
			return nil
		}
		for _, change := range pending {
			if err := s.applyChange(ctx, conn, change, true); err != nil {
				return err
			}
		}
		return nil
	})
}

// MigrateDown откатывает последние версии схемы. steps<=0 откатывает одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.withMigrationLock(ctx, func(conn *sql.Conn, changes []schemaChange, applied []appliedChange) error {
		rollback, err := planDown(changes, applied, steps)
		if err != nil {
			return err
		}
		for _, change := range rollback {
			if err := s.applyChange(ctx, conn, change, false); err != nil {
				return err
			}
		}
		return nil
	})
}

// MigrationStatus возвращает последнюю применённую версию и число применённых версий.
func (s *Store) MigrationStatus(ctx context.Context) (int64, int, error) {
	if s == nil || s.db == nil {
		return 0, 0, domain.Internal("migration status", fmt.Errorf("postgres store is not initialized"))
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, schemaTableDDL); err != nil {
		return 0, 0, domain.Internal("ensure schema_migrations", err)
	}
	var (
		version int64
		count   int
	)
	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0), COUNT(*)
		FROM schema_migrations
	`).Scan(&version, &count); err != nil {
		return 0, 0, domain.Internal("read schema version", err)
	}
	return version, count, nil
}

// withMigrationLock держит advisory lock на выделенном соединении, чтобы несколько
// экземпляров сервиса не накатывали схему одновременно.
func (s *Store) withMigrationLock(ctx context.Context, fn func(conn *sql.Conn, changes []schemaChange, applied []appliedChange) error) error {
	if s == nil || s.db == nil {
		return domain.Internal("migrate", fmt.Errorf("postgres store is not initialized"))
	}
	changes, err := readSchemaChanges(migrationsFS)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return domain.Internal("acquire migration connection", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, migrationLockTTL)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return domain.Internal("acquire migration lock", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey); err != nil {
			s.logger.WithError(err).Warn("failed to release migration lock")
		}
	}()

	if _, err := conn.ExecContext(ctx, schemaTableDDL); err != nil {
		return domain.Internal("ensure schema_migrations", err)
	}
	applied, err := readApplied(ctx, conn)
	if err != nil {
		return err
	}
	return fn(conn, changes, applied)
}

// applyChange выполняет скрипт и запись в schema_migrations одной транзакцией.
func (s *Store) applyChange(ctx context.Context, conn *sql.Conn, change schemaChange, up bool) error {
	direction, script := "down", change.Down
	if up {
		direction, script = "up", change.Up
	}
	op := fmt.Sprintf("migrate %s %s", direction, change.label())

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return domain.Internal(op, err)
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		_ = tx.Rollback()
		return domain.Internal(op, err)
	}
	if up {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, name, checksum, applied_at)
			VALUES ($1, $2, $3, NOW())
		`, change.Version, change.Name, change.Checksum)
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = $1`, change.Version)
	}
	if err != nil {
		_ = tx.Rollback()
		return domain.Internal(op, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Internal(op, err)
	}

	entry := s.logger.WithFields(log.Fields{"version": change.Version, "name": change.Name})
	if up {
		entry.Info("schema migration applied")
	} else {
		entry.Info("schema migration rolled back")
	}
	return nil
}

func readApplied(ctx context.Context, conn *sql.Conn) ([]appliedChange, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, domain.Internal("read applied migrations", err)
	}
	defer rows.Close()

	applied := make([]appliedChange, 0)
	for rows.Next() {
		var a appliedChange
		if err := rows.Scan(&a.Version, &a.Checksum); err != nil {
			return nil, domain.Internal("scan applied migration", err)
		}
		applied = append(applied, a)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal("iterate applied migrations", err)
	}
	return applied, nil
}

// planUp сверяет применённые версии со встроенными скриптами и возвращает очередь на накат.
func planUp(changes []schemaChange, applied []appliedChange, steps int) ([]schemaChange, error) {
	known := make(map[int64]schemaChange, len(changes))
	for _, c := range changes {
		known[c.Version] = c
	}
	done := make(map[int64]bool, len(applied))
	for _, a := range applied {
		c, ok := known[a.Version]
		if !ok {
			return nil, domain.ErrMigrationUnknown.Withf("version %d", a.Version)
		}
		// Пустая сумма: запись без контрольной суммы, сверять не с чем.
		if a.Checksum != "" && a.Checksum != c.Checksum {
			return nil, domain.ErrMigrationDrift.Withf("%s", c.label())
		}
		done[a.Version] = true
	}

	pending := make([]schemaChange, 0, len(changes))
	for _, c := range changes {
		if done[c.Version] {
			continue
		}
		pending = append(pending, c)
		if steps > 0 && len(pending) == steps {
			break
		}
	}
	return pending, nil
}

// planDown возвращает последние steps применённых версий, от новой к старой.
func planDown(changes []schemaChange, applied []appliedChange, steps int) ([]schemaChange, error) {
	known := make(map[int64]schemaChange, len(changes))
	for _, c := range changes {
		known[c.Version] = c
	}
	rollback := make([]schemaChange, 0, steps)
	for i := len(applied) - 1; i >= 0 && len(rollback) < steps; i-- {
		c, ok := known[applied[i].Version]
		if !ok {
			return nil, domain.ErrMigrationUnknown.Withf("cannot roll back version %d", applied[i].Version)
		}
		rollback = append(rollback, c)
	}
	return rollback, nil
}

// readSchemaChanges собирает пары up/down. Версии должны идти подряд с 1.
func readSchemaChanges(fsys fs.FS) ([]schemaChange, error) {
	entries, err := fs.ReadDir(fsys, migrationsDir)
	if err != nil {
		return nil, domain.ErrMigrationSource.Wrap(err)
	}

	byVersion := make(map[int64]*schemaChange)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := migrationFileName.FindStringSubmatch(entry.Name())
		if m == nil {
			return nil, domain.ErrMigrationSource.Withf("unexpected file %s", entry.Name())
		}
		version, _ := strconv.ParseInt(m[1], 10, 64)
		raw, err := fs.ReadFile(fsys, path.Join(migrationsDir, entry.Name()))
		if err != nil {
			return nil, domain.ErrMigrationSource.Wrap(err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, domain.ErrMigrationSource.Withf("%s is empty", entry.Name())
		}

		change, ok := byVersion[version]
		if !ok {
			change = &schemaChange{Version: version, Name: m[2]}
			byVersion[version] = change
		}
		if change.Name != m[2] {
			return nil, domain.ErrMigrationSource.Withf("version %d has names %s and %s", version, change.Name, m[2])
		}
		if m[3] == "up" {
			change.Up = body
		} else {
			change.Down = body
		}
	}

	changes := make([]schemaChange, 0, len(byVersion))
	for _, c := range byVersion {
		if c.Up == "" || c.Down == "" {
			return nil, domain.ErrMigrationSource.Withf("%s needs both up and down scripts", c.label())
		}
		sum := sha256.Sum256([]byte(c.Up))
		c.Checksum = hex.EncodeToString(sum[:])
		changes = append(changes, *c)
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Version < changes[j].Version })
	for i, c := range changes {
		if c.Version != int64(i+1) {
			return nil, domain.ErrMigrationSource.Withf("version %d is missing", i+1)
		}
	}
	if len(changes) == 0 {
		return nil, domain.ErrMigrationSource.Withf("no migrations in %s", migrationsDir)
	}
	return changes, nil
}
