package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/TommyLike/mailman/consts"
	"github.com/TommyLike/mailman/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies every pending up migration. Concurrent callers fail fast
// instead of queueing behind the session-level advisory lock.
func Migrate(ctx context.Context, connString string) error {
	sqlDB, err := sql.Open("pgx", connString)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer sqlDB.Close()

	// The lock belongs to a session, so it is taken on a pinned connection.
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get migration connection: %w", err)
	}
	defer conn.Close()

	if err := lockMigrations(ctx, conn); err != nil {
		return err
	}
	defer unlockMigrations(conn)

	m, err := newMigrate(sqlDB)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	if version, dirty, err := m.Version(); err == nil {
		logger.Info("DB: schema up to date", "version", version, "dirty", dirty)
	}
	return nil
}

func newMigrate(sqlDB *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	drv, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", drv)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrationLog{}
	return m, nil
}

func lockMigrations(ctx context.Context, conn *sql.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var locked bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", consts.MailmanAdvisoryLockID).Scan(&locked); err != nil {
		return fmt.Errorf("failed to take migration lock: %w", err)
	}
	if !locked {
		return errors.New("another migration holds the schema lock")
	}
	return nil
}

func unlockMigrations(conn *sql.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var unlocked bool
	err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", consts.MailmanAdvisoryLockID).Scan(&unlocked)
	switch {
	case err != nil:
		logger.Warn("DB: failed to release migration lock", "error", err)
	case !unlocked:
		logger.Warn("DB: migration lock was not held at release")
	}
}

// migrationLog routes golang-migrate's output to the daemon log.
type migrationLog struct{}

func (migrationLog) Printf(format string, v ...any) { logger.Infof("Migrate: "+format, v...) }
func (migrationLog) Verbose() bool                  { return false }
