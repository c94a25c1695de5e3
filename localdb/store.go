// Package localdb is the SQLite store for single-node installations.
package localdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/TommyLike/mailman/consts"
	"github.com/TommyLike/mailman/logger"
	"github.com/TommyLike/mailman/mailinglist"
	"github.com/TommyLike/mailman/pkg/metrics"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists lists in a SQLite file. List locks are held in process,
// so one file must be served by one process.
type Store struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string) (*Store, error) {
	path = filepath.Clean(strings.TrimSpace(path))
	if path == "" || path == "." {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping failed: %w", err)
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("LocalDB: opened", "path", path)
	return &Store{db: db, locks: make(map[string]chan struct{})}, nil
}

// DB exposes the handle for administrative tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() {
	if err := s.db.Close(); err != nil {
		logger.Warn("LocalDB: close failed", "error", err)
	}
}

func (s *Store) listLock(name string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[name] = l
	}
	return l
}

func (s *Store) WithListLock(ctx context.Context, name string, fn func(ctx context.Context, tx mailinglist.Tx) error) (err error) {
	defer func() { metrics.ListWorkTotal.WithLabelValues("sqlite", consts.LockOutcome(err)).Inc() }()

	start := time.Now()
	lock := s.listLock(name)
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", consts.ErrLockCancelled, ctx.Err())
	}
	defer func() { <-lock }()
	metrics.ListLockWaitDuration.Observe(time.Since(start).Seconds())

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", consts.ErrLockCancelled, ctx.Err())
		}
		return fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer sqlTx.Rollback() //nolint:errcheck

	list, err := scanList(sqlTx.QueryRowContext(ctx, selectList+" WHERE name = ?", name))
	if errors.Is(err, sql.ErrNoRows) {
		return consts.ErrListNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load list %s: %w", name, err)
	}

	if err := fn(ctx, &tx{tx: sqlTx, list: list}); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", consts.ErrLockCancelled, ctx.Err())
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}
	return nil
}

const selectList = `SELECT name, host, real_name, description, info, owner, advertised, private_roster,
	subscribe_policy, digestable, nondigestable, digest_is_default, digest_frequency,
	digest_size_threshold_kb, digest_send_periodic, ready, created_at FROM lists`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanList(row rowScanner) (*mailinglist.List, error) {
	var l mailinglist.List
	var roster, policy, freq int
	var created int64
	err := row.Scan(&l.Name, &l.Host, &l.RealName, &l.Description, &l.Info, &l.Owner, &l.Advertised, &roster,
		&policy, &l.Digestable, &l.Nondigestable, &l.DigestIsDefault, &freq,
		&l.DigestSizeThresholdKB, &l.DigestSendPeriodic, &l.Ready, &created)
	if err != nil {
		return nil, err
	}
	l.PrivateRoster = mailinglist.RosterVisibility(roster)
	l.SubscribePolicy = mailinglist.SubscribePolicy(policy)
	l.DigestFrequency = mailinglist.DigestFrequency(freq)
	l.CreatedAt = fromMillis(created)
	return &l, nil
}

func queryLists(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}) ([]*mailinglist.List, error) {
	rows, err := q.QueryContext(ctx, selectList+" ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lists []*mailinglist.List
	for rows.Next() {
		l, err := scanList(rows)
		if err != nil {
			return nil, err
		}
		lists = append(lists, l)
	}
	return lists, rows.Err()
}

func (s *Store) GetList(ctx context.Context, name string) (*mailinglist.List, error) {
	l, err := scanList(s.db.QueryRowContext(ctx, selectList+" WHERE name = ?", name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, consts.ErrListNotFound
	}
	return l, err
}

func (s *Store) ListLists(ctx context.Context) ([]*mailinglist.List, error) {
	return queryLists(ctx, s.db)
}

func (s *Store) CreateList(ctx context.Context, l *mailinglist.List) error {
	if err := l.Validate(); err != nil {
		return err
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO lists (name, host, real_name, description, info, owner, advertised,
		private_roster, subscribe_policy, digestable, nondigestable, digest_is_default, digest_frequency,
		digest_size_threshold_kb, digest_send_periodic, ready, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.Name, l.Host, l.RealName, l.Description, l.Info, l.Owner, l.Advertised,
		int(l.PrivateRoster), int(l.SubscribePolicy), l.Digestable, l.Nondigestable, l.DigestIsDefault,
		int(l.DigestFrequency), l.DigestSizeThresholdKB, l.DigestSendPeriodic, l.Ready, toMillis(l.CreatedAt))
	if isUniqueViolation(err) {
		return consts.ErrListExists
	}
	if err != nil {
		return fmt.Errorf("failed to create list %s: %w", l.Name, err)
	}
	return nil
}

func (s *Store) PurgePending(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM pending_requests WHERE created_at < ?", toMillis(olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to purge pending requests: %w", err)
	}
	return res.RowsAffected()
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}
var _ mailinglist.Store = (*Store)(nil)
