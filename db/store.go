package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TommyLike/mailman/consts"
	"github.com/TommyLike/mailman/logger"
	"github.com/TommyLike/mailman/mailinglist"
	"github.com/TommyLike/mailman/pkg/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var _ mailinglist.Store = (*Database)(nil)

// WithListLock runs fn in a transaction holding the list's transaction
// scoped advisory lock. The lock goes away with the transaction, so a
// rollback after cancellation releases it as well.
func (db *Database) WithListLock(ctx context.Context, name string, fn func(ctx context.Context, tx mailinglist.Tx) error) (err error) {
	defer func() { metrics.ListWorkTotal.WithLabelValues("postgres", consts.LockOutcome(err)).Inc() }()
	start := time.Now()
	pgTx, err := db.BeginTx(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", consts.ErrLockCancelled, ctx.Err())
		}
		return fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	// Rollback after a successful commit is a no-op.
	defer pgTx.Rollback(context.Background()) //nolint:errcheck

	if db.lockTimeout > 0 {
		if _, err := pgTx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", db.lockTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("failed to set lock timeout: %w", err)
		}
	}
	if _, err := pgTx.Exec(ctx, "SELECT pg_advisory_xact_lock($1, hashtext($2))", consts.ListLockNamespace, name); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", consts.ErrLockCancelled, ctx.Err())
		}
		return fmt.Errorf("failed to lock list %s: %w", name, err)
	}
	metrics.ListLockWaitDuration.Observe(time.Since(start).Seconds())
	logger.Debug("DB: list lock acquired", "list", name, "wait", time.Since(start))

	list, err := scanList(pgTx.QueryRow(ctx, selectList+" WHERE name = $1", name))
	if errors.Is(err, pgx.ErrNoRows) {
		return consts.ErrListNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load list %s: %w", name, err)
	}

	if err := fn(ctx, &tx{tx: pgTx, list: list}); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", consts.ErrLockCancelled, ctx.Err())
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}
	return nil
}

const selectList = `SELECT name, host, real_name, description, info, owner, advertised, private_roster,
	subscribe_policy, digestable, nondigestable, digest_is_default, digest_frequency,
	digest_size_threshold_kb, digest_send_periodic, ready, created_at FROM lists`

func scanList(row pgx.Row) (*mailinglist.List, error) {
	var l mailinglist.List
	var roster, policy, freq int16
	err := row.Scan(&l.Name, &l.Host, &l.RealName, &l.Description, &l.Info, &l.Owner, &l.Advertised, &roster,
		&policy, &l.Digestable, &l.Nondigestable, &l.DigestIsDefault, &freq,
		&l.DigestSizeThresholdKB, &l.DigestSendPeriodic, &l.Ready, &l.CreatedAt)
	if err != nil {
		return nil, err
	}
	l.PrivateRoster = mailinglist.RosterVisibility(roster)
	l.SubscribePolicy = mailinglist.SubscribePolicy(policy)
	l.DigestFrequency = mailinglist.DigestFrequency(freq)
	return &l, nil
}

func collectLists(rows pgx.Rows) ([]*mailinglist.List, error) {
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

func (db *Database) GetList(ctx context.Context, name string) (*mailinglist.List, error) {
	l, err := scanList(db.TimedQueryRow(ctx, "get_list", selectList+" WHERE name = $1", name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, consts.ErrListNotFound
	}
	return l, err
}

func (db *Database) ListLists(ctx context.Context) ([]*mailinglist.List, error) {
	rows, err := db.TimedQuery(ctx, "list_lists", selectList+" ORDER BY name")
	if err != nil {
		return nil, err
	}
	return collectLists(rows)
}

func (db *Database) CreateList(ctx context.Context, l *mailinglist.List) error {
	if err := l.Validate(); err != nil {
		return err
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := db.TimedExec(ctx, "create_list", `INSERT INTO lists (name, host, real_name, description, info, owner,
		advertised, private_roster, subscribe_policy, digestable, nondigestable, digest_is_default,
		digest_frequency, digest_size_threshold_kb, digest_send_periodic, ready, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		l.Name, l.Host, l.RealName, l.Description, l.Info, l.Owner, l.Advertised,
		int16(l.PrivateRoster), int16(l.SubscribePolicy), l.Digestable, l.Nondigestable, l.DigestIsDefault,
		int16(l.DigestFrequency), l.DigestSizeThresholdKB, l.DigestSendPeriodic, l.Ready, l.CreatedAt)
	if isUniqueViolation(err) {
		return consts.ErrListExists
	}
	if err != nil {
		return fmt.Errorf("failed to create list %s: %w", l.Name, err)
	}
	return nil
}

func (db *Database) PurgePending(ctx context.Context, olderThan time.Time) (int64, error) {
	n, err := db.TimedExec(ctx, "purge_pending", "DELETE FROM pending_requests WHERE created_at < $1", olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge pending requests: %w", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
