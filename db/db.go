package db

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/TommyLike/mailman/config"
	"github.com/TommyLike/mailman/logger"
	"github.com/TommyLike/mailman/pkg/metrics"
	"github.com/TommyLike/mailman/pkg/retry"
)

var (
	errNoHosts     = errors.New("at least one database host must be specified")
	errBadEndpoint = errors.New("invalid database endpoint")
)

// Database is the PostgreSQL list store. List work always runs in a
// transaction holding the list's advisory lock.
type Database struct {
	Pool *pgxpool.Pool

	lockTimeout time.Duration
}

func (db *Database) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

func (db *Database) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// StartPoolMetrics publishes pool gauges every 15 seconds until ctx ends.
func (db *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			db.publishPoolStats()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (db *Database) publishPoolStats() {
	stat := db.Pool.Stat()
	for _, g := range []struct {
		vec *prometheus.GaugeVec
		n   int32
	}{
		{metrics.DBPoolTotalConns, stat.TotalConns()},
		{metrics.DBPoolIdleConns, stat.IdleConns()},
		{metrics.DBPoolInUseConns, stat.AcquiredConns()},
	} {
		g.vec.WithLabelValues("write").Set(float64(g.n))
	}
}

// NewDatabaseFromConfig connects to PostgreSQL, retrying transient
// failures. With runMigrations the embedded schema is applied first.
func NewDatabaseFromConfig(ctx context.Context, cfg *config.DatabaseConfig, runMigrations bool) (*Database, error) {
	lockTimeout, err := cfg.GetLockTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid lock_timeout: %w", err)
	}

	var pool *pgxpool.Pool
	err = retry.Do(ctx, retry.DatabaseConnect, func(ctx context.Context) error {
		p, err := openPool(ctx, &cfg.Write, cfg.LogQueries)
		if isConfigurationError(err) {
			return retry.Permanent(err)
		}
		pool = p
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database pool: %w", err)
	}
	db := &Database{Pool: pool, lockTimeout: lockTimeout}

	if runMigrations {
		if err := db.migrate(ctx, cfg); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

func (db *Database) migrate(ctx context.Context, cfg *config.DatabaseConfig) error {
	timeout, err := cfg.GetMigrationTimeout()
	if err != nil {
		return fmt.Errorf("invalid migration_timeout: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return Migrate(ctx, ConnString(&cfg.Write))
}

// ConnString builds the connection URL for an endpoint's first host.
func ConnString(endpoint *config.DatabaseEndpointConfig) string {
	return connString(endpoint, endpoint.Hosts[0])
}

func connString(endpoint *config.DatabaseEndpointConfig, host string) string {
	if !strings.Contains(host, ":") {
		host = fmt.Sprintf("%s:%d", host, endpoint.GetPort())
	}
	mode := "disable"
	if endpoint.TLSMode {
		mode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		endpoint.User, endpoint.Password, host, endpoint.Name, mode)
}

// openPool connects to one of the endpoint's hosts, picked at random.
func openPool(ctx context.Context, endpoint *config.DatabaseEndpointConfig, logQueries bool) (*pgxpool.Pool, error) {
	if len(endpoint.Hosts) == 0 {
		return nil, errNoHosts
	}
	host := endpoint.Hosts[rand.IntN(len(endpoint.Hosts))]

	cfg, err := pgxpool.ParseConfig(connString(endpoint, host))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadEndpoint, err)
	}
	if logQueries {
		cfg.ConnConfig.Tracer = queryTracer{}
	}
	if err := applyPoolLimits(cfg, endpoint); err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", host, err)
	}
	logger.Info("DB: pool created", "host", host, "database", endpoint.Name,
		"max_conns", cfg.MaxConns, "min_conns", cfg.MinConns)
	return pool, nil
}

func applyPoolLimits(cfg *pgxpool.Config, endpoint *config.DatabaseEndpointConfig) error {
	if endpoint.MaxConns > 0 {
		cfg.MaxConns = int32(endpoint.MaxConns)
	}
	if endpoint.MinConns > 0 {
		cfg.MinConns = int32(endpoint.MinConns)
	}
	if endpoint.MaxConnLifetime != "" {
		d, err := endpoint.GetMaxConnLifetime()
		if err != nil {
			return fmt.Errorf("%w: invalid max_conn_lifetime: %v", errBadEndpoint, err)
		}
		cfg.MaxConnLifetime = d
	}
	if endpoint.MaxConnIdleTime != "" {
		d, err := endpoint.GetMaxConnIdleTime()
		if err != nil {
			return fmt.Errorf("%w: invalid max_conn_idle_time: %v", errBadEndpoint, err)
		}
		cfg.MaxConnIdleTime = d
	}
	return nil
}

// isConfigurationError reports failures that waiting cannot fix: bad
// credentials, a missing database, an unparsable endpoint.
func isConfigurationError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "28000", "28P01", "3D000":
			return true
		}
	}
	return errors.Is(err, errNoHosts) || errors.Is(err, errBadEndpoint)
}

// timedTx records the outcome and lifetime of a list transaction.
type timedTx struct {
	pgx.Tx
	began time.Time
}

func (db *Database) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &timedTx{Tx: tx, began: time.Now()}, nil
}

func (t *timedTx) Commit(ctx context.Context) error {
	err := t.Tx.Commit(ctx)
	if err == nil {
		t.done("commit")
	}
	return err
}

// Rollback is counted even when it fails.
func (t *timedTx) Rollback(ctx context.Context) error {
	err := t.Tx.Rollback(ctx)
	t.done("rollback")
	return err
}

func (t *timedTx) done(outcome string) {
	metrics.DBTransactionsTotal.WithLabelValues(outcome).Inc()
	metrics.DBTransactionDuration.Observe(time.Since(t.began).Seconds())
}

func observeQuery(operation, kind string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.DBQueryDuration.WithLabelValues(operation, kind).Observe(time.Since(start).Seconds())
	metrics.DBQueriesTotal.WithLabelValues(operation, status, kind).Inc()
}

// TimedQuery runs a read outside any list lock.
func (db *Database) TimedQuery(ctx context.Context, operation string, sql string, args ...any) (pgx.Rows, error) {
	start := time.Now()
	rows, err := db.Pool.Query(ctx, sql, args...)
	observeQuery(operation, "read", start, err)
	return rows, err
}

// TimedQueryRow is TimedQuery for one row. Scan errors are not counted.
func (db *Database) TimedQueryRow(ctx context.Context, operation string, sql string, args ...any) pgx.Row {
	start := time.Now()
	row := db.Pool.QueryRow(ctx, sql, args...)
	observeQuery(operation, "read", start, nil)
	return row
}

func (db *Database) TimedExec(ctx context.Context, operation string, sql string, args ...any) (int64, error) {
	start := time.Now()
	tag, err := db.Pool.Exec(ctx, sql, args...)
	observeQuery(operation, "write", start, err)
	return tag.RowsAffected(), err
}

// queryTracer logs every statement at debug level.
type queryTracer struct{}

type traceStartKey struct{}

func (queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	logger.Debug("DB: query", "sql", strings.Join(strings.Fields(data.SQL), " "), "args", len(data.Args))
	return context.WithValue(ctx, traceStartKey{}, time.Now())
}

func (queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, _ := ctx.Value(traceStartKey{}).(time.Time)
	if data.Err != nil {
		logger.Debug("DB: query failed", "duration", time.Since(start), "error", data.Err)
		return
	}
	logger.Debug("DB: query done", "duration", time.Since(start), "rows", data.CommandTag.RowsAffected())
}
