package db

import (
	"context"
	"fmt"
	"time"
)

const (
	CleanupLockName    = "cleanup_worker"
	cleanupLockTimeout = 5 * time.Minute
)

// AcquireCleanupLock takes the cleaner lease unless another node holds an
// unexpired one.
func (db *Database) AcquireCleanupLock(ctx context.Context) (bool, error) {
	now := time.Now().UTC()
	n, err := db.TimedExec(ctx, "acquire_cleanup_lock", `
		INSERT INTO locks (lock_name, acquired_at, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (lock_name) DO UPDATE SET
			acquired_at = $2,
			expires_at = $3
		WHERE locks.expires_at < $2
	`, CleanupLockName, now, now.Add(cleanupLockTimeout))
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return n > 0, nil
}

func (db *Database) ReleaseCleanupLock(ctx context.Context) error {
	if _, err := db.TimedExec(ctx, "release_cleanup_lock", `DELETE FROM locks WHERE lock_name = $1`, CleanupLockName); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
