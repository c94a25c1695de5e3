package consts

import "errors"

// Store errors. Both backends wrap their driver errors in these so callers
// never import pgx or sqlite.
var (
	ErrListNotFound = errors.New("list not found")
	ErrListExists   = errors.New("list already exists")

	ErrDBNotFound        = errors.New("not found")
	ErrDBUniqueViolation = errors.New("unique violation")

	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")
	ErrDBCommitTransactionFailed = errors.New("commit failed")
	ErrDBInsertFailed            = errors.New("insert failed")

	// ErrLockCancelled means the surrounding context ended while work held
	// a list lock. Nothing done under the lock was committed.
	ErrLockCancelled = errors.New("list lock cancelled")
)
