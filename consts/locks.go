package consts

import "errors"

// MailmanAdvisoryLockID is the session advisory lock held while schema
// migrations run.
const MailmanAdvisoryLockID = 42734581

// ListLockNamespace is the first key of the two-key transaction-scoped
// advisory lock taken per list. The second key is hashtext(list name).
const ListLockNamespace = 7263

// LockOutcome labels how a unit of work under a list lock ended.
func LockOutcome(err error) string {
	switch {
	case err == nil:
		return "commit"
	case errors.Is(err, ErrLockCancelled):
		return "cancelled"
	default:
		return "rollback"
	}
}
