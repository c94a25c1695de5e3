package mailinglist

import (
	"context"
	"time"
)

// PendingRequest is a subscription waiting for its confirm command. The
// password is kept only as a hash.
type PendingRequest struct {
	Cookie       int64
	ListName     string
	Email        string
	PasswordHash string
	WantsDigest  bool
	CreatedAt    time.Time
}

// HeldSubscription is a confirmed subscription waiting for the list owner.
type HeldSubscription struct {
	ID           int64
	ListName     string
	Email        string
	RealName     string
	PasswordHash string
	Digest       bool
	Reason       string
	CreatedAt    time.Time
}

// DigestState carries the numbering of a list's digests.
type DigestState struct {
	ListName   string
	Volume     int
	Issue      int
	LastSentAt *time.Time
}

// DigestMessage is one post accepted into the current digest.
type DigestMessage struct {
	ID         int64
	ListName   string
	Sender     string
	Subject    string
	Hash       string
	Size       int64
	Raw        []byte
	ReceivedAt time.Time
}

// Tx is a unit of work on one list, run while that list's lock is held.
// Nothing done through a Tx is visible to others until the enclosing
// Store.WithListLock call returns without error.
//
// Lookups of missing rows return consts.ErrDBNotFound; inserts that collide
// with an existing key return consts.ErrDBUniqueViolation.
type Tx interface {
	List() *List
	AllLists(ctx context.Context) ([]*List, error)

	GetMember(ctx context.Context, email string) (*Member, error)
	ListMembers(ctx context.Context) ([]*Member, error)
	InsertMember(ctx context.Context, m *Member) error
	UpdateMember(ctx context.Context, m *Member) error
	DeleteMember(ctx context.Context, email string) error

	// PendingExists looks a cookie up across all lists.
	PendingExists(ctx context.Context, cookie int64) (bool, error)
	InsertPending(ctx context.Context, p *PendingRequest) error
	GetPending(ctx context.Context, cookie int64) (*PendingRequest, error)
	ListPending(ctx context.Context) ([]*PendingRequest, error)
	DeletePending(ctx context.Context, cookie int64) error

	InsertHeld(ctx context.Context, h *HeldSubscription) (int64, error)
	ListHeld(ctx context.Context) ([]*HeldSubscription, error)
	GetHeld(ctx context.Context, id int64) (*HeldSubscription, error)
	DeleteHeld(ctx context.Context, id int64) error

	// GetDigestState returns volume 1 issue 1 for a list that never sent one.
	GetDigestState(ctx context.Context) (*DigestState, error)
	SaveDigestState(ctx context.Context, s *DigestState) error
	// AppendDigestMessage returns false when a message with the same hash is
	// already part of the current digest.
	AppendDigestMessage(ctx context.Context, m *DigestMessage) (bool, error)
	DigestMessages(ctx context.Context) ([]*DigestMessage, error)
	ClearDigestMessages(ctx context.Context) error
}

// Store is the persistence port. Implementations serialise WithListLock
// calls per list and let calls for different lists run in parallel.
type Store interface {
	// WithListLock runs fn under the list's exclusive lock. fn's changes are
	// committed when it returns nil and discarded otherwise. If ctx ends
	// before or during fn, the work is discarded and consts.ErrLockCancelled
	// is returned. A missing list yields consts.ErrListNotFound.
	WithListLock(ctx context.Context, name string, fn func(ctx context.Context, tx Tx) error) error

	GetList(ctx context.Context, name string) (*List, error)
	ListLists(ctx context.Context) ([]*List, error)
	CreateList(ctx context.Context, l *List) error

	// PurgePending removes pending requests created before olderThan.
	PurgePending(ctx context.Context, olderThan time.Time) (int64, error)

	Close()
}
