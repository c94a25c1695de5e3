// Package pending stores subscription requests between the subscribe
// command and the matching confirm.
package pending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TommyLike/mailman/consts"
	"github.com/TommyLike/mailman/helpers"
	"github.com/TommyLike/mailman/mailinglist"
)

// Cookies are twelve decimal digits so they survive being retyped from a
// subject line.
const (
	cookieMin = int64(100_000_000_000)
	cookieMax = int64(1_000_000_000_000)

	maxCookieAttempts = 16
)

var (
	ErrCookieExists   = errors.New("confirmation cookie already pending")
	ErrCookieConsumed = errors.New("confirmation cookie already removed")
	ErrCookieSpace    = errors.New("could not find a free confirmation cookie")
)

// Registry maps cookies to pending requests. It works inside a list
// transaction, so a request becomes visible when that transaction commits.
type Registry struct {
	tx  mailinglist.Tx
	now func() time.Time
}

func New(tx mailinglist.Tx) *Registry {
	return &Registry{tx: tx, now: time.Now}
}

// GenerateCookie draws a cookie not used by any pending request on any list.
func (r *Registry) GenerateCookie(ctx context.Context) (int64, error) {
	for i := 0; i < maxCookieAttempts; i++ {
		cookie, err := helpers.RandomInt64InRange(cookieMin, cookieMax)
		if err != nil {
			return 0, fmt.Errorf("failed to draw cookie: %w", err)
		}
		exists, err := r.tx.PendingExists(ctx, cookie)
		if err != nil {
			return 0, fmt.Errorf("failed to check cookie: %w", err)
		}
		if !exists {
			return cookie, nil
		}
	}
	return 0, ErrCookieSpace
}

// Add stores a request under cookie.
func (r *Registry) Add(ctx context.Context, email, passwordHash string, wantsDigest bool, cookie int64) (*mailinglist.PendingRequest, error) {
	p := &mailinglist.PendingRequest{
		Cookie:       cookie,
		ListName:     r.tx.List().Name,
		Email:        email,
		PasswordHash: passwordHash,
		WantsDigest:  wantsDigest,
		CreatedAt:    r.now().UTC(),
	}
	if err := r.tx.InsertPending(ctx, p); err != nil {
		if errors.Is(err, consts.ErrDBUniqueViolation) {
			return nil, ErrCookieExists
		}
		return nil, fmt.Errorf("failed to store pending request: %w", err)
	}
	return p, nil
}

// Get returns the request for cookie. Cookies that are unknown or belong to
// another list yield mailinglist.ErrInvalidCookie.
func (r *Registry) Get(ctx context.Context, cookie int64) (*mailinglist.PendingRequest, error) {
	p, err := r.tx.GetPending(ctx, cookie)
	if errors.Is(err, consts.ErrDBNotFound) {
		return nil, mailinglist.ErrInvalidCookie
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending request: %w", err)
	}
	if p.ListName != r.tx.List().Name {
		return nil, mailinglist.ErrInvalidCookie
	}
	return p, nil
}

// Remove consumes cookie. Removing the same cookie twice is an error.
func (r *Registry) Remove(ctx context.Context, cookie int64) error {
	err := r.tx.DeletePending(ctx, cookie)
	if errors.Is(err, consts.ErrDBNotFound) {
		return ErrCookieConsumed
	}
	return err
}

func (r *Registry) List(ctx context.Context) ([]*mailinglist.PendingRequest, error) {
	return r.tx.ListPending(ctx)
}
