package mailinglist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TommyLike/mailman/consts"
	"github.com/TommyLike/mailman/helpers"
)

// AddRequest describes a member to be added.
type AddRequest struct {
	Email        string
	RealName     string
	PasswordHash string
	Digest       bool
}

// Roster applies list policy to member changes made through a Tx.
type Roster struct {
	tx           Tx
	list         *List
	passwordCost int
}

func NewRoster(tx Tx, passwordCost int) *Roster {
	return &Roster{tx: tx, list: tx.List(), passwordCost: passwordCost}
}

func (r *Roster) List() *List {
	return r.list
}

func (r *Roster) HashPassword(password string) (string, error) {
	return HashPassword(password, r.passwordCost)
}

// Find returns the member or ErrNotAMember.
func (r *Roster) Find(ctx context.Context, email string) (*Member, error) {
	m, err := r.tx.GetMember(ctx, helpers.NormalizeAddress(email))
	if errors.Is(err, consts.ErrDBNotFound) {
		return nil, ErrNotAMember
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member %s: %w", email, err)
	}
	return m, nil
}

func (r *Roster) IsMember(ctx context.Context, email string) (bool, error) {
	_, err := r.Find(ctx, email)
	if errors.Is(err, ErrNotAMember) {
		return false, nil
	}
	return err == nil, err
}

// CheckAddress maps an address verdict to ErrHostileAddress or ErrBadAddress.
func CheckAddress(email string) error {
	switch helpers.CheckAddress(email) {
	case helpers.AddressHostile:
		return ErrHostileAddress
	case helpers.AddressBad:
		return ErrBadAddress
	}
	return nil
}

// AddMember adds a member. Unless approved, lists whose policy requires
// owner approval return ErrNeedsApproval and nothing is stored.
func (r *Roster) AddMember(ctx context.Context, req AddRequest, approved bool) (*Member, error) {
	if !r.list.Ready {
		return nil, ErrNotReady
	}
	if err := CheckAddress(req.Email); err != nil {
		return nil, err
	}
	email := helpers.NormalizeAddress(req.Email)

	exists, err := r.IsMember(ctx, email)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrAlreadyMember
	}
	if req.Digest && !r.list.Digestable {
		return nil, ErrCantDigest
	}
	if !req.Digest && !r.list.Nondigestable {
		return nil, ErrMustDigest
	}
	if !approved && r.list.SubscribePolicy.NeedsApproval() {
		return nil, ErrNeedsApproval
	}

	m := &Member{
		Email:        email,
		RealName:     helpers.SanitizeHeaderValue(req.RealName),
		PasswordHash: req.PasswordHash,
		Digest:       req.Digest,
		SubscribedAt: time.Now().UTC(),
	}
	if err := r.tx.InsertMember(ctx, m); err != nil {
		if errors.Is(err, consts.ErrDBUniqueViolation) {
			return nil, ErrAlreadyMember
		}
		return nil, fmt.Errorf("failed to insert member %s: %w", email, err)
	}
	return m, nil
}

// RemoveMember deletes a member without a password check.
func (r *Roster) RemoveMember(ctx context.Context, email string) error {
	if !r.list.Ready {
		return ErrNotReady
	}
	err := r.tx.DeleteMember(ctx, helpers.NormalizeAddress(email))
	if errors.Is(err, consts.ErrDBNotFound) {
		return ErrNotAMember
	}
	return err
}

// Authenticate returns the member when password matches.
func (r *Roster) Authenticate(ctx context.Context, email, password string) (*Member, error) {
	m, err := r.Find(ctx, email)
	if err != nil {
		return nil, err
	}
	if err := VerifyPassword(m.PasswordHash, password); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *Roster) ChangePassword(ctx context.Context, email, oldPassword, newPassword string) error {
	if !r.list.Ready {
		return ErrNotReady
	}
	m, err := r.Authenticate(ctx, email, oldPassword)
	if err != nil {
		return err
	}
	hash, err := r.HashPassword(newPassword)
	if err != nil {
		return err
	}
	m.PasswordHash = hash
	return r.tx.UpdateMember(ctx, m)
}

// SetDigest switches digest delivery after a password check.
func (r *Roster) SetDigest(ctx context.Context, email, password string, on bool) error {
	if !r.list.Ready {
		return ErrNotReady
	}
	if err := CheckAddress(email); err != nil {
		return ErrBadAddress
	}
	m, err := r.Authenticate(ctx, email, password)
	if err != nil {
		return err
	}
	switch {
	case on && m.Digest:
		return ErrAlreadyDigest
	case !on && !m.Digest:
		return ErrAlreadyNoDigest
	case on && !r.list.Digestable:
		return ErrCantDigest
	case !on && !r.list.Nondigestable:
		return ErrMustDigest
	}
	m.Digest = on
	return r.tx.UpdateMember(ctx, m)
}

func (r *Roster) SetOption(ctx context.Context, m *Member, opt Option, value bool) error {
	if value {
		m.Options |= opt
	} else {
		m.Options &^= opt
	}
	return r.tx.UpdateMember(ctx, m)
}

func (r *Roster) SetName(ctx context.Context, email, name string) error {
	m, err := r.Find(ctx, email)
	if err != nil {
		return err
	}
	m.RealName = helpers.SanitizeHeaderValue(name)
	return r.tx.UpdateMember(ctx, m)
}

func (r *Roster) SetLanguage(ctx context.Context, email, language string) error {
	m, err := r.Find(ctx, email)
	if err != nil {
		return err
	}
	m.Language = language
	return r.tx.UpdateMember(ctx, m)
}
