package mailinglist

import (
	"errors"
)

var (
	ErrUsage          = errors.New("usage error")
	ErrUnknownCommand = errors.New("unknown command")

	ErrBadPassword = errors.New("bad password")

	ErrAlreadyMember = errors.New("already a member")
	ErrNotAMember    = errors.New("not a member")

	ErrBadAddress     = errors.New("bad address")
	ErrHostileAddress = errors.New("hostile address")

	ErrMustDigest      = errors.New("list only accepts digest members")
	ErrCantDigest      = errors.New("list does not accept digest members")
	ErrNeedsApproval   = errors.New("needs approval")
	ErrNotReady        = errors.New("list not ready")
	ErrAlreadyDigest   = errors.New("already receiving digests")
	ErrAlreadyNoDigest = errors.New("digests already off")

	ErrInvalidCookie = errors.New("invalid confirmation cookie")
)

// Kind groups errors the way they are reported to a command sender.
type Kind int

const (
	KindUnexpected Kind = iota
	KindUsage
	KindUnknownCommand
	KindAuth
	KindMembership
	KindAddress
	KindPolicy
	KindConfirmation
)

func (k Kind) String() string {
	switch k {
	case KindUsage:
		return "usage"
	case KindUnknownCommand:
		return "unknown_command"
	case KindAuth:
		return "auth"
	case KindMembership:
		return "membership"
	case KindAddress:
		return "address"
	case KindPolicy:
		return "policy"
	case KindConfirmation:
		return "confirmation"
	default:
		return "unexpected"
	}
}

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrUsage, KindUsage},
	{ErrUnknownCommand, KindUnknownCommand},
	{ErrBadPassword, KindAuth},
	{ErrAlreadyMember, KindMembership},
	{ErrNotAMember, KindMembership},
	{ErrAlreadyDigest, KindMembership},
	{ErrAlreadyNoDigest, KindMembership},
	{ErrBadAddress, KindAddress},
	{ErrHostileAddress, KindAddress},
	{ErrMustDigest, KindPolicy},
	{ErrCantDigest, KindPolicy},
	{ErrNeedsApproval, KindPolicy},
	{ErrNotReady, KindPolicy},
	{ErrInvalidCookie, KindConfirmation},
}

// KindOf classifies err. Anything not recognised is KindUnexpected.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnexpected
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnexpected
}
