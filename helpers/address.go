package helpers

import (
	"net/mail"
	"regexp"
	"strings"
)

// RFC 5322 compliant local part and domain checks.
var (
	localPartRegex  = regexp.MustCompile(`^(?i)(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+(?:\.(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+)*$`)
	domainNameRegex = regexp.MustCompile(`^(?i)(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z0-9](?:[a-z0-9-]*[a-z0-9])?$`)
)

// hostileChars are characters that have no business in an address that may
// end up on a command line of a downstream MTA.
const hostileChars = "|;&`$<>()\\\"'"

// AddressVerdict is the tagged result of CheckAddress.
type AddressVerdict int

const (
	AddressOK AddressVerdict = iota
	AddressBad
	AddressHostile
)

func (v AddressVerdict) String() string {
	switch v {
	case AddressOK:
		return "ok"
	case AddressBad:
		return "bad"
	case AddressHostile:
		return "hostile"
	default:
		return "unknown"
	}
}

// CheckAddress classifies a bare address (no display name). Hostile wins over
// bad: an address that is both malformed and carries shell metacharacters is
// reported as hostile.
func CheckAddress(address string) AddressVerdict {
	address = strings.TrimSpace(address)
	if address == "" {
		return AddressBad
	}
	if strings.HasPrefix(address, "-") || strings.ContainsAny(address, hostileChars) {
		return AddressHostile
	}
	for _, r := range address {
		if r < 0x20 || r == 0x7f {
			return AddressHostile
		}
	}

	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return AddressBad
	}
	local, domain := address[:at], address[at+1:]
	if !localPartRegex.MatchString(local) || !domainNameRegex.MatchString(domain) {
		return AddressBad
	}
	return AddressOK
}

// IsValidAddress reports whether CheckAddress accepts the address.
func IsValidAddress(address string) bool {
	return CheckAddress(address) == AddressOK
}

// NormalizeAddress lowercases the domain and trims surrounding whitespace and
// angle brackets. The local part keeps its case for display, comparisons use
// AddressKey.
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	address = strings.TrimPrefix(address, "<")
	address = strings.TrimSuffix(address, ">")
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return address
	}
	return address[:at] + "@" + strings.ToLower(address[at+1:])
}

// AddressKey is the case-insensitive identity of an address, used as the
// member and pending-request key.
func AddressKey(address string) string {
	return strings.ToLower(NormalizeAddress(address))
}

// SplitEmailAddress returns the lowercased local part and domain. The second
// value is empty when the address has no '@'.
func SplitEmailAddress(email string) (string, string) {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return email, ""
	}
	return email[:at], email[at+1:]
}

// ParseSubscribee splits an administrative roster entry of the form
// "Real Name <addr@example.com>" or a bare address. ok is false when the
// entry has no recognizable address at all.
func ParseSubscribee(entry string) (name, address string, ok bool) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return "", "", false
	}
	if parsed, err := mail.ParseAddress(entry); err == nil {
		return parsed.Name, NormalizeAddress(parsed.Address), true
	}
	// Fall back to the raw text so the caller can report it as bad or hostile
	// instead of silently dropping it.
	if open := strings.LastIndex(entry, "<"); open >= 0 && strings.HasSuffix(entry, ">") {
		return strings.TrimSpace(entry[:open]), NormalizeAddress(entry[open:]), true
	}
	return "", entry, true
}
