package mailinglist

import (
	"sort"
	"strings"
	"time"
)

// Option is a per-member delivery flag. Members carry a bitmask of these.
type Option uint32

const (
	OptionNoMail Option = 1 << iota
	OptionNotMeToo
	OptionAck
	OptionPlain
	OptionHide
)

// OptionDigest is not a bit: digest delivery lives on Member.Digest and is
// guarded by the list's digest policy.
const OptionDigest Option = 0

type Member struct {
	Email        string
	RealName     string
	Language     string
	PasswordHash string
	Digest       bool
	Options      Option
	SubscribedAt time.Time
}

func (m *Member) Has(opt Option) bool {
	return m.Options&opt != 0
}

// OptionInfo describes one user settable option.
type OptionInfo struct {
	Name        string
	Flag        Option
	Description string
}

var optionTable = []OptionInfo{
	{Name: "ack", Flag: OptionAck, Description: "Turn this on to receive acknowlegement mail when you send mail to the list"},
	{Name: "digest", Flag: OptionDigest, Description: "receive mail from the list bundled together instead of one post at a time"},
	{Name: "hide", Flag: OptionHide, Description: "Conceals your email from the list of subscribers"},
	{Name: "nomail", Flag: OptionNoMail, Description: "Stop delivering mail.  Useful if you plan on taking a short vacation."},
	{Name: "norcv", Flag: OptionNotMeToo, Description: "Turn this on to NOT receive posts you send to the list. does not work if digest is set"},
	{Name: "plain", Flag: OptionPlain, Description: "Get plain, not MIME-compliant, digests (only if digest is set)"},
}

var optionAliases = map[string]string{
	"notmetoo":  "norcv",
	"not-metoo": "norcv",
}

// Options returns the option table sorted by name. The slice is a copy.
func Options() []OptionInfo {
	out := make([]OptionInfo, len(optionTable))
	copy(out, optionTable)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LookupOption resolves an option name or alias, case-insensitively.
func LookupOption(name string) (OptionInfo, bool) {
	name = strings.ToLower(name)
	if canonical, ok := optionAliases[name]; ok {
		name = canonical
	}
	for _, info := range optionTable {
		if info.Name == name {
			return info, true
		}
	}
	return OptionInfo{}, false
}

// ParseOptions turns a list of option names into a bitmask. Unknown names
// and digest are ignored.
func ParseOptions(names []string) Option {
	var opts Option
	for _, n := range names {
		if info, ok := LookupOption(n); ok {
			opts |= info.Flag
		}
	}
	return opts
}

// OptionNames lists the bit options set in opts, sorted.
func OptionNames(opts Option) []string {
	var names []string
	for _, info := range optionTable {
		if info.Flag != OptionDigest && opts&info.Flag != 0 {
			names = append(names, info.Name)
		}
	}
	sort.Strings(names)
	return names
}
