// Package commands turns a message sent to a list's -request address into
// commands, runs them against the list, and builds the reply.
package commands

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/TommyLike/mailman/helpers"
)

// Command is one command line from a message.
type Command struct {
	Name string
	Args []string
	Line string
}

// key identifies a command for duplicate suppression within one message.
func (c Command) key() string {
	return c.Name + "\x00" + strings.Join(c.Args, "\x00")
}

// Input is the part of a message commands are read from.
type Input struct {
	Sender  string
	Subject string
	Body    string
}

var bounceSenders = map[string]bool{
	"daemon":        true,
	"nobody":        true,
	"mailer-daemon": true,
	"postmaster":    true,
	"orphanage":     true,
	"postoffice":    true,
}

// IsBounceSender reports whether sender looks like a system account whose
// mail is most likely a bounced confirmation request.
func IsBounceSender(sender string) bool {
	local, _ := helpers.SplitEmailAddress(helpers.NormalizeAddress(sender))
	return bounceSenders[strings.ToLower(local)]
}

// ConfirmPattern matches the subject of a confirmation request for the list
// called realName and captures the cookie.
func ConfirmPattern(realName string) *regexp.Regexp {
	return regexp.MustCompile(regexp.QuoteMeta(realName) + ` -- confirmation of subscription -- request (\d+)`)
}

// Parser yields command lines in document order. It is single pass.
type Parser struct {
	lines   []string
	pos     int
	done    bool
	ignored string
}

// NewParser prepares the command lines of in. isCommand reports whether a
// lower-cased word names a known command.
func NewParser(realName string, in Input, isCommand func(string) bool) *Parser {
	p := &Parser{}
	body := strings.Split(strings.ReplaceAll(in.Body, "\r\n", "\n"), "\n")
	subject := strings.TrimSpace(in.Subject)

	if fields := strings.Fields(subject); len(fields) > 0 && isCommand(strings.ToLower(fields[0])) {
		p.lines = append([]string{subject}, body...)
		return p
	}

	p.lines = body
	if subject == "" {
		return p
	}

	pattern := ConfirmPattern(realName)
	m := pattern.FindStringSubmatch(subject)
	if m == nil {
		m = pattern.FindStringSubmatch(in.Body)
	}
	if m != nil {
		p.lines = []string{fmt.Sprintf("confirm %s", m[1])}
	} else {
		p.ignored = subject
	}
	return p
}

// IgnoredSubject returns the subject when it was neither a command nor a
// confirmation reply.
func (p *Parser) IgnoredSubject() string {
	return p.ignored
}

// Next returns the next non-blank command line. An "end" line is returned
// once and nothing after it is.
func (p *Parser) Next() (Command, bool) {
	if p.done {
		return Command{}, false
	}
	for p.pos < len(p.lines) {
		line := strings.TrimSpace(p.lines[p.pos])
		p.pos++
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd := Command{
			Name: strings.ToLower(fields[0]),
			Args: fields[1:],
			Line: line,
		}
		if cmd.Name == "end" {
			p.done = true
		}
		return cmd, true
	}
	p.done = true
	return Command{}, false
}
