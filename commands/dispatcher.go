package commands

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/TommyLike/mailman/consts"
	"github.com/TommyLike/mailman/logger"
	"github.com/TommyLike/mailman/mailinglist"
	"github.com/TommyLike/mailman/pkg/metrics"
	"github.com/TommyLike/mailman/subscription"
	"github.com/TommyLike/mailman/templates"
)

// DefaultMaxCommands bounds the command lines run from one message.
const DefaultMaxCommands = 25

// Handler runs one command. Errors are turned into reply lines by the
// dispatcher; only cancellation aborts the message.
type Handler func(ctx context.Context, s *Session, cmd Command) error

var handlers map[string]Handler

func init() {
	handlers = map[string]Handler{
		"subscribe":   handleSubscribe,
		"confirm":     handleConfirm,
		"unsubscribe": handleUnsubscribe,
		"who":         handleWho,
		"info":        handleInfo,
		"lists":       handleLists,
		"help":        handleHelp,
		"set":         handleSet,
		"options":     handleOptions,
		"password":    handlePassword,
	}
}

// IsCommand reports whether name is a known command.
func IsCommand(name string) bool {
	_, ok := handlers[name]
	return ok
}

// Site carries the installation wide values handlers print or use.
type Site struct {
	Hostname     string
	WebURL       string
	Version      string
	PasswordCost int
}

// Dispatcher runs mail commands. It holds no per-message state and is safe
// for concurrent use.
type Dispatcher struct {
	renderer    templates.Renderer
	site        Site
	maxCommands int
}

func NewDispatcher(renderer templates.Renderer, site Site, maxCommands int) *Dispatcher {
	if maxCommands <= 0 {
		maxCommands = DefaultMaxCommands
	}
	return &Dispatcher{renderer: renderer, site: site, maxCommands: maxCommands}
}

// Session is the state of one message being processed.
type Session struct {
	tx       mailinglist.Tx
	list     *mailinglist.List
	roster   *mailinglist.Roster
	workflow *subscription.Workflow
	renderer templates.Renderer
	site     Site
	sender   string
	response *Response
	suppress bool
}

// Result summarises a processed message.
type Result struct {
	Executed   []string
	Skipped    int
	Suppressed bool
	Reply      *mailinglist.OutgoingMessage
}

// replyError carries the exact lines a handler wants shown.
type replyError struct {
	lines []string
	err   error
}

func (e *replyError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	if len(e.lines) > 0 {
		return e.lines[0]
	}
	return "command failed"
}

func (e *replyError) Unwrap() error { return e.err }

func fail(err error, lines ...string) error {
	return &replyError{lines: lines, err: err}
}

func usage(lines ...string) error {
	return fail(mailinglist.ErrUsage, lines...)
}

// Process runs the commands in in against the list held by tx. Mail is
// queued on outbox; the reply is skipped when a handler suppresses it or
// the sender is a bounce account. A returned error means the message was
// abandoned and the caller must not commit.
func (d *Dispatcher) Process(ctx context.Context, tx mailinglist.Tx, in Input, outbox *mailinglist.Outbox) (*Result, error) {
	list := tx.List()
	res := &Result{}

	if IsBounceSender(in.Sender) {
		logger.Warn("Dispatcher: mail command rejected, probable bounced subscribe confirmation",
			"list", list.Name, "from", in.Sender, "subject", in.Subject)
		metrics.CommandMessagesTotal.WithLabelValues("bounce").Inc()
		res.Suppressed = true
		return res, nil
	}

	roster := mailinglist.NewRoster(tx, d.site.PasswordCost)
	s := &Session{
		tx:       tx,
		list:     list,
		roster:   roster,
		workflow: subscription.New(tx, roster, d.renderer, outbox),
		renderer: d.renderer,
		site:     d.site,
		sender:   in.Sender,
		response: &Response{},
	}

	parser := NewParser(list.DisplayName(), in, IsCommand)
	if subject := parser.IgnoredSubject(); subject != "" {
		s.response.Error("Subject line ignored: " + subject)
	}

	seen := make(map[string]bool)
	count := 0
	for {
		cmd, ok := parser.Next()
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", consts.ErrLockCancelled, err)
		}

		count++
		if count > d.maxCommands {
			s.response.Error(fmt.Sprintf("Too many commands (limit %d), ignoring the rest.", d.maxCommands))
			break
		}

		s.response.Echo(cmd.Line)
		if cmd.Name == "end" {
			s.response.Error("End of commands.")
			break
		}

		handler, known := handlers[cmd.Name]
		if !known {
			s.response.Error(fmt.Sprintf("%s: Command UNKNOWN.", cmd.Name))
			metrics.CommandsTotal.WithLabelValues("unknown", mailinglist.KindUnknownCommand.String()).Inc()
			continue
		}

		if seen[cmd.key()] {
			res.Skipped++
			continue
		}
		seen[cmd.key()] = true

		err := d.run(ctx, s, handler, cmd)
		if err != nil && isFatal(ctx, err) {
			return nil, err
		}
		res.Executed = append(res.Executed, cmd.Name)
		outcome := "ok"
		if err != nil {
			outcome = mailinglist.KindOf(err).String()
			s.report(err)
		}
		metrics.CommandsTotal.WithLabelValues(cmd.Name, outcome).Inc()
	}

	if s.suppress {
		res.Suppressed = true
		metrics.CommandMessagesTotal.WithLabelValues("suppressed").Inc()
		return res, nil
	}

	res.Reply = &mailinglist.OutgoingMessage{
		Kind:       mailinglist.KindReply,
		Sender:     list.RequestAddress(),
		Recipients: []string{in.Sender},
		Subject:    "Mailman results for " + list.DisplayName(),
		Text:       s.response.String(),
	}
	outbox.Queue(res.Reply)
	metrics.CommandMessagesTotal.WithLabelValues("replied").Inc()
	return res, nil
}

// Run processes in under the list's lock and hands the queued mail to
// mailer once the work is committed. Nothing is sent when the lock cannot
// be taken or the commit fails.
func (d *Dispatcher) Run(ctx context.Context, store mailinglist.Store, listName string, in Input, mailer mailinglist.Mailer) (*Result, error) {
	outbox := &mailinglist.Outbox{}
	var res *Result
	err := store.WithListLock(ctx, listName, func(ctx context.Context, tx mailinglist.Tx) error {
		outbox.Discard()
		r, err := d.Process(ctx, tx, in, outbox)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		metrics.CommandMessagesTotal.WithLabelValues("aborted").Inc()
		return nil, err
	}
	outbox.Flush(context.WithoutCancel(ctx), mailer)
	return res, nil
}

// run calls handler and turns a panic into an unexpected error.
func (d *Dispatcher) run(ctx context.Context, s *Session, handler Handler, cmd Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Dispatcher: handler panic", "list", s.list.Name, "command", cmd.Name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic in %s: %v", cmd.Name, r)
		}
	}()
	return handler(ctx, s, cmd)
}

func isFatal(ctx context.Context, err error) bool {
	if errors.Is(err, consts.ErrLockCancelled) {
		return true
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return true
	}
	return false
}

// report writes err to the reply.
func (s *Session) report(err error) {
	var re *replyError
	if errors.As(err, &re) && len(re.lines) > 0 {
		for _, line := range re.lines {
			s.response.Error(line)
		}
		return
	}
	if mailinglist.KindOf(err) == mailinglist.KindUnexpected {
		s.unexpected(err, "Please forward on your request to %s")
		return
	}
	s.response.Error(err.Error())
}

func (s *Session) unexpected(err error, forward string) {
	logger.Error("Dispatcher: unexpected error", "list", s.list.Name, "sender", s.sender, "error", err)
	s.response.Error("An unknown Mailman error occured.")
	s.response.Error(fmt.Sprintf(forward, s.list.OwnerAddress()))
	s.response.Error(err.Error())
}

func (s *Session) approvalMessage(cmd string) {
	text, err := s.renderer.Render(templates.Approve, map[string]any{
		"requestaddr": s.list.RequestAddress(),
		"cmd":         cmd,
		"adminaddr":   s.list.OwnerAddress(),
	})
	if err != nil {
		s.unexpected(err, "Please forward on your request to %s")
		return
	}
	s.response.Error(text)
}
