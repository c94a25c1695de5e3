package mailinglist

import (
	"context"

	"github.com/TommyLike/mailman/logger"
)

// Message kinds, used as metric labels and for queue bookkeeping.
const (
	KindReply        = "reply"
	KindConfirmation = "confirmation"
	KindNotice       = "notice"
	KindDigest       = "digest"
)

// OutgoingMessage is either a plain text message composed by the Mailer or,
// when Raw is set, a complete RFC 5322 message sent as is.
type OutgoingMessage struct {
	Kind       string
	Sender     string
	Recipients []string
	Subject    string
	Text       string
	Raw        []byte
}

// Mailer accepts outgoing mail for asynchronous delivery.
type Mailer interface {
	Send(ctx context.Context, msg *OutgoingMessage) error
}

// Outbox collects mail produced under a list lock. It is flushed after the
// lock is released and dropped when the work is rolled back.
type Outbox struct {
	messages []*OutgoingMessage
}

func (o *Outbox) Queue(msg *OutgoingMessage) {
	o.messages = append(o.messages, msg)
}

func (o *Outbox) Len() int {
	return len(o.messages)
}

func (o *Outbox) Messages() []*OutgoingMessage {
	return o.messages
}

func (o *Outbox) Discard() {
	o.messages = nil
}

// Flush hands every message to m. Delivery failures are logged; the caller
// has already committed and cannot act on them.
func (o *Outbox) Flush(ctx context.Context, m Mailer) {
	for _, msg := range o.messages {
		if err := m.Send(ctx, msg); err != nil {
			logger.Error("Outbox: failed to queue message", "kind", msg.Kind, "recipients", msg.Recipients, "subject", msg.Subject, "error", err)
		}
	}
	o.messages = nil
}
