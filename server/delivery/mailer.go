package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/TommyLike/mailman/logger"
	"github.com/TommyLike/mailman/mailinglist"
)

// Enqueuer spools a finished message for the relay worker.
type Enqueuer interface {
	Enqueue(from string, to []string, kind string, messageBytes []byte) error
}

// Notifier is woken after every enqueue so delivery does not wait for the
// next poll.
type Notifier interface {
	NotifyQueued()
}

// QueueMailer is the mailinglist.Mailer used by the daemon: messages are
// rendered to RFC 5322 and spooled to the relay queue.
type QueueMailer struct {
	queue    Enqueuer
	notifier Notifier
	now      func() time.Time
}

// NewQueueMailer returns a mailer writing to queue. notifier may be nil.
func NewQueueMailer(queue Enqueuer, notifier Notifier) *QueueMailer {
	return &QueueMailer{queue: queue, notifier: notifier, now: time.Now}
}

var _ mailinglist.Mailer = (*QueueMailer)(nil)

func (m *QueueMailer) Send(ctx context.Context, msg *mailinglist.OutgoingMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(msg.Recipients) == 0 {
		return errors.New("outgoing message has no recipients")
	}

	raw := msg.Raw
	if raw == nil {
		var err error
		if raw, err = m.compose(msg); err != nil {
			return fmt.Errorf("compose %s message: %w", msg.Kind, err)
		}
	}

	if err := m.queue.Enqueue(msg.Sender, msg.Recipients, msg.Kind, raw); err != nil {
		return err
	}
	if m.notifier != nil {
		m.notifier.NotifyQueued()
	}
	logger.Debug("Mailer: queued message", "kind", msg.Kind, "recipients", len(msg.Recipients), "subject", msg.Subject)
	return nil
}

// compose renders a plain text message. Replies and confirmation requests
// answer a human and are marked auto-replied; notices are auto-generated.
func (m *QueueMailer) compose(msg *mailinglist.OutgoingMessage) ([]byte, error) {
	var h mail.Header
	h.SetDate(m.now())
	h.SetAddressList("From", []*mail.Address{{Address: msg.Sender}})
	to := make([]*mail.Address, 0, len(msg.Recipients))
	for _, rcpt := range msg.Recipients {
		to = append(to, &mail.Address{Address: rcpt})
	}
	h.SetAddressList("To", to)
	h.SetSubject(msg.Subject)
	h.Set("MIME-Version", "1.0")
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}
	switch msg.Kind {
	case mailinglist.KindReply, mailinglist.KindConfirmation:
		h.Set("Auto-Submitted", "auto-replied")
	default:
		h.Set("Auto-Submitted", "auto-generated")
	}
	h.Set("Precedence", "bulk")
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, msg.Text); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
