package digest

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/TommyLike/mailman/helpers"
	"github.com/TommyLike/mailman/logger"
	"github.com/TommyLike/mailman/mailinglist"
)

const (
	messageSeparator = "------------------------------"
	tocSeparator     = "----------------------------------------------------------------------"
)

// composition renders one issue in both delivery formats.
type composition struct {
	list     *mailinglist.List
	issue    *Issue
	masthead string
	messages []*mailinglist.DigestMessage
	date     time.Time
}

func (d *composition) header() mail.Header {
	var h mail.Header
	h.SetDate(d.date)
	h.SetAddressList("From", []*mail.Address{{Address: d.list.RequestAddress()}})
	h.SetAddressList("To", []*mail.Address{{Name: d.list.DisplayName(), Address: d.list.Address()}})
	h.SetSubject(d.issue.Subject)
	h.Set("MIME-Version", "1.0")
	h.Set("List-Id", fmt.Sprintf("<%s.%s>", d.list.Name, d.list.Host))
	if err := h.GenerateMessageID(); err != nil {
		logger.Warn("Digest: failed to generate Message-ID", "error", err)
	}
	return h
}

func (d *composition) toc() string {
	var b strings.Builder
	b.WriteString("Today's Topics:\n\n")
	if len(d.messages) == 0 {
		b.WriteString("   (no messages)\n")
	}
	for i, m := range d.messages {
		subject := m.Subject
		if subject == "" {
			subject = "(no subject)"
		}
		fmt.Fprintf(&b, "  %2d. %s (%s)\n", i+1, subject, m.Sender)
	}
	return b.String()
}

func (d *composition) footer() string {
	end := fmt.Sprintf("End of %s", d.issue.Subject)
	return end + "\n" + strings.Repeat("*", len(end)) + "\n"
}

// mime builds a multipart/mixed message: the masthead with the table of
// contents, a multipart/digest holding every post unchanged, and a footer.
func (d *composition) mime() ([]byte, error) {
	var buf bytes.Buffer

	h := d.header()
	h.SetContentType("multipart/mixed", nil)
	w, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, err
	}

	if err := writeTextPart(w, d.issue.Subject, d.masthead+"\n\n"+d.toc()); err != nil {
		return nil, err
	}

	var dh message.Header
	dh.SetContentType("multipart/digest", nil)
	dw, err := w.CreatePart(dh)
	if err != nil {
		return nil, err
	}
	for _, m := range d.messages {
		var mh message.Header
		mh.SetContentType("message/rfc822", nil)
		pw, err := dw.CreatePart(mh)
		if err != nil {
			return nil, err
		}
		if _, err := pw.Write(m.Raw); err != nil {
			return nil, err
		}
		if err := pw.Close(); err != nil {
			return nil, err
		}
	}
	if err := dw.Close(); err != nil {
		return nil, err
	}

	if err := writeTextPart(w, "Digest Footer", d.footer()); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeTextPart(w *message.Writer, description, text string) error {
	var h message.Header
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	h.Set("Content-Description", description)
	pw, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(pw, text); err != nil {
		return err
	}
	return pw.Close()
}

// plain builds an RFC 1153 digest: one text/plain body with each post's
// headers of interest and its text.
func (d *composition) plain() ([]byte, error) {
	var body strings.Builder
	body.WriteString(d.masthead)
	body.WriteString("\n\n")
	body.WriteString(d.toc())
	body.WriteString("\n")
	body.WriteString(tocSeparator)
	body.WriteString("\n\n")

	for i, m := range d.messages {
		fmt.Fprintf(&body, "Message: %d\n", i+1)
		body.WriteString(plainEntry(m))
		body.WriteString("\n")
		body.WriteString(messageSeparator)
		body.WriteString("\n\n")
	}
	body.WriteString(d.footer())

	var buf bytes.Buffer
	h := d.header()
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, body.String()); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func plainEntry(m *mailinglist.DigestMessage) string {
	var b strings.Builder

	entity, err := helpers.ParseMessage(bytes.NewReader(m.Raw))
	if err != nil {
		logger.Warn("Digest: unreadable post in plain digest", "list", m.ListName, "hash", m.Hash, "error", err)
		fmt.Fprintf(&b, "From: %s\nSubject: %s\n\n", m.Sender, m.Subject)
		return b.String()
	}

	for _, key := range []string{"Date", "From", "Subject", "To", "Cc", "Message-ID"} {
		if key == "Subject" {
			fmt.Fprintf(&b, "Subject: %s\n", m.Subject)
			continue
		}
		if v := entity.Header.Get(key); v != "" {
			fmt.Fprintf(&b, "%s: %s\n", key, v)
		}
	}
	b.WriteString("\n")

	text, err := helpers.ExtractPlainText(entity)
	if err != nil {
		logger.Warn("Digest: failed to extract post text", "list", m.ListName, "hash", m.Hash, "error", err)
	}
	b.WriteString(strings.TrimRight(text, "\r\n"))
	b.WriteString("\n")
	return b.String()
}
