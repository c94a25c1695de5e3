package helpers

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"

	"github.com/TommyLike/mailman/logger"
)

// ParseMessage reads a message, tolerating unknown charsets. A message whose
// MIME header is malformed is degraded to an empty text/plain entity so that
// at least the envelope can still be processed.
func ParseMessage(r io.Reader) (*message.Entity, error) {
	m, err := message.Read(r)
	if message.IsUnknownCharset(err) {
		logger.Debug("Message: unknown charset", "error", err)
	} else if err != nil {
		if strings.Contains(err.Error(), "malformed MIME header") {
			logger.Warn("Message: malformed MIME header, using fallback entity", "error", err)
			return fallbackEntity(), nil
		}
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return m, nil
}

func fallbackEntity() *message.Entity {
	var h message.Header
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	e, _ := message.New(h, bytes.NewReader(nil))
	return e
}

// HeaderSubject returns the decoded Subject header, or the raw value when it
// cannot be decoded.
func HeaderSubject(entity *message.Entity) string {
	h := mail.Header{Header: entity.Header}
	subject, err := h.Subject()
	if err != nil {
		return entity.Header.Get("Subject")
	}
	return subject
}

// HeaderFrom returns the first From address, falling back to Sender and
// Reply-To the way list software traditionally picks the command author.
func HeaderFrom(entity *message.Entity) string {
	h := mail.Header{Header: entity.Header}
	for _, key := range []string{"From", "Sender", "Reply-To"} {
		addrs, err := h.AddressList(key)
		if err == nil && len(addrs) > 0 {
			return NormalizeAddress(addrs[0].Address)
		}
	}
	return ""
}

// ExtractPlainText returns the first text/plain part of the message. When the
// message only carries HTML the first text/html part is converted. Attachments
// are skipped.
func ExtractPlainText(entity *message.Entity) (string, error) {
	var plain, html *string

	err := entity.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil {
			return err
		}
		mediaType, _, _ := part.Header.ContentType()
		if mediaType == "" && len(path) == 0 {
			mediaType = "text/plain"
		}
		if disp, _, _ := part.Header.ContentDisposition(); disp == "attachment" {
			return nil
		}
		switch mediaType {
		case "text/plain":
			if plain != nil {
				return nil
			}
			content, readErr := io.ReadAll(part.Body)
			if readErr != nil && !message.IsUnknownCharset(readErr) {
				return readErr
			}
			s := string(content)
			plain = &s
		case "text/html":
			if html != nil {
				return nil
			}
			content, readErr := io.ReadAll(part.Body)
			if readErr != nil && !message.IsUnknownCharset(readErr) {
				return readErr
			}
			s := string(content)
			html = &s
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to walk message: %w", err)
	}

	switch {
	case plain != nil:
		return SanitizeUTF8(*plain), nil
	case html != nil:
		return SanitizeUTF8(html2text.HTML2Text(*html)), nil
	default:
		return "", nil
	}
}
