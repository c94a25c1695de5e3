package lmtp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/TommyLike/mailman/helpers"
	"github.com/TommyLike/mailman/logger"
	"github.com/TommyLike/mailman/pkg/metrics"
)

// Session is one LMTP connection. A transaction may name recipients on
// several lists; each gets its own reply.
type Session struct {
	backend   *Backend
	conn      *smtp.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
	id        string
	remoteIP  string

	mu      sync.Mutex
	sender  string
	mailSet bool
	targets []*Target
}

var (
	_ smtp.Session     = (*Session)(nil)
	_ smtp.LMTPSession = (*Session)(nil)
)

func (s *Session) log() *slog.Logger {
	return logger.With("session", s.id, "remote", s.remoteIP)
}

func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	from = helpers.NormalizeAddress(from)
	// The null reverse path is allowed; bounces to a -request address still
	// carry a From header the commands can answer.
	if from != "" && !helpers.IsValidAddress(from) {
		s.log().Debug("LMTP: invalid sender", "from", from)
		return &smtp.SMTPError{
			Code:         553,
			EnhancedCode: smtp.EnhancedCode{5, 1, 7},
			Message:      "Invalid sender",
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = from
	s.mailSet = true
	return nil
}

func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	target, err := s.backend.router.Resolve(s.ctx, to)
	if err != nil {
		s.log().Debug("LMTP: recipient refused", "to", to, "error", err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, target)
	s.log().Debug("LMTP: recipient accepted", "to", to, "list", target.List.Name, "route", target.Route)
	return nil
}

// readMessage enforces the configured size limit.
func (s *Session) readMessage(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	reader := r
	if s.backend.maxMessageSize > 0 {
		// Add 1 byte to detect when limit is exceeded
		reader = io.LimitReader(r, s.backend.maxMessageSize+1)
	}
	if _, err := io.Copy(&buf, reader); err != nil {
		var se *smtp.SMTPError
		if errors.As(err, &se) {
			return nil, se
		}
		return nil, s.internalError("failed to read message: %v", err)
	}
	if s.backend.maxMessageSize > 0 && int64(buf.Len()) > s.backend.maxMessageSize {
		s.log().Info("LMTP: message too large", "size", buf.Len(), "limit", s.backend.maxMessageSize)
		return nil, &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 3, 4},
			Message:      fmt.Sprintf("message size exceeds maximum allowed size of %d bytes", s.backend.maxMessageSize),
		}
	}
	metrics.MessageSizeBytes.Observe(float64(buf.Len()))
	return buf.Bytes(), nil
}

func (s *Session) snapshot() (string, []*Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mailSet || len(s.targets) == 0 {
		return "", nil, &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "Bad sequence of commands (missing MAIL FROM or RCPT TO)",
		}
	}
	return s.sender, append([]*Target(nil), s.targets...), nil
}

// Data delivers to every recipient and reports the first failure.
func (s *Session) Data(r io.Reader) error {
	sender, targets, err := s.snapshot()
	if err != nil {
		return err
	}
	raw, err := s.readMessage(r)
	if err != nil {
		return err
	}

	var first error
	for _, t := range targets {
		if err := s.backend.router.Deliver(s.ctx, t, sender, raw); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LMTPData delivers to every recipient and reports one status per RCPT.
func (s *Session) LMTPData(r io.Reader, status smtp.StatusCollector) error {
	sender, targets, err := s.snapshot()
	if err != nil {
		return err
	}
	raw, err := s.readMessage(r)
	if err != nil {
		return err
	}

	for _, t := range targets {
		err := s.backend.router.Deliver(s.ctx, t, sender, raw)
		if err != nil {
			s.log().Info("LMTP: delivery refused", "to", t.Address, "route", t.Route, "error", err)
		}
		status.SetStatus(t.Address, err)
	}
	return nil
}

func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = ""
	s.mailSet = false
	s.targets = nil
}

func (s *Session) Logout() error {
	active := s.backend.activeConnections.Add(-1)
	metrics.ConnectionsCurrent.WithLabelValues("lmtp").Dec()
	if s.cancel != nil {
		s.cancel()
	}

	s.log().Info("LMTP: session closed", "duration", time.Since(s.startTime).Round(time.Millisecond), "active", active)
	return &smtp.SMTPError{
		Code:         221,
		EnhancedCode: smtp.EnhancedCode{2, 0, 0},
		Message:      "Closing transmission channel",
	}
}

func (s *Session) internalError(format string, a ...any) error {
	errorMsg := fmt.Sprintf(format, a...)
	s.log().Error("LMTP: internal error", "error", errorMsg)
	return &smtp.SMTPError{
		Code:         421,
		EnhancedCode: smtp.EnhancedCode{4, 4, 2},
		Message:      errorMsg,
	}
}
