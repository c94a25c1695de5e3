package delivery

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/TommyLike/mailman/config"
	"github.com/TommyLike/mailman/logger"
	"github.com/TommyLike/mailman/pkg/circuitbreaker"
	"github.com/TommyLike/mailman/pkg/metrics"
)

// RelayError marks a relay failure as permanent (5xx, retrying will not
// help) or temporary (4xx, network).
type RelayError struct {
	Err       error
	Permanent bool
}

func (e *RelayError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// IsPermanentError reports whether err is a 5xx reply or a RelayError
// marked permanent. Everything else, network errors included, is retried.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Permanent
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}

	return false
}

// SMTPRelayHandler submits outbound list mail to a smarthost.
type SMTPRelayHandler struct {
	SMTPHost       string
	UseTLS         bool
	TLSVerify      bool
	UseStartTLS    bool   // STARTTLS instead of direct TLS
	TLSCertFile    string // client certificate for mTLS
	TLSKeyFile     string
	Username       string // SASL PLAIN credentials, optional
	Password       string
	CircuitBreaker *circuitbreaker.CircuitBreaker
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Threshold   int           // Consecutive failures before opening (default: 5)
	Timeout     time.Duration // Recovery test interval (default: 30s)
	MaxRequests int           // Max requests in half-open state (default: 3)
}

// NewSMTPRelayHandler builds a handler guarded by a circuit breaker named
// smtp_relay.
func NewSMTPRelayHandler(h SMTPRelayHandler, cbConfig CircuitBreakerConfig) *SMTPRelayHandler {
	if cbConfig.Threshold <= 0 {
		cbConfig.Threshold = 5
	}
	if cbConfig.Timeout <= 0 {
		cbConfig.Timeout = 30 * time.Second
	}
	if cbConfig.MaxRequests <= 0 {
		cbConfig.MaxRequests = 3
	}

	h.CircuitBreaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:           "smtp_relay",
		HalfOpenProbes: uint32(cbConfig.MaxRequests),
		ResetInterval:  10 * time.Second,
		OpenTimeout:    cbConfig.Timeout,
		ShouldTrip: func(counts circuitbreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cbConfig.Threshold)
		},
		OnStateChange: func(name string, from circuitbreaker.State, to circuitbreaker.State) {
			logger.Warn("SMTP Relay: circuit breaker changed state", "name", name, "from", from, "to", to)
		},
		Ignore: IsPermanentError,
	})
	return &h
}

// NewSMTPRelayFromConfig returns nil when no relay host is configured.
func NewSMTPRelayFromConfig(cfg *config.RelayConfig) (*SMTPRelayHandler, error) {
	if !cfg.IsConfigured() {
		return nil, nil
	}
	timeout, err := cfg.GetCircuitBreakerTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid relay circuit_breaker_timeout: %w", err)
	}
	return NewSMTPRelayHandler(SMTPRelayHandler{
		SMTPHost:    cfg.SMTPHost,
		UseTLS:      cfg.SMTPTLS,
		TLSVerify:   cfg.SMTPTLSVerify,
		UseStartTLS: cfg.SMTPUseStartTLS,
		TLSCertFile: cfg.SMTPTLSCertFile,
		TLSKeyFile:  cfg.SMTPTLSKeyFile,
		Username:    cfg.SMTPUsername,
		Password:    cfg.SMTPPassword,
	}, CircuitBreakerConfig{
		Threshold:   cfg.CircuitBreakerThreshold,
		Timeout:     timeout,
		MaxRequests: cfg.CircuitBreakerMaxRequests,
	}), nil
}

// GetCircuitBreaker returns the circuit breaker for health monitoring
func (r *SMTPRelayHandler) GetCircuitBreaker() *circuitbreaker.CircuitBreaker {
	return r.CircuitBreaker
}

// SendToExternalRelay submits messageBytes in one SMTP transaction.
// Recipients rejected with 5xx are dropped; the message is permanent
// failure only when every recipient was rejected.
func (r *SMTPRelayHandler) SendToExternalRelay(from string, to []string, messageBytes []byte) error {
	if r.SMTPHost == "" {
		return &RelayError{Err: errors.New("SMTP relay host not configured"), Permanent: false}
	}
	if len(to) == 0 {
		return &RelayError{Err: errors.New("no recipients"), Permanent: true}
	}

	var err error
	if r.CircuitBreaker != nil {
		err = r.CircuitBreaker.Execute(func() error {
			return r.sendToSMTPRelay(from, to, messageBytes)
		})
		if circuitbreaker.IsRejection(err) {
			logger.Warn("SMTP Relay: circuit breaker is blocking delivery", "host", r.SMTPHost, "error", err)
			metrics.RelaySubmissions.WithLabelValues("circuit_breaker_open").Inc()
			return fmt.Errorf("SMTP relay circuit breaker is open: %w", err)
		}
	} else {
		err = r.sendToSMTPRelay(from, to, messageBytes)
	}

	switch {
	case err == nil:
		metrics.RelaySubmissions.WithLabelValues("success").Inc()
	case IsPermanentError(err):
		metrics.RelaySubmissions.WithLabelValues("permanent_failure").Inc()
	default:
		metrics.RelaySubmissions.WithLabelValues("temporary_failure").Inc()
	}
	return err
}

func (r *SMTPRelayHandler) dial() (*smtp.Client, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Renegotiation:      tls.RenegotiateNever,
		InsecureSkipVerify: !r.TLSVerify,
	}

	if r.TLSCertFile != "" && r.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(r.TLSCertFile, r.TLSKeyFile)
		if err != nil {
			return nil, &RelayError{Err: fmt.Errorf("failed to load client certificate: %w", err), Permanent: true}
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	var (
		c   *smtp.Client
		err error
	)
	switch {
	case !r.UseTLS:
		c, err = smtp.Dial(r.SMTPHost)
	case r.UseStartTLS:
		c, err = smtp.DialStartTLS(r.SMTPHost, tlsConfig)
	default:
		c, err = smtp.DialTLS(r.SMTPHost, tlsConfig)
	}
	if err != nil {
		return nil, &RelayError{Err: fmt.Errorf("failed to connect to SMTP relay: %w", err), Permanent: false}
	}
	return c, nil
}

func (r *SMTPRelayHandler) sendToSMTPRelay(from string, to []string, messageBytes []byte) error {
	c, err := r.dial()
	if err != nil {
		return err
	}
	defer c.Close()

	if r.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", r.Username, r.Password)); err != nil {
			return &RelayError{Err: fmt.Errorf("relay authentication failed: %w", err), Permanent: IsPermanentError(err)}
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to set sender: %w", err), Permanent: IsPermanentError(err)}
	}

	var rejected []string
	for _, rcpt := range to {
		err := c.Rcpt(rcpt, nil)
		if err == nil {
			continue
		}
		if !IsPermanentError(err) {
			// Retry the whole message later rather than deliver it twice.
			return &RelayError{Err: fmt.Errorf("recipient %s deferred: %w", rcpt, err), Permanent: false}
		}
		logger.Warn("SMTP Relay: recipient rejected, dropping", "recipient", rcpt, "error", err)
		rejected = append(rejected, rcpt)
	}
	if len(rejected) == len(to) {
		_ = c.Reset()
		return &RelayError{Err: fmt.Errorf("all recipients rejected: %s", strings.Join(rejected, ", ")), Permanent: true}
	}

	wc, err := c.Data()
	if err != nil {
		return &RelayError{Err: fmt.Errorf("failed to start data: %w", err), Permanent: IsPermanentError(err)}
	}
	if _, err := wc.Write(messageBytes); err != nil {
		_ = wc.Close()
		return &RelayError{Err: fmt.Errorf("failed to write message: %w", err), Permanent: false}
	}
	if err := wc.Close(); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to close data writer: %w", err), Permanent: IsPermanentError(err)}
	}

	if err := c.Quit(); err != nil {
		logger.Warn("SMTP Relay: Failed to send QUIT", "error", err)
	}
	return nil
}
