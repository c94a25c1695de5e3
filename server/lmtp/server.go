package lmtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/TommyLike/mailman/config"
	"github.com/TommyLike/mailman/logger"
	"github.com/TommyLike/mailman/pkg/metrics"
)

// Backend is the inbound LMTP listener. The MTA hands it list traffic:
// command mail to <list>-request, posts to <list> and owner mail.
type Backend struct {
	addr           string
	hostname       string
	router         *Router
	server         *smtp.Server
	appCtx         context.Context
	maxMessageSize int64

	// Connection counters
	totalConnections  atomic.Int64
	activeConnections atomic.Int64

	// Trusted networks for connection filtering; empty allows everyone
	trustedNetworks []*net.IPNet
}

func New(appCtx context.Context, cfg *config.LMTPConfig, router *Router) (*Backend, error) {
	maxSize, err := cfg.GetMaxMessageSize()
	if err != nil {
		return nil, fmt.Errorf("invalid max_message_size: %w", err)
	}
	readTimeout, err := cfg.GetReadTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}
	writeTimeout, err := cfg.GetWriteTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}
	trusted, err := parseTrustedNetworks(cfg.TrustedNetworks)
	if err != nil {
		return nil, err
	}

	hostname := cfg.Hostname
	if hostname == "" {
		hostname = "localhost"
	}

	b := &Backend{
		addr:            cfg.Addr,
		hostname:        hostname,
		router:          router,
		appCtx:          appCtx,
		maxMessageSize:  maxSize,
		trustedNetworks: trusted,
	}

	s := smtp.NewServer(b)
	s.Addr = cfg.Addr
	s.Domain = hostname
	s.LMTP = true
	s.Network = "tcp"
	s.MaxMessageBytes = maxSize
	s.MaxRecipients = cfg.MaxRecipients
	s.ReadTimeout = readTimeout
	s.WriteTimeout = writeTimeout
	b.server = s

	return b, nil
}

func parseTrustedNetworks(cidrs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		cidr = strings.TrimSpace(cidr)
		if !strings.Contains(cidr, "/") {
			if ip := net.ParseIP(cidr); ip != nil && ip.To4() != nil {
				cidr += "/32"
			} else {
				cidr += "/128"
			}
		}
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted network %q: %w", cidr, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

// isFromTrustedNetwork checks if an IP address is from a trusted network
func (b *Backend) isFromTrustedNetwork(ip net.IP) bool {
	if len(b.trustedNetworks) == 0 {
		return true
	}
	for _, network := range b.trustedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func remoteIP(addr net.Addr) net.IP {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remoteAddr := c.Conn().RemoteAddr()
	ip := remoteIP(remoteAddr)
	if ip == nil {
		logger.Debug("LMTP: Connection rejected - could not parse IP", "remote", remoteAddr)
		return nil, fmt.Errorf("could not parse remote IP address")
	}
	if !b.isFromTrustedNetwork(ip) {
		logger.Warn("LMTP: Connection rejected - not from trusted network", "ip", ip, "remote", remoteAddr)
		return nil, &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "LMTP connections only allowed from trusted networks",
		}
	}

	sessionCtx, sessionCancel := context.WithCancel(b.appCtx)

	b.totalConnections.Add(1)
	active := b.activeConnections.Add(1)
	metrics.ConnectionsTotal.WithLabelValues("lmtp").Inc()
	metrics.ConnectionsCurrent.WithLabelValues("lmtp").Inc()

	s := &Session{
		backend:   b,
		conn:      c,
		ctx:       sessionCtx,
		cancel:    sessionCancel,
		startTime: time.Now(),
		id:        uuid.NewString(),
		remoteIP:  ip.String(),
	}
	s.log().Info("LMTP: new session", "active", active)
	return s, nil
}

// Start serves until Close is called. Errors other than a shutdown are
// sent to errChan.
func (b *Backend) Start(errChan chan error) {
	listener, err := net.Listen("tcp", b.addr)
	if err != nil {
		errChan <- fmt.Errorf("failed to create listener: %w", err)
		return
	}
	b.Serve(listener, errChan)
}

// Serve accepts connections on an existing listener.
func (b *Backend) Serve(listener net.Listener, errChan chan error) {
	logger.Info("LMTP server listening", "addr", listener.Addr().String(), "hostname", b.hostname)
	if err := b.server.Serve(listener); err != nil {
		if b.appCtx.Err() != nil || errors.Is(err, smtp.ErrServerClosed) {
			logger.Info("LMTP server stopped gracefully")
			return
		}
		errChan <- fmt.Errorf("LMTP server error: %w", err)
		return
	}
	logger.Info("LMTP server stopped gracefully")
}

func (b *Backend) Close() error {
	if b.server != nil {
		return b.server.Close()
	}
	return nil
}

// GetTotalConnections returns the cumulative total of all connections ever made
func (b *Backend) GetTotalConnections() int64 {
	return b.totalConnections.Load()
}

// GetActiveConnections returns the current number of active connections
func (b *Backend) GetActiveConnections() int64 {
	return b.activeConnections.Load()
}
