// Package adminapi is the administrative REST front end: digest control,
// mass subscription changes and the pending and held queues.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TommyLike/mailman/consts"
	"github.com/TommyLike/mailman/digest"
	"github.com/TommyLike/mailman/logger"
	"github.com/TommyLike/mailman/mailinglist"
	"github.com/TommyLike/mailman/pkg/health"
	"github.com/TommyLike/mailman/pkg/metrics"
	"github.com/TommyLike/mailman/subscription"
	"github.com/TommyLike/mailman/templates"
)

// Server is the admin REST API.
type Server struct {
	addr         string
	apiKey       string
	hosts        hostFilter
	metricsPath  string
	health       *health.Monitor
	store        mailinglist.Store
	digests      *digest.Engine
	mailer       mailinglist.Mailer
	renderer     templates.Renderer
	passwordCost int
	server       *http.Server
	tls          bool
	tlsCertFile  string
	tlsKeyFile   string
}

// ServerOptions configures New. AllowedHosts takes addresses and CIDR
// blocks; empty admits every client.
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	MetricsPath  string // empty disables the metrics endpoint
	Health       *health.Monitor
	Digests      *digest.Engine
	Mailer       mailinglist.Mailer
	Renderer     templates.Renderer
	PasswordCost int
	TLS          bool
	TLSCertFile  string
	TLSKeyFile   string
}

// New validates options and builds the server without listening.
func New(store mailinglist.Store, options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if options.TLS && (options.TLSCertFile == "" || options.TLSKeyFile == "") {
		return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
	}
	if options.Digests == nil {
		return nil, fmt.Errorf("digest engine is required")
	}
	hosts, err := parseHostFilter(options.AllowedHosts)
	if err != nil {
		return nil, err
	}
	if options.Renderer == nil {
		options.Renderer = templates.New("")
	}

	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		hosts:        hosts,
		metricsPath:  options.MetricsPath,
		health:       options.Health,
		store:        store,
		digests:      options.Digests,
		mailer:       options.Mailer,
		renderer:     options.Renderer,
		passwordCost: options.PasswordCost,
		tls:          options.TLS,
		tlsCertFile:  options.TLSCertFile,
		tlsKeyFile:   options.TLSKeyFile,
	}, nil
}

// Start serves the API until ctx ends. Failures other than shutdown are
// sent to errChan.
func Start(ctx context.Context, store mailinglist.Store, options ServerOptions, errChan chan error) {
	server, err := New(store, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	logger.Info("AdminAPI: Starting server", "protocol", protocol, "addr", options.Addr)
	if err := server.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("AdminAPI: Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("AdminAPI: Error shutting down server", "error", err)
		}
	}()

	if s.tls {
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// Handler returns the routed API with its middleware.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.metricsMiddleware)
	router.Use(s.allowedHostsMiddleware)

	if s.metricsPath != "" {
		router.Handle(s.metricsPath, promhttp.Handler()).Methods("GET")
	}
	if s.health != nil {
		router.HandleFunc("/health", s.handleHealth).Methods("GET")
	}

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware)

	v1.HandleFunc("/lists", s.handleListLists).Methods("GET")
	v1.HandleFunc("/lists/{list}", s.handleGetList).Methods("GET")

	v1.HandleFunc("/lists/{list}/digest", s.handleGetDigest).Methods("GET")
	v1.HandleFunc("/lists/{list}/digest", s.handleDigest).Methods("POST")

	v1.HandleFunc("/lists/{list}/members", s.handleListMembers).Methods("GET")
	v1.HandleFunc("/lists/{list}/members", s.handleMassSubscribe).Methods("POST")
	v1.HandleFunc("/lists/{list}/members", s.handleMassUnsubscribe).Methods("DELETE")

	v1.HandleFunc("/lists/{list}/pending", s.handleListPending).Methods("GET")

	v1.HandleFunc("/lists/{list}/held", s.handleListHeld).Methods("GET")
	v1.HandleFunc("/lists/{list}/held/{id}/approve", s.handleApproveHeld).Methods("POST")
	v1.HandleFunc("/lists/{list}/held/{id}/reject", s.handleRejectHeld).Methods("POST")

	return router
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.Report()
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger.Debug("AdminAPI: Request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
		logger.Debug("AdminAPI: Request completed", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("AdminAPI: Error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps storage and lock failures to a response.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, consts.ErrListNotFound):
		s.writeError(w, http.StatusNotFound, "List not found.")
	case errors.Is(err, consts.ErrDBNotFound):
		s.writeError(w, http.StatusNotFound, "Not found.")
	case errors.Is(err, mailinglist.ErrNotReady):
		s.writeError(w, http.StatusConflict, "List is not ready.")
	case errors.Is(err, consts.ErrLockCancelled):
		logger.Warn("AdminAPI: list work not committed", "path", r.URL.Path, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "List temporarily unavailable.")
	default:
		logger.Error("AdminAPI: request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// withWorkflow runs fn under the list lock and queues any mail it produced
// once the work is committed.
func (s *Server) withWorkflow(ctx context.Context, list string, fn func(ctx context.Context, w *subscription.Workflow) error) error {
	outbox := &mailinglist.Outbox{}
	err := s.store.WithListLock(ctx, list, func(ctx context.Context, tx mailinglist.Tx) error {
		outbox.Discard()
		roster := mailinglist.NewRoster(tx, s.passwordCost)
		return fn(ctx, subscription.New(tx, roster, s.renderer, outbox))
	})
	if err != nil {
		return err
	}
	if s.mailer != nil {
		outbox.Flush(context.WithoutCancel(ctx), s.mailer)
	}
	return nil
}
