// Package api exposes coaching sessions over HTTP.
//
// Sessions are started, advanced one message at a time, restarted and
// exported through JSON endpoints. An optional inbound webhook (Twilio) is
// mounted on the same mux so a single listener serves both.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/CoachPipe/internal/conversation"
)

// Default HTTP server settings.
const (
	DefaultAddr            = ":8080"
	DefaultWebhookPath     = "/webhooks/twilio"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultReadTimeout     = 15 * time.Second
	// Turns may wait on the LLM and search, so writes get a longer budget.
	DefaultWriteTimeout = 2 * time.Minute
)

// Opts holds the server configuration.
type Opts struct {
	Addr        string
	WebhookPath string
	Webhook     http.Handler
}

// Option configures the server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithWebhook mounts h for inbound messages at path (POST only). An empty
// path uses DefaultWebhookPath.
func WithWebhook(path string, h http.Handler) Option {
	return func(o *Opts) {
		if path != "" {
			o.WebhookPath = path
		}
		o.Webhook = h
	}
}

// Server serves the coaching API.
type Server struct {
	manager *conversation.Manager
	opts    Opts
	started time.Time
}

// NewServer creates a server for m.
func NewServer(m *conversation.Manager, opts ...Option) *Server {
	o := Opts{Addr: DefaultAddr, WebhookPath: DefaultWebhookPath}
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{manager: m, opts: o, started: time.Now()}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.opts.Addr }

// Handler returns the routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /workflows", s.workflowsHandler)
	mux.HandleFunc("GET /sessions", s.listSessionsHandler)
	mux.HandleFunc("POST /sessions", s.startSessionHandler)
	mux.HandleFunc("GET /sessions/{id}", s.getSessionHandler)
	mux.HandleFunc("DELETE /sessions/{id}", s.deleteSessionHandler)
	mux.HandleFunc("POST /sessions/{id}/messages", s.messageHandler)
	mux.HandleFunc("POST /sessions/{id}/new-idea", s.newIdeaHandler)
	mux.HandleFunc("POST /sessions/{id}/new-chat", s.newChatHandler)
	mux.HandleFunc("GET /sessions/{id}/export", s.exportHandler)
	if s.opts.Webhook != nil {
		mux.Handle("POST "+s.opts.WebhookPath, s.opts.Webhook)
		slog.Info("Server: webhook mounted", "path", s.opts.WebhookPath)
	}
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server.Run: listener failed", "error", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		slog.Info("Server.Run: shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
