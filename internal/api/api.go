// Package api provides the HTTP operator surface for GateCoach.
//
// It exposes endpoints to run coaching turns, manage per-user rate limit
// overrides, inspect or clear user data, receive Twilio webhooks and scrape
// metrics.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/GateCoach/internal/metrics"
	"github.com/BTreeMap/GateCoach/internal/models"
	"github.com/BTreeMap/GateCoach/internal/security"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	DefaultAddr            = ":8080"
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 60 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultHistoryCount is returned by the history endpoint without ?count.
	DefaultHistoryCount = 20
	// MaxHistoryCount caps ?count on the history endpoint.
	MaxHistoryCount = 500
)

// Coach is the part of flow.CoachFlow the API drives.
type Coach interface {
	ProcessMessage(ctx context.Context, userID, text, displayName string) models.TurnResult
	ClearUser(ctx context.Context, userID string) error
	State(ctx context.Context, userID string) (*models.UserState, error)
	History(ctx context.Context, userID string, count int) ([]models.Message, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr           string
	AdminToken     string
	TwilioWebhook  http.HandlerFunc
	MetricsHandler http.Handler
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithAdminToken requires "Authorization: Bearer <token>" on operator routes.
func WithAdminToken(token string) Option {
	return func(o *Opts) { o.AdminToken = token }
}

// WithTwilioWebhook mounts the Twilio inbound webhook.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// WithMetricsHandler overrides the /metrics handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(o *Opts) { o.MetricsHandler = h }
}

// Server holds the router and its collaborators.
type Server struct {
	router  chi.Router
	coach   Coach
	limiter *security.RateLimiter
	opts    Opts
}

// NewServer builds the router.
func NewServer(coach Coach, limiter *security.RateLimiter, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, MetricsHandler: metrics.Handler()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AdminToken == "" {
		slog.Warn("Server.NewServer: no admin token configured, operator routes are unauthenticated")
	}

	s := &Server{coach: coach, limiter: limiter, opts: cfg}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.healthHandler)
	r.Handle("/metrics", s.opts.MetricsHandler)
	if s.opts.TwilioWebhook != nil {
		r.Post("/webhooks/twilio", s.opts.TwilioWebhook)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.bearerAuth)
		r.Post("/messages", s.messageHandler)

		r.Get("/limits", s.listLimitsHandler)
		r.Get("/limits/{userID}", s.getLimitsHandler)
		r.Put("/limits/{userID}", s.setLimitsHandler)
		r.Delete("/limits/{userID}", s.removeLimitsHandler)

		r.Get("/users/{userID}/state", s.stateHandler)
		r.Get("/users/{userID}/history", s.historyHandler)
		r.Delete("/users/{userID}", s.clearUserHandler)
	})
	return r
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.opts.Addr, err)
	}

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	slog.Info("Server.Start: listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return <-errCh
}

func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AdminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AdminToken)) != 1 {
			slog.Warn("Server.bearerAuth: unauthorized request", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("Server.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()))
	})
}
