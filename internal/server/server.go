package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/m-mizutani/goerr/v2"

	"hookdeploy/internal/dispatch"
	"hookdeploy/internal/history"
	"hookdeploy/internal/project"
	"hookdeploy/internal/worker"
)

const (
	// HTTP server timeouts
	HTTPReadTimeout  = 10 * time.Second
	HTTPWriteTimeout = 10 * time.Second
	HTTPIdleTimeout  = 60 * time.Second

	// RequestTimeout bounds the synchronous part of a request.
	RequestTimeout = 30 * time.Second

	// DefaultGlobalRateLimit is requests per hour per client IP.
	DefaultGlobalRateLimit = 600
	// DefaultWebhookRateLimit is webhook requests per minute per client IP.
	DefaultWebhookRateLimit = 30
)

// Dispatcher runs the synchronous phase of a webhook.
type Dispatcher interface {
	Dispatch(ctx context.Context, in dispatch.InboundEvent) (dispatch.Result, error)
}

// StatusSource reads deployment history for /status.
type StatusSource interface {
	GetStatus(ctx context.Context, projectKey string, limit int) (*history.DeploymentStatus, error)
}

// StatsSource reports worker pool counters for /health.
type StatsSource interface {
	Stats() worker.Stats
}

// Server represents the HTTP server
type Server struct {
	Registry   *project.Registry
	Dispatcher Dispatcher
	Logger     *slog.Logger

	// History and Pool are optional.
	History StatusSource
	Pool    StatsSource

	// Rate limits; zero means the default. TestMode disables them.
	GlobalRateLimit  int
	WebhookRateLimit int
	TestMode         bool

	mu         sync.Mutex
	httpServer *http.Server
	closed     bool
}

// NewServer creates a new server instance
func NewServer(registry *project.Registry, dispatcher Dispatcher, logger *slog.Logger, testMode bool) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Registry:         registry,
		Dispatcher:       dispatcher,
		Logger:           logger,
		GlobalRateLimit:  DefaultGlobalRateLimit,
		WebhookRateLimit: DefaultWebhookRateLimit,
		TestMode:         testMode,
	}
}

// Router creates and configures the HTTP router
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(RequestTimeout))
	r.Use(requestLogger(s.Logger))

	if !s.TestMode {
		r.Use(NewRateLimitMiddleware(orDefault(s.GlobalRateLimit, DefaultGlobalRateLimit), s.Logger))
	}

	r.Get("/", s.HandleHealth)
	r.Get("/health", s.HandleHealth)
	r.Get("/status/{project}", s.HandleStatus)

	webhook := r.With()
	if !s.TestMode {
		webhook = r.With(NewWebhookRateLimitMiddleware(orDefault(s.WebhookRateLimit, DefaultWebhookRateLimit), s.Logger))
	}
	webhook.Post("/webhook/{branch}", s.HandleWebhook)

	return r
}

// Start listens on host:port until Shutdown is called.
func (s *Server) Start(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	s.Logger.Info("Starting server", "addr", addr)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  HTTPReadTimeout,
		WriteTimeout: HTTPWriteTimeout,
		IdleTimeout:  HTTPIdleTimeout,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.httpServer = httpServer
	s.mu.Unlock()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return goerr.Wrap(err, "http server stopped", goerr.V("addr", addr))
	}
	return nil
}

// Shutdown stops accepting connections and waits for open requests. It does
// not wait for background deployments; the worker pool owns those.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	httpServer := s.httpServer
	s.mu.Unlock()

	if httpServer == nil {
		return nil
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		return goerr.Wrap(err, "http server shutdown")
	}
	return nil
}

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
