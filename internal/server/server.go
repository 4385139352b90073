// Package server exposes the arena over HTTP: a JSON API, a websocket event
// stream and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/predictarena/internal/domain"
	"github.com/alanyoungcy/predictarena/internal/server/handler"
	"github.com/alanyoungcy/predictarena/internal/server/middleware"
	"github.com/alanyoungcy/predictarena/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Addr            string
	CORSOrigins     []string
	AdminAPIKey     string
	RateLimit       int
	RateLimitWindow time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
}

// Handlers aggregates the handlers the server registers.
type Handlers struct {
	Health       *handler.HealthHandler
	Price        *handler.PriceHandler
	Rounds       *handler.RoundHandler
	Stakes       *handler.StakeHandler
	Participants *handler.ParticipantHandler
	Audit        *handler.AuditHandler
	Metrics      http.Handler
}

// Server is the HTTP and websocket API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route. Admin routes require the API key. The
// rate limiter applies to the whole API and may be nil.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	admin := middleware.Auth(cfg.AdminAPIKey)

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	mux.HandleFunc("GET /api/price", h.Price.GetPrice)

	mux.HandleFunc("GET /api/rounds", h.Rounds.ListRounds)
	mux.HandleFunc("GET /api/rounds/active", h.Rounds.ActiveRounds)
	mux.HandleFunc("GET /api/rounds/{id}", h.Rounds.GetRound)
	mux.HandleFunc("GET /api/rounds/{id}/stakes", h.Rounds.RoundStakes)
	mux.Handle("POST /api/rounds", admin(http.HandlerFunc(h.Rounds.StartRound)))
	mux.Handle("POST /api/rounds/{id}/lock", admin(http.HandlerFunc(h.Rounds.LockRound)))
	mux.Handle("POST /api/rounds/{id}/resolve", admin(http.HandlerFunc(h.Rounds.ResolveRound)))
	mux.Handle("POST /api/rounds/{id}/cancel", admin(http.HandlerFunc(h.Rounds.CancelRound)))

	mux.HandleFunc("POST /api/stakes", h.Stakes.PlaceStake)

	mux.Handle("POST /api/participants", admin(http.HandlerFunc(h.Participants.Register)))
	mux.HandleFunc("GET /api/participants/{id}", h.Participants.GetParticipant)
	mux.HandleFunc("GET /api/participants/{id}/stakes", h.Participants.ParticipantStakes)

	if h.Audit != nil {
		mux.Handle("GET /api/audit", admin(http.HandlerFunc(h.Audit.ListAudit)))
	}
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var root http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		root = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateLimitWindow, logger)(root)
	}
	root = middleware.Logging(logger)(root)
	root = middleware.CORS(cfg.CORSOrigins)(root)

	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           root,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server: starting", slog.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
