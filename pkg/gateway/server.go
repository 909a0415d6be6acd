package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/harun/agentjobs/internal/observability"
	"github.com/harun/agentjobs/pkg/events"
	"github.com/harun/agentjobs/pkg/orchestrator"
	"github.com/harun/agentjobs/pkg/store"
	"github.com/rs/zerolog"
)

// Submitter accepts job submissions.
type Submitter interface {
	Submit(ctx context.Context, sub orchestrator.Submission) (*store.Job, error)
}

// AgentLister lists registered agents by pack.
type AgentLister interface {
	List() map[string][]string
}

// Subscriber gives access to live job channels.
type Subscriber interface {
	Subscribe(channel string, buffer int) *events.Subscription
}

// Config holds server configuration
type Config struct {
	Host       string
	Port       int
	APIToken   string // when set, requests need "Authorization: Bearer <token>"
	Submitter  Submitter
	Store      *store.Store
	Agents     AgentLister
	Hub        Subscriber
	RateLimits RateLimits
	Logger     zerolog.Logger
}

// Server is the HTTP surface for submitting and observing jobs.
type Server struct {
	cfg      Config
	limiter  *SubmissionLimiter
	upgrader websocket.Upgrader
	router   chi.Router
	logger   zerolog.Logger

	mu     sync.Mutex
	server *http.Server
	stop   chan struct{}
}

// NewServer validates cfg and builds the router.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Submitter == nil {
		return nil, errors.New("submitter is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Agents == nil {
		return nil, errors.New("agent lister is required")
	}
	if cfg.Hub == nil {
		return nil, errors.New("event hub is required")
	}
	if cfg.RateLimits == (RateLimits{}) {
		cfg.RateLimits = DefaultRateLimits()
	}

	s := &Server{
		cfg:     cfg,
		limiter: NewSubmissionLimiter(cfg.RateLimits),
		logger:  cfg.Logger.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestContext)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", observability.MetricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/packs", s.handleListPacks)
		r.Group(func(r chi.Router) {
			r.Use(s.requireTenant)
			r.Post("/agents/{pack}/{agent}", s.handleSubmit)
			r.Get("/jobs/{jobID}", s.handleGetJob)
			r.Get("/jobs/{jobID}/events", s.handleStream)
		})
	})
	return r
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// UpdateRateLimits applies new submission limits without a restart.
func (s *Server) UpdateRateLimits(limits RateLimits) {
	s.limiter.Update(limits)
	s.logger.Info().
		Int("tenant_per_minute", limits.TenantPerMinute).
		Int("user_per_minute", limits.UserPerMinute).
		Msg("Rate limits updated")
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.server = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	s.stop = make(chan struct{})
	srv, stop := s.server, s.stop
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway")
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	go s.sweepLimits(stop)
	return nil
}

func (s *Server) sweepLimits(stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.limiter.Sweep()
		case <-stop:
			return
		}
	}
}

// Stop gracefully stops the server, waiting up to the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, stop := s.server, s.stop
	s.server, s.stop = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	close(stop)
	s.logger.Info().Msg("Shutting down gateway")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info().Msg("Gateway stopped")
	return nil
}
