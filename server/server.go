// Package server is the HTTP surface of the harvest daemon: health, metrics,
// a small JSON API over harvest.Service and a websocket stream of bus events.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/remilejeune/udata-harvest/errors"
	"github.com/remilejeune/udata-harvest/harvest"
	"github.com/remilejeune/udata-harvest/logger"
	"github.com/remilejeune/udata-harvest/metrics"
)

// ShutdownTimeout bounds the wait for websocket clients after Shutdown.
const ShutdownTimeout = 5 * time.Second

// Config holds the HTTP settings of the daemon.
type Config struct {
	Addr string
	// AllowedOrigins are matched as prefixes against the Origin header of
	// browser requests, so any port of an allowed host is accepted.
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
}

// DefaultConfig listens on localhost only.
func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:8470",
		AllowedOrigins: []string{"http://localhost", "https://localhost", "http://127.0.0.1"},
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
	}
}

// PoolStats is implemented by *harvest.WorkerPool.
type PoolStats interface {
	Active() int
	Processed() int
}

// TickerStats is implemented by *schedule.Ticker.
type TickerStats interface {
	Ticks() int64
	Fired() int64
	LastTickAt() time.Time
}

// Deps are the components served. Service and Bus are required.
type Deps struct {
	Service  *harvest.Service
	Bus      *harvest.Bus
	Metrics  *metrics.Collector
	Launches metrics.LaunchCounter
	Pool     PoolStats
	Ticker   TickerStats
}

// State is the lifecycle state of the server.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Server serves the daemon endpoints.
type Server struct {
	cfg     Config
	deps    Deps
	log     *zap.SugaredLogger
	handler http.Handler
	http    *http.Server
	started time.Time
	state   atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[*Client]struct{}
	wg      sync.WaitGroup
}

// New builds a server. It does not listen until Serve or ListenAndServe.
func New(cfg Config, deps Deps, log *zap.SugaredLogger) (*Server, error) {
	if deps.Service == nil || deps.Bus == nil {
		return nil, errors.New("server requires a harvest service and an event bus")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		log:     log,
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[*Client]struct{}),
	}
	s.handler = s.routes()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: cfg.ReadTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		// websocket connections manage their own deadlines
		WriteTimeout: 0,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// State returns the lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

func (s *Server) setState(next State) {
	s.state.Store(int32(next))
	s.log.Infow("Server state changed", "state", next.String())
}

// ListenAndServe listens on the configured address. It returns nil after
// Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.cfg.Addr)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.setState(StateRunning)
	s.log.Infow("HTTP server listening", logger.FieldAddress, ln.Addr().String())
	err := s.http.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Wrap(err, "serve http")
}

// Shutdown stops accepting requests, closes event streams and waits for
// in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.setState(StateDraining)

	// hijacked websocket connections are not tracked by http.Server; their
	// write pumps send a close frame once ctx is cancelled
	s.cancel()
	err := s.http.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(ShutdownTimeout):
		s.log.Warnw("Event streams did not stop in time", "timeout", ShutdownTimeout)
		s.closeClients()
	}

	s.setState(StateStopped)
	s.log.Infow("Server shutdown complete")
	return errors.Wrap(err, "shutdown http")
}
