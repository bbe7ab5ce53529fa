package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/TheSnowHatHero/GrappleHook/internal/bridges/canbus"
	"github.com/TheSnowHatHero/GrappleHook/internal/device"
	"github.com/TheSnowHatHero/GrappleHook/internal/infrastructure/config"
	"github.com/TheSnowHatHero/GrappleHook/internal/infrastructure/logging"
	"github.com/TheSnowHatHero/GrappleHook/internal/journal"
	"github.com/TheSnowHatHero/GrappleHook/internal/process"
)

// gracefulShutdownTimeout bounds how long Close waits for in-flight requests.
const gracefulShutdownTimeout = 10 * time.Second

// defaultCallTimeout applies when Deps.CallTimeout is zero.
const defaultCallTimeout = 30 * time.Second

// DeviceManager is the slice of *device.Manager the API uses.
type DeviceManager interface {
	Domains() []device.Domain
	Call(ctx context.Context, domain device.Domain, identity device.Identity, req json.RawMessage) (json.RawMessage, error)
	List() map[device.Domain][]device.Listing
	Reset()
	Stats() device.Stats
}

// EventLister reads the device journal.
type EventLister interface {
	List(ctx context.Context, filter journal.Filter) (*journal.ListResult, error)
	Stats() journal.Stats
}

// BridgeStatus reports the state of one bus connection.
type BridgeStatus interface {
	IsConnected() bool
	Stats() canbus.ClientStats
}

// DaemonStatus reports the state of the supervised bridge daemon.
type DaemonStatus interface {
	Status() process.Status
}

// ServiceMetrics reports the bus service counters.
type ServiceMetrics interface {
	GetMetrics() canbus.Metrics
}

// Deps holds the dependencies of the API server. Manager and Logger are
// required; everything else is optional.
type Deps struct {
	Config      config.APIConfig
	WS          config.WebSocketConfig
	Logger      *logging.Logger
	Manager     DeviceManager
	Journal     EventLister
	Bridges     map[device.Domain]BridgeStatus
	Daemon      DaemonStatus
	Service     ServiceMetrics
	Hub         *Hub
	CallTimeout time.Duration
	Version     string
}

// Server is the HTTP API server.
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	logger      *logging.Logger
	manager     DeviceManager
	journal     EventLister
	bridges     map[device.Domain]BridgeStatus
	daemon      DaemonStatus
	service     ServiceMetrics
	hub         *Hub
	callTimeout time.Duration
	version     string

	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

// New creates a server. It does not listen until Start is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Manager == nil {
		return nil, fmt.Errorf("device manager is required")
	}

	s := &Server{
		cfg:         deps.Config,
		wsCfg:       deps.WS,
		logger:      deps.Logger,
		manager:     deps.Manager,
		journal:     deps.Journal,
		bridges:     deps.Bridges,
		daemon:      deps.Daemon,
		service:     deps.Service,
		hub:         deps.Hub,
		callTimeout: deps.CallTimeout,
		version:     deps.Version,
	}
	if s.callTimeout <= 0 {
		s.callTimeout = defaultCallTimeout
	}
	if s.hub == nil {
		s.hub = NewHub(deps.WS, deps.Logger)
	}
	return s, nil
}

// Hub returns the websocket hub. Register it as a manager observer so
// clients receive live device lists.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.hub.SetSnapshot(s.manager.List)
	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close shuts the server down, waiting for in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck reports whether the server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
