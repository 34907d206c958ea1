package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/opcua-device-simulator/internal/device"
	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/config"
	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Authenticator validates the credentials of attribute writes.
type Authenticator interface {
	Check(username, password string) bool
}

// HealthChecker is implemented by every infrastructure component.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HistoryReader returns recorded readings, newest first.
type HistoryReader interface {
	Recent(ctx context.Context, deviceID string, limit int) ([]device.Reading, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	Logger   *logging.Logger
	Store    device.Store
	DeviceID string
	Auth     Authenticator

	// Optional.
	History    HistoryReader
	Metrics    http.Handler
	Components map[string]HealthChecker
	Version    string
}

// Server is the HTTP API server of the simulator.
type Server struct {
	cfg        config.APIConfig
	logger     *logging.Logger
	store      device.Store
	deviceID   string
	auth       Authenticator
	history    HistoryReader
	metrics    http.Handler
	components map[string]HealthChecker
	version    string
	hub        *Hub

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("device store is required")
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("authenticator is required")
	}

	logger := deps.Logger.Component("api")
	return &Server{
		cfg:        deps.Config,
		logger:     logger,
		store:      deps.Store,
		deviceID:   deps.DeviceID,
		auth:       deps.Auth,
		history:    deps.History,
		metrics:    deps.Metrics,
		components: deps.Components,
		version:    deps.Version,
		hub:        NewHub(deps.Config.WebSocket, logger),
	}, nil
}

// Start binds the listener and serves in a background goroutine.
// A bind failure (port in use) is returned.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}(s.server)

	s.logger.Info("API server listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server. It waits up to 10 seconds
// for in-flight requests to complete.
func (s *Server) Close() error {
	s.mu.Lock()
	srv, cancel := s.server, s.cancel
	s.server, s.cancel = nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	ctx, stop := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer stop()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Deliver broadcasts snap to WebSocket clients subscribed to
// ChannelSnapshot, making the server a simulator sink.
func (s *Server) Deliver(_ context.Context, snap device.Snapshot) error {
	s.hub.Broadcast(ChannelSnapshot, device.NewReading(s.deviceID, snap))
	return nil
}
