package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"FinPulse/pkg/http/middleware"
	applogger "FinPulse/pkg/logger"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler registers its routes on the shared Echo instance.
type Handler interface {
	RegisterRoutes(e *echo.Echo)
}

// ServerOption configures Server.
type ServerOption func(*ServerConfig)

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration // 0 keeps SSE streams open indefinitely
	ShutdownTimeout time.Duration
	SlowThreshold   time.Duration
	CORS            bool
	CORSOrigins     []string
	Metrics         bool
	Logger          *applogger.Logger
}

// Server wraps Echo HTTP server.
type Server struct {
	echo   *echo.Echo
	config *ServerConfig
	logger *applogger.Logger
}

// NewServer creates a new HTTP server with Echo. Every handler registers its
// own routes.
func NewServer(handlers []Handler, opts ...ServerOption) *Server {
	cfg := &ServerConfig{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     10 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		SlowThreshold:   time.Second,
		CORS:            true,
		CORSOrigins:     []string{"*"},
		Metrics:         true,
	}

	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = applogger.Nop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = cfg.ReadTimeout
	e.Server.WriteTimeout = cfg.WriteTimeout

	// Middleware
	e.Use(middleware.Recover(cfg.Logger))
	e.Use(middleware.RequestLogging(cfg.Logger))
	if cfg.Metrics {
		e.Use(middleware.Metrics(cfg.Logger, cfg.SlowThreshold))
	}
	if cfg.CORS {
		e.Use(middleware.CORS(middleware.CORSConfig{
			AllowOrigins: cfg.CORSOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{
				echo.HeaderOrigin,
				echo.HeaderContentType,
				echo.HeaderAccept,
				echo.HeaderAuthorization,
				"Last-Event-ID",
			},
			ExposeHeaders: []string{"Retry-After"},
			MaxAge:        10 * time.Minute,
		}))
	}

	for _, h := range handlers {
		if h != nil {
			h.RegisterRoutes(e)
		}
	}

	// Expose Prometheus metrics endpoint for scraping
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return &Server{
		echo:   e,
		config: cfg,
		logger: cfg.Logger,
	}
}

// Start binds the listener and serves in the background. Bind errors are
// returned to the caller.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.echo.Listener = ln

	go func() {
		s.logger.Info("http server listening", applogger.String("addr", ln.Addr().String()))
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", applogger.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once Start has returned.
func (s *Server) Addr() string {
	if s.echo.Listener == nil {
		return ""
	}
	return s.echo.Listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// WithHost sets server host.
func WithHost(host string) ServerOption {
	return func(c *ServerConfig) {
		c.Host = host
	}
}

// WithPort sets server port.
func WithPort(port int) ServerOption {
	return func(c *ServerConfig) {
		c.Port = port
	}
}

// WithTimeouts sets read/write timeouts.
func WithTimeouts(read, write, shutdown time.Duration) ServerOption {
	return func(c *ServerConfig) {
		c.ReadTimeout = read
		c.WriteTimeout = write
		c.ShutdownTimeout = shutdown
	}
}

// WithCORS toggles CORS. Without origins every origin is allowed.
func WithCORS(enabled bool, origins ...string) ServerOption {
	return func(c *ServerConfig) {
		c.CORS = enabled
		if len(origins) > 0 {
			c.CORSOrigins = origins
		}
	}
}

// WithMetrics toggles the request metrics middleware.
func WithMetrics(enabled bool, slow time.Duration) ServerOption {
	return func(c *ServerConfig) {
		c.Metrics = enabled
		c.SlowThreshold = slow
	}
}

// WithLogger sets the server logger.
func WithLogger(l *applogger.Logger) ServerOption {
	return func(c *ServerConfig) {
		c.Logger = l
	}
}
