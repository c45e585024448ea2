// Package server provides the HTTP API of possyncd.
//
// Routes:
//
//	POST /sync               trigger an invocation
//	GET  /sync               probe every source
//	GET  /sync/history       recent runs, newest first
//	GET  /sync/history/:id   one run
//	GET  /sync/events        WebSocket stream of run events
//	GET  /healthz            destination health
//
// Everything under /sync requires a bearer token when tokens are configured.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xtxerr/possync/config"
	"github.com/xtxerr/possync/internal/errors"
	"github.com/xtxerr/possync/internal/logging"
	possync "github.com/xtxerr/possync/internal/sync"
)

var log = logging.Component("server")

// =============================================================================
// Collaborators
// =============================================================================

// Syncer runs invocations.
type Syncer interface {
	Run(ctx context.Context, req possync.Request) (*possync.Report, error)
}

// Prober probes source connectivity.
type Prober interface {
	Status(ctx context.Context) []*possync.SourceStatus
}

// HistoryReader reads persisted runs.
type HistoryReader interface {
	List(ctx context.Context, databaseID string, limit int) ([]*possync.SyncRun, error)
	Get(ctx context.Context, id string) (*possync.SyncRun, error)
}

// HealthChecker reports destination health.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// =============================================================================
// Server Configuration
// =============================================================================

// Config holds server configuration.
type Config struct {
	// Listen is the address to listen on (e.g., ":8080").
	Listen string

	// Tokens accepted as bearer tokens. Empty disables authentication.
	Tokens []string

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration

	// AuthFailureLimit failed attempts within AuthFailureWindow block a
	// client IP until the window expires.
	AuthFailureLimit  int
	AuthFailureWindow time.Duration

	Syncer  Syncer
	Prober  Prober
	History HistoryReader
	Health  HealthChecker

	// Events serves /sync/events. Optional.
	Events http.Handler
}

// =============================================================================
// Server
// =============================================================================

// Server is the possyncd HTTP API.
type Server struct {
	cfg     Config
	echo    *echo.Echo
	limiter *RateLimiter

	// runs outlives requests; cancelled once shutdown has drained.
	runs     context.Context
	stopRuns context.CancelFunc
}

// New validates cfg and registers the routes.
func New(cfg Config) (*Server, error) {
	if cfg.Syncer == nil {
		return nil, errors.NewMissingField("syncer")
	}
	if cfg.Prober == nil {
		return nil, errors.NewMissingField("prober")
	}
	if cfg.History == nil {
		return nil, errors.NewMissingField("history")
	}
	if cfg.Listen == "" {
		cfg.Listen = config.DefaultListenAddress
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = config.DefaultShutdownTimeout
	}
	if cfg.AuthFailureLimit <= 0 {
		cfg.AuthFailureLimit = config.DefaultAuthFailureLimit
	}
	if cfg.AuthFailureWindow <= 0 {
		cfg.AuthFailureWindow = config.DefaultAuthFailureWindow
	}

	s := &Server{
		cfg:     cfg,
		limiter: NewRateLimiter(cfg.AuthFailureLimit, cfg.AuthFailureWindow),
	}
	s.runs, s.stopRuns = context.WithCancel(context.Background())
	s.echo = s.routes()
	return s, nil
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	e.Use(middleware.Recover())
	e.Use(requestLogger())

	e.GET("/healthz", s.healthz)

	g := e.Group("/sync")
	if len(s.cfg.Tokens) > 0 {
		g.Use(s.authMiddleware()...)
	}
	g.POST("", s.triggerSync)
	g.GET("", s.syncStatus)
	g.GET("/history", s.listHistory)
	g.GET("/history/:id", s.getHistory)
	if s.cfg.Events != nil {
		g.GET("/events", echo.WrapHandler(s.cfg.Events))
	}

	return e
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "address", s.cfg.Listen)
		if err := s.echo.Start(s.cfg.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		s.limiter.Stop()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Shutdown stops the server gracefully. Syncs still running when ctx
// expires are cancelled and finalize as failed.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("shutting down")
	s.limiter.Stop()
	err := s.echo.Shutdown(ctx)
	s.stopRuns()
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// runContext detaches a sync from its request, so a client that hangs up
// does not abort a backfill. Shutdown still cancels it.
func (s *Server) runContext(req context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(req))
	stop := context.AfterFunc(s.runs, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// =============================================================================
// Middleware
// =============================================================================

// authMiddleware rejects blocked clients, then checks the bearer token.
// WebSocket clients that cannot set headers may pass ?access_token=.
func (s *Server) authMiddleware() []echo.MiddlewareFunc {
	block := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if s.limiter.IsBlocked(c.RealIP()) {
				return echo.NewHTTPError(http.StatusTooManyRequests, "too many failed authentication attempts")
			}
			return next(c)
		}
	}

	keyAuth := middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup:  "header:" + echo.HeaderAuthorization + ",query:access_token",
		AuthScheme: "Bearer",
		Validator: func(key string, c echo.Context) (bool, error) {
			if !s.validToken(key) {
				return false, nil
			}
			s.limiter.Reset(c.RealIP())
			return true, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			ip := c.RealIP()
			n := s.limiter.RecordFailure(ip)
			log.Warn("auth failed", "remote", ip, "path", c.Path(), "failure_count", n)
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing bearer token")
		},
	})

	return []echo.MiddlewareFunc{block, keyAuth}
}

func (s *Server) validToken(key string) bool {
	ok := false
	for _, t := range s.cfg.Tokens {
		if subtle.ConstantTimeCompare([]byte(key), []byte(t)) == 1 {
			ok = true
		}
	}
	return ok
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURIPath:  true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			args := []any{
				"method", v.Method,
				"path", v.URIPath,
				"status", v.Status,
				"duration", v.Latency,
				"remote", v.RemoteIP,
			}
			if v.Error != nil {
				log.Warn("request failed", append(args, "error", v.Error)...)
				return nil
			}
			log.Debug("request", args...)
			return nil
		},
	})
}

// =============================================================================
// Errors
// =============================================================================

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.IsValidation(err):
		return http.StatusBadRequest
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsConfiguration(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := statusFor(err)
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg = fmt.Sprint(he.Message)
	}
	if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
		log.Error("request error", "path", c.Path(), "error", err)
	}

	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(code)
	} else {
		werr = c.JSON(code, echo.Map{"success": false, "error": msg})
	}
	if werr != nil {
		log.Debug("write error response", "error", werr)
	}
}
