package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/dorabot/dorabot/pkg/config"
	"github.com/dorabot/dorabot/pkg/database"
	"github.com/dorabot/dorabot/pkg/version"
)

// Server is the HTTPS endpoint: the WebSocket RPC surface plus an
// unauthenticated health probe. It binds to loopback only; the host owner
// is the only tenant.
type Server struct {
	echo    *echo.Echo
	http    *http.Server
	manager *Manager
	db      *database.Client
}

// NewServer builds the endpoint with the given TLS certificate. Start
// must be called to begin serving.
func NewServer(cfg *config.GatewayConfig, manager *Manager, db *database.Client, cert tls.Certificate) *Server {
	e := echo.New()

	s := &Server{
		echo:    e,
		manager: manager,
		db:      db,
	}

	e.Use(securityHeaders())
	e.GET("/health", s.healthHandler)
	e.GET("/ws", s.wsHandler)

	s.http = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		},
	}

	return s
}

// Start serves until Shutdown. The certificate and key live in the TLS
// config, so the file arguments stay empty.
func (s *Server) Start() error {
	slog.Info("Gateway listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// StartWithListener serves on a caller-provided listener instead of the
// configured port. Tests use it to bind an ephemeral loopback port.
func (s *Server) StartWithListener(ln net.Listener) error {
	slog.Info("Gateway listening", "addr", ln.Addr().String())
	if err := s.http.ServeTLS(ln, "", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// Shutdown drops all client connections and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.manager.Close()
	return s.http.Shutdown(ctx)
}

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// wsHandler upgrades HTTP connections to WebSocket and delegates to Manager.
func (s *Server) wsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// The listener binds to loopback and the token gates every method,
		// so browser-origin checks add nothing here.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	// HandleConnection blocks until the WebSocket closes.
	s.manager.HandleConnection(c.Request().Context(), conn)
	return nil
}

type healthResponse struct {
	Status   string                 `json:"status"`
	Version  string                 `json:"version"`
	Database *database.HealthStatus `json:"database"`
}

// healthHandler handles GET /health. Unauthenticated: it reports liveness
// and database reachability, nothing about sessions or events.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	health, err := database.Health(reqCtx, s.db.DB())

	status := "healthy"
	httpStatus := http.StatusOK
	if err != nil {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &healthResponse{
		Status:   status,
		Version:  version.Full(),
		Database: health,
	})
}
