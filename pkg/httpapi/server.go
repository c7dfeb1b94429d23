// Package httpapi is the gateway's HTTP surface: the webhook ingress
// route and a small set of admin endpoints for tenant, credential, and
// broadcast management.
//
// Structured the way the teacher's pkg/api.Server is — a Server wrapping
// an *echo.Echo, routes registered in one place, a body-size limit
// middleware, a /health endpoint — generalized from a single-tenant
// alert-session API to a multi-tenant send gateway.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/sendgate/gateway/pkg/broadcast"
	"github.com/sendgate/gateway/pkg/metrics"
	"github.com/sendgate/gateway/pkg/store"
	"github.com/sendgate/gateway/pkg/vault"
	"github.com/sendgate/gateway/pkg/version"
	"github.com/sendgate/gateway/pkg/webhook"
)

// Server is the gateway's HTTP API server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	store     *store.Store
	vault     *vault.Service
	broadcast *broadcast.Service
	webhook   *webhook.Handler
	sink      *metrics.Sink

	ingressLimiter *rate.Limiter
}

// New builds a Server and registers every route.
func New(st *store.Store, v *vault.Service, bc *broadcast.Service, wh *webhook.Handler, sink *metrics.Sink) *Server {
	e := echo.New()
	s := &Server{
		echo:      e,
		store:     st,
		vault:     v,
		broadcast: bc,
		webhook:   wh,
		sink:      sink,
		// Webhook ingress throttle: bursty retried deliveries from the
		// platform shouldn't be able to starve the rest of the process.
		// golang.org/x/time/rate is a request-admission gate here, a
		// different job than the Send Queue's per-recipient buckets.
		ingressLimiter: rate.NewLimiter(rate.Limit(200), 400),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.Use(middleware.BodyLimit(2 * 1024 * 1024))
	s.echo.Use(s.ingressThrottle)

	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	webhookGroup := s.echo.Group("")
	s.webhook.Register(webhookGroup)

	admin := s.echo.Group("/admin/v1")
	admin.POST("/tenants", s.createTenantHandler)
	admin.GET("/tenants/:slug", s.getTenantHandler)
	admin.DELETE("/tenants/:slug", s.deleteTenantHandler)
	admin.POST("/tenants/:slug/credential", s.setCredentialHandler)

	admin.POST("/tenants/:slug/broadcasts", s.createBroadcastHandler)
	admin.POST("/broadcasts/:id/populate", s.populateBroadcastHandler)
	admin.POST("/broadcasts/:id/start", s.startBroadcastHandler)
	admin.POST("/broadcasts/:id/pause", s.pauseBroadcastHandler)
	admin.POST("/broadcasts/:id/cancel", s.cancelBroadcastHandler)
	admin.GET("/broadcasts/:id", s.getBroadcastHandler)

	admin.GET("/metrics/snapshot", s.metricsSnapshotHandler)
}

func (s *Server) ingressThrottle(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if !s.ingressLimiter.Allow() {
			return c.NoContent(http.StatusTooManyRequests)
		}
		return next(c)
	}
}

func (s *Server) healthHandler(c *echo.Context) error {
	health, err := s.store.Health(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "version": version.GitCommit, "store": health})
}

// Start runs the HTTP server until the context is canceled, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.echo,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("httpapi: listen: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
