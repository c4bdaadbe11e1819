package apiserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	fcmiddleware "github.com/flightctl/attestctl/internal/api_server/middleware"
	"github.com/flightctl/attestctl/internal/api_server/versioning"
	"github.com/flightctl/attestctl/internal/config"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// RegisterRoutesFunc mounts a binary's (Registrar's or Verifier's)
// resource handlers onto the router, after the shared middleware stack
// and path-based version negotiation have already run.
type RegisterRoutesFunc func(r chi.Router)

// Server is the shared chi HTTP server harness for the Registrar and
// Verifier binaries: request-id/logging/recovery middleware, path-based
// API versioning, mTLS peer-certificate propagation, health/readiness
// endpoints, and optional rate limiting, with route registration left
// to the caller.
type Server struct {
	log      logrus.FieldLogger
	cfg      *config.Config
	listener net.Listener
	srv      *http.Server

	shuttingDown bool
	shutdownAt   time.Time
}

// New wires the middleware stack and mounts routes via register. health
// reports readiness of the caller's dependencies (DB, KV store, ...).
func New(log logrus.FieldLogger, cfg *config.Config, listener net.Listener, register RegisterRoutesFunc, health ...HealthChecker) *Server {
	s := &Server{log: log, cfg: cfg, listener: listener}

	router := chi.NewRouter()
	router.Use(
		chimw.RequestSize(int64(cfg.Service.HttpMaxRequestSize)),
		fcmiddleware.RequestSizeLimiter(cfg.Service.HttpMaxUrlLength, cfg.Service.HttpMaxNumHeaders),
		fcmiddleware.RequestID,
		fcmiddleware.ChiLoggerWithAPIVersionTag(),
		chimw.Recoverer,
		// Installed on the root router so the version segment is stripped
		// before chi matches routes; a Group's middleware runs only after
		// a route has already matched.
		versioning.WithAPIVersion(versioning.NewDefaultRegistry(1)),
	)

	router.Get("/healthz", HealthzHandler().ServeHTTP)
	router.Get("/readyz", ReadyzHandler(5*time.Second, health...).ServeHTTP)
	router.Get("/shutdownz", ShutdownStatusHandler(s).ServeHTTP)

	router.Group(func(r chi.Router) {
		r.Use(fcmiddleware.CreateRouteExistsMiddleware(r))
		ConfigureRateLimiterFromConfig(r, cfg.RateLimit, RateLimitScopeGeneral)
		register(r)
	})

	var handler http.Handler = router
	if cfg.Service.RequireMTLS {
		s.srv = fcmiddleware.NewHTTPServerWithTLSContext(handler, log, cfg.Service.Address, cfg)
	} else {
		s.srv = fcmiddleware.NewHTTPServer(handler, log, cfg.Service.Address, cfg)
	}
	return s
}

// GetShutdownStatus implements ShutdownStatusProvider.
func (s *Server) GetShutdownStatus() ShutdownStatus {
	return ShutdownStatus{IsShuttingDown: s.shuttingDown, Since: s.shutdownAt}
}

// Run serves until ctx is cancelled, then drains in-flight requests for
// up to GracefulShutdownTimeout before returning.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.shuttingDown = true
		s.shutdownAt = time.Now().UTC()
		s.log.Infof("shutdown signal received: %v", ctx.Err())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), GracefulShutdownTimeout)
		defer cancel()
		s.srv.SetKeepAlivesEnabled(false)
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Errorf("graceful shutdown failed: %v", err)
		}
	}()

	s.log.Infof("listening on %s", s.listener.Addr().String())
	if err := s.srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
