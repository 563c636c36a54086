package api

import (
	"context"
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/felthorpe/acsp-members/pkg/config"
	"github.com/felthorpe/acsp-members/pkg/httputil"
	"github.com/felthorpe/acsp-members/pkg/members"
	"github.com/felthorpe/acsp-members/pkg/middleware"
	"github.com/felthorpe/acsp-members/pkg/observability"
)

// Dependencies carries everything the server needs wired in
type Dependencies struct {
	Service *members.Service
	// Store backs the session-validity check
	Store middleware.MembershipSource
	// Users backs the authentication gate
	Users middleware.UserResolver
	// Redis enables distributed rate limiting when non-nil
	Redis   *redis.Client
	Metrics *observability.Metrics
	Logger  *observability.Logger
}

// Server is the membership API server: the public router behind the full
// middleware chain, plus a separate health/metrics listener.
type Server struct {
	cfg     *config.Config
	handler http.Handler
	health  http.Handler
	logger  *observability.Logger
}

// NewServer creates the API server and wires the middleware chain
func NewServer(cfg *config.Config, deps Dependencies) *Server {
	router := mux.NewRouter()

	// Outermost first: recovery must see every panic, identity must exist
	// before the session check runs.
	router.Use(
		middleware.Recovery(deps.Logger),
		middleware.RequestID,
		middleware.Logging(deps.Logger),
		middleware.Metrics(deps.Metrics),
	)
	if deps.Redis != nil && cfg.Redis.RateLimitEnabled {
		router.Use(middleware.NewRateLimit(deps.Redis, nil, deps.Logger).Handler)
	}
	router.Use(
		middleware.NewAuthenticator(deps.Users, deps.Metrics, deps.Logger).Handler,
		middleware.NewSessionValidity(deps.Store, deps.Metrics, deps.Logger).Handler,
	)

	NewMembershipHandlers(deps.Service, deps.Logger).RegisterRoutes(router)

	var handler http.Handler = router
	if cfg.Observability.OTelEnabled {
		handler = otelhttp.NewHandler(router, "acsp-members")
	}

	return &Server{
		cfg:     cfg,
		handler: handler,
		health:  newHealthHandler(cfg, deps.Metrics),
		logger:  deps.Logger,
	}
}

// ServeHTTP serves the public API surface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// newHealthHandler builds the health/metrics surface. It sits on its own
// port and runs none of the public middleware chain: probes and scrapes
// carry no identity headers.
func newHealthHandler(cfg *config.Config, metrics *observability.Metrics) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteSuccess(w, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	if cfg.Observability.MetricsEnabled && metrics != nil {
		router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}
	return router
}

// Run starts the public and health listeners and blocks until the context
// is cancelled or a listener fails. Shutdown is graceful within the
// configured timeout.
func (s *Server) Run(ctx context.Context) error {
	public := &http.Server{
		Addr:         s.cfg.Server.Host + ":" + s.cfg.Server.Port,
		Handler:      s.handler,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
	health := &http.Server{
		Addr:    s.cfg.Server.Host + ":" + s.cfg.Server.HealthPort,
		Handler: s.health,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		s.logger.WithField("addr", public.Addr).Info("starting API server")
		if err := public.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		s.logger.WithField("addr", health.Addr).Info("starting health server")
		if err := health.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()

		s.logger.Info("shutting down")
		if err := public.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Warn("API server shutdown failed")
		}
		return health.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
