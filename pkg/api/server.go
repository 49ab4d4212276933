package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gentmat/bore-control/pkg/auth"
	"github.com/gentmat/bore-control/pkg/capacity"
	"github.com/gentmat/bore-control/pkg/events"
	"github.com/gentmat/bore-control/pkg/health"
	"github.com/gentmat/bore-control/pkg/instance"
	"github.com/gentmat/bore-control/pkg/log"
	"github.com/gentmat/bore-control/pkg/metrics"
	"github.com/gentmat/bore-control/pkg/relay"
	"github.com/gentmat/bore-control/pkg/store"
	"github.com/gentmat/bore-control/pkg/token"
)

// Deps bundles everything the HTTP server needs
type Deps struct {
	Store       store.Store
	Auth        *auth.Manager
	Instances   *instance.Manager
	Health      *health.Engine
	Relays      *relay.Registry
	Admission   *capacity.Admission
	Tokens      *token.Broker
	Bus         *events.Bus
	InternalKey string
	Production  bool
}

// Server is the control plane HTTP surface
type Server struct {
	store       store.Store
	auth        *auth.Manager
	instances   *instance.Manager
	health      *health.Engine
	relays      *relay.Registry
	admission   *capacity.Admission
	tokens      *token.Broker
	bus         *events.Bus
	internalKey string
	production  bool

	router chi.Router
	srv    *http.Server
}

// NewServer builds the router
func NewServer(deps Deps) *Server {
	s := &Server{
		store:       deps.Store,
		auth:        deps.Auth,
		instances:   deps.Instances,
		health:      deps.Health,
		relays:      deps.Relays,
		admission:   deps.Admission,
		tokens:      deps.Tokens,
		bus:         deps.Bus,
		internalKey: deps.InternalKey,
		production:  deps.Production,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(requestMetrics)

	r.Get("/healthz", metrics.HealthHandler())
	r.Get("/readyz", metrics.ReadyHandler())
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/signup", s.handleSignup)
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/refresh", s.handleRefresh)
		r.Post("/auth/logout", s.handleLogout)
		r.Post("/waitlist", s.handleJoinWaitlist)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Post("/auth/logout-all", s.handleLogoutAll)
			r.Get("/auth/me", s.handleMe)
			r.Post("/plans/claim", s.handleClaimPlan)
			r.Get("/capacity", s.handleCapacity)
			r.Get("/events", s.handleEvents)

			r.Route("/instances", func(r chi.Router) {
				r.Get("/", s.handleListInstances)
				r.Post("/", s.handleCreateInstance)
				r.Route("/{instanceID}", func(r chi.Router) {
					r.Get("/", s.handleGetInstance)
					r.Patch("/", s.handleRenameInstance)
					r.Delete("/", s.handleDeleteInstance)
					r.Post("/connect", s.handleConnect)
					r.Post("/disconnect", s.handleDisconnect)
					r.Post("/heartbeat", s.handleHeartbeat)
					r.Get("/status-history", s.handleStatusHistory)
					r.Get("/health", s.handleInstanceHealth)
				})
			})
		})
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(s.requireInternalKey)
		r.Post("/validate-key", s.handleValidateKey)
		r.Post("/instances/{instanceID}/tunnel-connected", s.handleTunnelConnected)
		r.Post("/instances/{instanceID}/tunnel-disconnected", s.handleTunnelDisconnected)
		r.Post("/relays/register", s.handleRegisterRelay)
		r.Post("/relays/{relayID}/load", s.handleRelayLoad)
		r.Get("/fleet", s.handleFleet)
	})

	s.router = r
	return s
}

// Handler exposes the router, used by tests
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until the listener fails or Shutdown is called
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.WithComponent("api").Info().Str("addr", addr).Msg("http server listening")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
