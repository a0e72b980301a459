package gateway

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/prn-tf/bluetap/internal/metrics"
	"github.com/prn-tf/bluetap/internal/middleware"
)

// Router assembles the control-plane API from the handlers and the
// middleware chain.
type Router struct {
	cluster     *ClusterHandler
	objects     *ObjectHandler
	auth        *AuthHandler
	health      *HealthChecker
	sessionAuth *middleware.SessionAuth
	adminAuth   *middleware.AdminAuth
	rateLimiter *middleware.RateLimiter
	tracing     *middleware.Tracing
	inFlight    *middleware.MetricsMiddleware
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// RouterConfig contains the router's collaborators.
type RouterConfig struct {
	Cluster     *ClusterHandler
	Objects     *ObjectHandler
	Auth        *AuthHandler
	Health      *HealthChecker
	SessionAuth *middleware.SessionAuth
	AdminAuth   *middleware.AdminAuth
	RateLimiter *middleware.RateLimiter
	Tracing     *middleware.Tracing
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
}

// NewRouter creates a Router.
func NewRouter(config RouterConfig) *Router {
	var inFlight *middleware.MetricsMiddleware
	if config.Metrics != nil {
		inFlight = middleware.NewMetricsMiddleware(config.Metrics)
	}

	return &Router{
		cluster:     config.Cluster,
		objects:     config.Objects,
		auth:        config.Auth,
		health:      config.Health,
		sessionAuth: config.SessionAuth,
		adminAuth:   config.AdminAuth,
		rateLimiter: config.RateLimiter,
		tracing:     config.Tracing,
		inFlight:    inFlight,
		metrics:     config.Metrics,
		logger:      config.Logger.With().Str("component", "router").Logger(),
	}
}

// Handler returns the fully assembled HTTP handler. Session auth guards the
// object and logout routes, admin auth the destructive cluster routes; node
// registration and heartbeats authenticate by node identity and stay open.
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()

	// Cluster membership.
	mux.HandleFunc("POST /v1/cluster/nodes", rt.cluster.Register)
	mux.HandleFunc("POST /v1/cluster/nodes/{id}/heartbeat", rt.cluster.Heartbeat)
	mux.Handle("DELETE /v1/cluster/nodes/{id}", rt.admin(rt.cluster.Deregister))
	mux.Handle("GET /v1/cluster/nodes", rt.admin(rt.cluster.ListNodes))

	// Object control plane.
	mux.Handle("POST /v1/objects/plan", rt.session(rt.objects.PlaceWrite))
	mux.Handle("POST /v1/objects/{id}/finalize", rt.session(rt.objects.FinalizeWrite))
	mux.Handle("GET /v1/objects/{id}/replicas", rt.session(rt.objects.ListReplicas))
	mux.Handle("DELETE /v1/objects/{id}", rt.session(rt.objects.DeleteObject))

	// Login flow.
	mux.HandleFunc("POST /v1/auth/login", rt.auth.Login)
	mux.HandleFunc("POST /v1/auth/otp/verify", rt.auth.VerifyOTP)
	mux.Handle("POST /v1/auth/logout", rt.session(rt.auth.Logout))

	// Health and metrics, outside auth and rate limiting.
	if rt.health != nil {
		mux.HandleFunc("GET /health", rt.health.HandleHealth)
		mux.HandleFunc("GET /healthz", rt.health.HandleLiveness)
		mux.HandleFunc("GET /readyz", rt.health.HandleReadiness)
	}
	if rt.metrics != nil {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	// Chain, innermost to outermost.
	var handler http.Handler = mux
	if rt.rateLimiter != nil {
		handler = rt.rateLimiter.Middleware(handler)
	}
	if rt.inFlight != nil {
		handler = rt.inFlight.Middleware(handler)
	}
	if rt.tracing != nil {
		handler = rt.tracing.Middleware(handler)
	}
	return handler
}

func (rt *Router) session(h http.HandlerFunc) http.Handler {
	if rt.sessionAuth == nil {
		return h
	}
	return rt.sessionAuth.Middleware(h)
}

func (rt *Router) admin(h http.HandlerFunc) http.Handler {
	if rt.adminAuth == nil {
		return h
	}
	return rt.adminAuth.Middleware(h)
}
