// Package httpapi implements the HTTP API the host talks to.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/nvx/dynsecrets/internal/broker"
	"github.com/nvx/dynsecrets/internal/domain"
	"github.com/nvx/dynsecrets/internal/gateway"
	"github.com/nvx/dynsecrets/internal/observability"
	"github.com/nvx/dynsecrets/internal/ratelimit"
	"github.com/nvx/dynsecrets/internal/registry"
	"github.com/nvx/dynsecrets/internal/storage"
	"github.com/nvx/dynsecrets/internal/vault"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8400"
	EnableDocs     bool
	APIKeys        map[string]string // API key → client ID mapping.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	broker  *broker.Broker
	store   storage.Store // nil = audit endpoints disabled.
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the WebSocket event stream).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

var _ gateway.Gateway = (*Gateway)(nil)

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, b *broker.Broker, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	maxSize := cfg.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		broker:  b,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(maxSize)),
	}
}

// WithAuditStore attaches the audit store, enabling GET /v1/leases/events.
func (g *Gateway) WithAuditStore(store storage.Store) *Gateway {
	g.store = store
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given
// pattern. Used for the WebSocket event stream.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// WithOpenAPIDocs enables the generated OpenAPI documentation endpoint.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "dynsecrets",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.setupRoutes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// setupRoutes registers the middleware and all routes on the okapi engine.
func (g *Gateway) setupRoutes() {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/attempts", g.handleIntercept,
		okapi.DocSummary("Intercept a connection attempt and inject fresh credentials"),
		okapi.DocTags("Attempts"),
		okapi.DocRequestBody(InterceptRequest{}),
		okapi.DocResponse(InterceptResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusUnprocessableEntity, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/attempts/{id}/connected", g.handleConnected,
		okapi.DocSummary("Report that the attempt's connection was established"),
		okapi.DocTags("Attempts"),
		okapi.DocPathParam("id", "string", "Attempt key"),
		okapi.DocRequestBody(ConnectedRequest{}),
		okapi.DocResponse(LifecycleResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/attempts/{id}/failed", g.handleFailed,
		okapi.DocSummary("Report that the connection attempt failed"),
		okapi.DocTags("Attempts"),
		okapi.DocPathParam("id", "string", "Attempt key"),
		okapi.DocResponse(LifecycleResponse{}),
	)
	g.group.Post("/connections/{id}/closed", g.handleClosed,
		okapi.DocSummary("Report that an established connection was closed"),
		okapi.DocTags("Connections"),
		okapi.DocPathParam("id", "string", "Connection ID"),
		okapi.DocResponse(LifecycleResponse{}),
	)
	g.group.Get("/leases", g.handleLeases,
		okapi.DocSummary("Snapshot of pending and active leases"),
		okapi.DocTags("Leases"),
		okapi.DocResponse(LeasesResponse{}),
	)

	// Audit endpoint (only if a store is configured).
	if g.store != nil {
		g.group.Get("/leases/events", g.handleLeaseEvents,
			okapi.DocSummary("List lease lifecycle audit events"),
			okapi.DocTags("Leases"),
			okapi.DocResponse([]LeaseEventResponse{}),
		)
	}

	// Extra handlers (e.g., WebSocket event stream).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// InterceptRequest is the JSON body for POST /v1/attempts.
type InterceptRequest struct {
	AttemptID  string            `json:"attempt_id,omitempty"` // Empty = generated.
	Profile    string            `json:"profile"`
	Properties map[string]string `json:"properties,omitempty"`
}

// InterceptResponse is the JSON response for POST /v1/attempts.
type InterceptResponse struct {
	AttemptID  string            `json:"attempt_id"`
	LeaseID    string            `json:"lease_id,omitempty"`
	Properties map[string]string `json:"properties"`
}

func (g *Gateway) handleIntercept(c *okapi.Context) error {
	clientID := c.GetString("clientID")

	if g.limiter != nil {
		if err := g.limiter.Allow(clientID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req InterceptRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Profile == "" {
		return c.AbortBadRequest("profile is required")
	}

	attemptID := req.AttemptID
	if attemptID == "" {
		attemptID = uuid.New().String()
	}
	if req.Properties == nil {
		req.Properties = make(map[string]string)
	}

	g.logger.Info("http intercept",
		slog.String("client_id", clientID),
		slog.String("attempt_id", attemptID),
		slog.String("profile", req.Profile),
	)

	attempt := &broker.Attempt{
		Key:        domain.AttemptKey(attemptID),
		Profile:    req.Profile,
		Properties: req.Properties,
	}
	lease, err := g.broker.Intercept(c.Context(), attempt)
	if err != nil {
		return interceptError(c, err)
	}

	return c.OK(InterceptResponse{
		AttemptID:  attemptID,
		LeaseID:    lease.LeaseID,
		Properties: attempt.Properties,
	})
}

// ConnectedRequest is the JSON body for POST /v1/attempts/{id}/connected.
type ConnectedRequest struct {
	ConnectionID string `json:"connection_id"`
}

// LifecycleResponse is the JSON response for lifecycle notifications.
type LifecycleResponse struct {
	Status  string `json:"status"`
	LeaseID string `json:"lease_id,omitempty"`
}

func (g *Gateway) handleConnected(c *okapi.Context) error {
	clientID := c.GetString("clientID")
	if g.limiter != nil {
		if err := g.limiter.Allow(clientID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	attemptID := c.Param("id")
	var req ConnectedRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.ConnectionID == "" {
		return c.AbortBadRequest("connection_id is required")
	}

	lease, err := g.broker.Connected(c.Context(), domain.AttemptKey(attemptID), domain.ConnectionID(req.ConnectionID))
	if err != nil {
		var npe *registry.NoPendingLeaseError
		if errors.As(err, &npe) {
			return c.JSON(http.StatusConflict, okapi.M{"error": err.Error()})
		}
		return c.AbortInternalServerError("lifecycle update failed")
	}

	return c.OK(LifecycleResponse{Status: "active", LeaseID: lease.LeaseID})
}

func (g *Gateway) handleFailed(c *okapi.Context) error {
	clientID := c.GetString("clientID")
	if g.limiter != nil {
		if err := g.limiter.Allow(clientID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	attemptID := c.Param("id")
	g.broker.ConnectionFailed(c.Context(), domain.AttemptKey(attemptID))

	// Always 200: the pending lease is gone and any revoke failure has been
	// reported through the notification channels.
	return c.OK(LifecycleResponse{Status: "revoked"})
}

func (g *Gateway) handleClosed(c *okapi.Context) error {
	clientID := c.GetString("clientID")
	if g.limiter != nil {
		if err := g.limiter.Allow(clientID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	connectionID := c.Param("id")
	g.broker.ConnectionClosed(c.Context(), domain.ConnectionID(connectionID))

	return c.OK(LifecycleResponse{Status: "revoked"})
}

// LeaseInfo describes one tracked lease in the snapshot.
type LeaseInfo struct {
	ID           string    `json:"id"`
	LeaseID      string    `json:"lease_id,omitempty"`
	AttemptKey   string    `json:"attempt_key"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Profile      string    `json:"profile"`
	CreatedAt    time.Time `json:"created_at"`
}

// LeasesResponse is the JSON response for GET /v1/leases.
type LeasesResponse struct {
	Pending []LeaseInfo `json:"pending"`
	Active  []LeaseInfo `json:"active"`
}

func (g *Gateway) handleLeases(c *okapi.Context) error {
	pending, active := g.broker.Registry().Snapshot()

	resp := LeasesResponse{
		Pending: make([]LeaseInfo, 0, len(pending)),
		Active:  make([]LeaseInfo, 0, len(active)),
	}
	for _, l := range pending {
		resp.Pending = append(resp.Pending, leaseInfo(l))
	}
	for _, l := range active {
		resp.Active = append(resp.Active, leaseInfo(l))
	}
	return c.OK(resp)
}

func leaseInfo(l domain.Lease) LeaseInfo {
	return LeaseInfo{
		ID:           l.ID.String(),
		LeaseID:      l.LeaseID,
		AttemptKey:   string(l.AttemptKey),
		ConnectionID: string(l.Connection),
		Profile:      l.Profile,
		CreatedAt:    l.CreatedAt,
	}
}

// LeaseEventResponse is one audit record in GET /v1/leases/events.
type LeaseEventResponse struct {
	ID           string    `json:"id"`
	LeaseID      string    `json:"lease_id,omitempty"`
	AttemptKey   string    `json:"attempt_key,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Profile      string    `json:"profile,omitempty"`
	Event        string    `json:"event"`
	Detail       string    `json:"detail,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (g *Gateway) handleLeaseEvents(c *okapi.Context) error {
	query := c.Request().URL.Query()

	limit := 0
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.AbortBadRequest("limit must be a non-negative integer")
		}
		limit = n
	}

	events, err := g.store.ListLeaseEvents(c.Context(), storage.ListOptions{
		AttemptKey: query.Get("attempt_key"),
		Event:      query.Get("event"),
		Limit:      limit,
	})
	if err != nil {
		g.logger.Error("listing lease events failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing lease events failed")
	}

	resp := make([]LeaseEventResponse, len(events))
	for i, ev := range events {
		resp[i] = LeaseEventResponse{
			ID:           ev.ID.String(),
			LeaseID:      ev.LeaseID,
			AttemptKey:   ev.AttemptKey,
			ConnectionID: ev.Connection,
			Profile:      ev.Profile,
			Event:        ev.Event,
			Detail:       ev.Detail,
			CreatedAt:    ev.CreatedAt,
		}
	}
	return c.OK(resp)
}

// HealthResponse is the JSON response for the probe endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped client ID on the
// request context.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		clientID := ""
		for key, id := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				clientID = id
			}
		}
		if clientID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("clientID", clientID)
		return next(c)
	}
}

// --- Helpers ---

// interceptError maps broker errors to HTTP responses.
func interceptError(c *okapi.Context, err error) error {
	var cfgErr *broker.ConfigurationError
	var keyErr *broker.SecretKeyError
	var fetchErr *vault.FetchError
	switch {
	case errors.As(err, &cfgErr):
		return c.AbortBadRequest(cfgErr.Error())
	case errors.As(err, &keyErr):
		// The backing lease has already been revoked.
		return c.JSON(http.StatusUnprocessableEntity, okapi.M{"error": keyErr.Error()})
	case errors.As(err, &fetchErr):
		return c.JSON(http.StatusBadGateway, okapi.M{"error": fetchErr.Error()})
	default:
		return c.AbortInternalServerError("interception failed")
	}
}
