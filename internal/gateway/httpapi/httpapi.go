// Package httpapi implements the HTTP API gateway for Daraja.
//
// Security:
//   - API key authentication on every request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-user rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/daraja/internal/observability"
	"github.com/jkaninda/daraja/internal/ratelimit"
	"github.com/jkaninda/daraja/internal/sandbox"
	"github.com/jkaninda/daraja/internal/tools"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

var (
	errCodeRequired = errors.New("code is required")
	errCodeTooLarge = errors.New("code exceeds the maximum request size")
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → user ID mapping. Keys from env.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway. It exposes script execution and the
// read-only tool set over authenticated JSON endpoints, plus a WebSocket
// endpoint that streams script output line by line.
type Gateway struct {
	config   Config
	registry *tools.Registry
	executor tools.ScriptExecutor
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway over the given tool registry and
// script executor.
func NewGateway(cfg Config, reg *tools.Registry, exec tools.ScriptExecutor, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:   cfg,
		registry: reg,
		executor: exec,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Daraja",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Authenticated /v1 group, instrumented ahead of authentication so
	// rejected requests are counted too.
	var middlewares []okapi.Middleware
	if g.config.Metrics != nil || g.config.Tracer != nil {
		middlewares = append(middlewares, observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}
	middlewares = append(middlewares, g.authenticate)
	g.group = g.okapi.Group("/v1", middlewares...)

	g.group.Post("/execute", g.handleExecute,
		okapi.DocSummary("Run a Python script in the governed sandbox"),
		okapi.DocTags("Execute"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(ExecuteResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/tools", g.handleToolList,
		okapi.DocSummary("List available tools with their input schemas"),
		okapi.DocTags("Tools"),
		okapi.DocResponse([]ToolInfo{}),
	)
	g.group.Post("/tools/{name}", g.handleToolCall,
		okapi.DocSummary("Invoke a tool by name"),
		okapi.DocTags("Tools"),
		okapi.DocPathParam("name", "string", "Tool name"),
		okapi.DocResponse(map[string]any{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/capabilities", g.handleCapabilities,
		okapi.DocSummary("Report which resource limits are enforceable on this host"),
		okapi.DocTags("Execute"),
		okapi.DocResponse(sandbox.Capabilities{}),
	)
	g.group.Get("/healthz", g.handleHealth,
		okapi.DocSummary("Authenticated health check"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)

	// WebSocket streaming endpoint. Authenticates inside the handler since
	// the upgrade happens on the raw connection.
	g.okapi.HandleStd("GET", "/v1/execute/stream", g.handleExecuteStream)

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

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// ExecuteRequest is the JSON body for POST /v1/execute.
type ExecuteRequest struct {
	Code              string             `json:"code"`
	TimeoutSeconds    int                `json:"timeout_seconds,omitempty"`
	MemoryLimitMB     int                `json:"memory_limit_mb,omitempty"`
	CPULimitSeconds   int                `json:"cpu_limit_seconds,omitempty"`
	MaxRecursionDepth int                `json:"max_recursion_depth,omitempty"`
	CaptureOutput     *bool              `json:"capture_output,omitempty"` // nil = true
	ReturnVariables   []string           `json:"return_variables,omitempty"`
	DataQuery         *sandbox.DataQuery `json:"data_query,omitempty"`
}

// executionRequest converts the HTTP body into a sandbox request for the
// given user. Zero limits take defaults; out-of-range values are clamped by
// the executor.
func (r *ExecuteRequest) executionRequest(userID string) sandbox.ExecutionRequest {
	req := sandbox.ExecutionRequest{
		Code:              r.Code,
		TimeoutSeconds:    r.TimeoutSeconds,
		MemoryLimitMB:     r.MemoryLimitMB,
		CPULimitSeconds:   r.CPULimitSeconds,
		MaxRecursionDepth: r.MaxRecursionDepth,
		CaptureOutput:     true,
		ReturnVariables:   r.ReturnVariables,
		DataQuery:         r.DataQuery,
		User:              userID,
	}
	if r.CaptureOutput != nil {
		req.CaptureOutput = *r.CaptureOutput
	}
	return req
}

// ExecuteResponse is the JSON response for POST /v1/execute.
type ExecuteResponse struct {
	CorrelationID string                   `json:"correlation_id"`
	Result        *sandbox.ExecutionResult `json:"result"`
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	userID := c.GetString("userID")

	if g.limiter != nil {
		if err := g.limiter.Allow(userID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if strings.TrimSpace(req.Code) == "" {
		return c.AbortBadRequest("code is required")
	}
	if int64(len(req.Code)) > g.config.MaxRequestSize {
		return c.AbortBadRequest("code exceeds the maximum request size")
	}

	correlationID := newCorrelationID()

	g.logger.Info("http execute",
		slog.String("user_id", userID),
		slog.String("correlation_id", correlationID),
		slog.Int("code_bytes", len(req.Code)),
	)

	result, err := g.executor.Execute(c.Context(), req.executionRequest(userID))
	if err != nil {
		// Rejections and failures are still structured responses; only a
		// broken executor reaches here.
		var violation *sandbox.Violation
		if errors.As(err, &violation) {
			return c.JSON(http.StatusBadRequest, okapi.M{
				"error":           violation.Message,
				"error_type":      "SecurityViolation",
				"matched_pattern": violation.MatchedPattern,
				"correlation_id":  correlationID,
			})
		}
		g.logger.Error("execution failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("execution failed")
	}

	return c.OK(ExecuteResponse{
		CorrelationID: correlationID,
		Result:        result,
	})
}

// ToolInfo describes one registered tool for GET /v1/tools.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

func (g *Gateway) handleToolList(c *okapi.Context) error {
	all := g.registry.All()
	resp := make([]ToolInfo, len(all))
	for i, d := range all {
		resp[i] = ToolInfo{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		}
	}
	return c.OK(resp)
}

func (g *Gateway) handleToolCall(c *okapi.Context) error {
	userID := c.GetString("userID")

	if g.limiter != nil {
		if err := g.limiter.Allow(userID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	name := c.Param("name")
	desc, ok := g.registry.Get(name)
	if !ok {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "unknown tool: " + name})
	}

	args := map[string]any{}
	if err := c.Bind(&args); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	correlationID := newCorrelationID()

	g.logger.Info("http tool call",
		slog.String("user_id", userID),
		slog.String("correlation_id", correlationID),
		slog.String("tool", name),
	)

	result, err := desc.Handler(tools.ContextWithUser(c.Context(), userID), args)
	if err != nil {
		g.logger.Error("tool call failed",
			slog.String("correlation_id", correlationID),
			slog.String("tool", name),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("tool call failed")
	}

	return c.OK(result)
}

func (g *Gateway) handleCapabilities(c *okapi.Context) error {
	return c.OK(g.executor.Capabilities())
}

// HealthResponse is the JSON response for health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleLiveness is the Kubernetes liveness probe
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

// authenticate validates the API key and stores the mapped user ID on the
// request context.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		userID := g.resolveUser(apiKey)
		if userID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// resolveUser maps an API key to its user ID using constant-time comparison,
// or returns "" when the key is unknown.
func (g *Gateway) resolveUser(apiKey string) string {
	userID := ""
	for key, user := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			userID = user
		}
	}
	return userID
}

// --- Helpers ---

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
