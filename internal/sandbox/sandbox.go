// Package sandbox implements Daraja's governed script-execution core: static
// security screening, OS-level resource governance, a restricted execution
// environment, and structured result reporting. Analysis scripts run in a
// dedicated interpreter process — never in the host — and reach platform
// data only through the tool-call bridge and the read-only data proxy.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/daraja/internal/dataproxy"
	"github.com/jkaninda/daraja/internal/platform"
)

// Default and boundary values for execution limits.
const (
	DefaultTimeoutSeconds = 30
	MinTimeoutSeconds     = 1
	MaxTimeoutSeconds     = 300

	DefaultMemoryLimitMB = 512
	MinMemoryLimitMB     = 64
	MaxMemoryLimitMB     = 2048

	DefaultCPULimitSeconds = 60
	MinCPULimitSeconds     = 1
	MaxCPULimitSeconds     = 300

	DefaultMaxRecursionDepth = 100
	MinMaxRecursionDepth     = 50
	MaxMaxRecursionDepth     = 500

	// DefaultMaxOutputBytes caps captured stdout/stderr.
	DefaultMaxOutputBytes = 1 << 20 // 1 MiB

	// auditSnippetBytes bounds the code excerpt stored in audit records.
	auditSnippetBytes = 500
)

// ErrorKind tags a failed execution with the limit or fault that ended it.
// Callers branch on the kind; they never need to catch an internal error type.
type ErrorKind string

const (
	KindTimeout   ErrorKind = "TimeoutExceeded"
	KindMemory    ErrorKind = "MemoryLimitExceeded"
	KindCPU       ErrorKind = "CpuLimitExceeded"
	KindRecursion ErrorKind = "RecursionLimitExceeded"
	KindRuntime   ErrorKind = "UnhandledRuntimeFailure"
)

// DataQuery is an optional pre-fetch bound into the execution namespace as
// the `data` variable before the script runs.
type DataQuery struct {
	Source  string         `json:"source"`
	Filters map[string]any `json:"filters,omitempty"`
	Fields  []string       `json:"fields,omitempty"`
	Limit   int            `json:"limit,omitempty"`
}

// ExecutionRequest describes one sandboxed run.
type ExecutionRequest struct {
	// Code is the script source. Required.
	Code string `json:"code"`

	// Limits. Zero values take defaults; out-of-range values are clamped.
	TimeoutSeconds    int `json:"timeout_seconds,omitempty"`
	MemoryLimitMB     int `json:"memory_limit_mb,omitempty"`
	CPULimitSeconds   int `json:"cpu_limit_seconds,omitempty"`
	MaxRecursionDepth int `json:"max_recursion_depth,omitempty"`

	// CaptureOutput controls whether stdout/stderr appear in the result.
	// Output is always size-capped while the script runs either way.
	CaptureOutput bool `json:"capture_output"`

	// ReturnVariables lists names whose final values are rendered as strings
	// into ExecutionResult.Variables. Names never bound are absent.
	ReturnVariables []string `json:"return_variables,omitempty"`

	// DataQuery optionally pre-fetches records bound as `data`.
	DataQuery *DataQuery `json:"data_query,omitempty"`

	// User is the permission context inherited by every bridge call made
	// from inside this run. Never cached across calls.
	User string `json:"-"`

	// OutputSink, when set, receives each stdout line as it is produced.
	// Used by the streaming gateway endpoint. Not serialized.
	OutputSink func(line string) `json:"-"`
}

// NewRequest returns a request with default limits and output capture on.
func NewRequest(code string) ExecutionRequest {
	return ExecutionRequest{
		Code:              code,
		TimeoutSeconds:    DefaultTimeoutSeconds,
		MemoryLimitMB:     DefaultMemoryLimitMB,
		CPULimitSeconds:   DefaultCPULimitSeconds,
		MaxRecursionDepth: DefaultMaxRecursionDepth,
		CaptureOutput:     true,
	}
}

// Normalize applies defaults to zero fields and clamps limits into bounds.
func (r *ExecutionRequest) Normalize() {
	r.TimeoutSeconds = clamp(r.TimeoutSeconds, DefaultTimeoutSeconds, MinTimeoutSeconds, MaxTimeoutSeconds)
	r.MemoryLimitMB = clamp(r.MemoryLimitMB, DefaultMemoryLimitMB, MinMemoryLimitMB, MaxMemoryLimitMB)
	r.CPULimitSeconds = clamp(r.CPULimitSeconds, DefaultCPULimitSeconds, MinCPULimitSeconds, MaxCPULimitSeconds)
	r.MaxRecursionDepth = clamp(r.MaxRecursionDepth, DefaultMaxRecursionDepth, MinMaxRecursionDepth, MaxMaxRecursionDepth)
}

func clamp(v, def, min, max int) int {
	if v == 0 {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// limits returns the governed limit set for this request.
func (r *ExecutionRequest) limits() Limits {
	return Limits{
		WallClock:      time.Duration(r.TimeoutSeconds) * time.Second,
		MemoryMB:       r.MemoryLimitMB,
		CPUSeconds:     r.CPULimitSeconds,
		RecursionDepth: r.MaxRecursionDepth,
	}
}

// ExecutionError describes why a run failed, with the configured limit value
// and actionable hints so the calling model can self-correct.
type ExecutionError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Limit   int       `json:"limit,omitempty"` // configured limit for governed kinds
	Hints   []string  `json:"hints,omitempty"`
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ExecutionResult is the structured outcome of one run.
type ExecutionResult struct {
	Success         bool              `json:"success"`
	Output          string            `json:"output,omitempty"`
	Stderr          string            `json:"stderr,omitempty"`
	Variables       map[string]string `json:"variables,omitempty"`
	Err             *ExecutionError   `json:"error,omitempty"`
	Traceback       string            `json:"traceback,omitempty"`
	ExecutionTimeMS int64             `json:"execution_time_ms"`

	// Enforced records which limits were actually enforceable on this
	// platform; degraded enforcement is reported, never silent.
	Enforced Capabilities `json:"enforced_limits"`
}

// Metrics is the observation surface the executor reports into.
// Implemented by observability.MetricsCollector; nil-safe via noopMetrics.
type Metrics interface {
	ObserveExecution(status string, seconds float64)
	ObserveRejection(pattern string)
	ObserveLimitViolation(kind string)
	ObserveBridgeCall(op, status string, seconds float64)
}

type noopMetrics struct{}

func (noopMetrics) ObserveExecution(string, float64)          {}
func (noopMetrics) ObserveRejection(string)                   {}
func (noopMetrics) ObserveLimitViolation(string)              {}
func (noopMetrics) ObserveBridgeCall(string, string, float64) {}

// Config configures the executor.
type Config struct {
	// PythonBin is the interpreter binary. Default: "python3".
	PythonBin string

	// MaxOutputBytes caps captured stdout/stderr. Default: 1 MiB.
	MaxOutputBytes int
}

// Executor runs submitted scripts through the scan → govern → execute →
// assemble pipeline. Each call is stateless and independent; concurrent
// calls share no sandbox state, limits, or buffers.
type Executor struct {
	config   Config
	scanner  *Scanner
	limiter  Limiter
	platform platform.Client
	proxy    *dataproxy.Proxy // nil = run_query unavailable in the sandbox
	audit    platform.AuditSink
	metrics  Metrics
	logger   *slog.Logger
}

// New creates an executor. proxy and audit may be nil.
func New(cfg Config, pf platform.Client, proxy *dataproxy.Proxy, audit platform.AuditSink, logger *slog.Logger) *Executor {
	if cfg.PythonBin == "" {
		cfg.PythonBin = "python3"
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	return &Executor{
		config:   cfg,
		scanner:  NewScanner(),
		limiter:  NewLimiter(),
		platform: pf,
		proxy:    proxy,
		audit:    audit,
		metrics:  noopMetrics{},
		logger:   logger,
	}
}

// WithMetrics attaches a metrics sink.
func (e *Executor) WithMetrics(m Metrics) *Executor {
	if m != nil {
		e.metrics = m
	}
	return e
}

// Capabilities reports which limits this executor can enforce on the
// current platform.
func (e *Executor) Capabilities() Capabilities {
	return e.limiter.Capabilities()
}

// Execute runs one request end to end. For well-formed requests the only
// non-nil error is *Violation: a pre-execution rejection that allocated no
// resources and produced no ExecutionResult. Everything else — limit
// violations, script faults — is reported inside the result.
func (e *Executor) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if req.Code == "" {
		return nil, fmt.Errorf("no code provided")
	}
	req.Normalize()

	// Gate 1: the lexical deny-list. Runs before any limit is installed.
	if v := e.scanner.Scan(req.Code); v != nil {
		e.metrics.ObserveRejection(v.MatchedPattern)
		e.logger.WarnContext(ctx, "execution rejected by security scan",
			slog.String("user", req.User),
			slog.String("pattern", v.MatchedPattern),
		)
		return nil, v
	}

	start := time.Now()

	// Optional data pre-fetch, under the caller's permission context.
	var prefetched any
	if req.DataQuery != nil {
		records, err := e.prefetch(ctx, req.User, req.DataQuery)
		if err != nil {
			res := &ExecutionResult{
				Success: false,
				Err: &ExecutionError{
					Kind:    KindRuntime,
					Message: fmt.Sprintf("fetching data: %v", err),
					Hints:   []string{"check the data_query source name and filters", "verify read permission on the source"},
				},
				ExecutionTimeMS: time.Since(start).Milliseconds(),
				Enforced:        e.limiter.Capabilities(),
			}
			e.finish(ctx, req, res)
			return res, nil
		}
		prefetched = records
	}

	res := e.run(ctx, req, prefetched)
	res.ExecutionTimeMS = time.Since(start).Milliseconds()
	res.Enforced = e.limiter.Capabilities()

	e.finish(ctx, req, res)
	return res, nil
}

// prefetch executes the request's DataQuery through the platform client.
func (e *Executor) prefetch(ctx context.Context, user string, q *DataQuery) ([]platform.Record, error) {
	if e.platform == nil {
		return nil, fmt.Errorf("no platform client configured")
	}
	if q.Source == "" {
		return nil, fmt.Errorf("data_query requires a source")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	return e.platform.FetchRecords(ctx, user, q.Source, q.Filters, q.Fields, limit)
}

// finish records metrics and emits the audit entry. Audit writes are
// fire-and-forget: a failed write is logged and never fails the execution.
func (e *Executor) finish(ctx context.Context, req ExecutionRequest, res *ExecutionResult) {
	status := "success"
	if !res.Success {
		status = "error"
		if res.Err != nil {
			status = string(res.Err.Kind)
			switch res.Err.Kind {
			case KindTimeout, KindMemory, KindCPU, KindRecursion:
				e.metrics.ObserveLimitViolation(string(res.Err.Kind))
			}
		}
	}
	e.metrics.ObserveExecution(status, float64(res.ExecutionTimeMS)/1000)

	e.logger.InfoContext(ctx, "execution finished",
		slog.String("user", req.User),
		slog.String("status", status),
		slog.Int64("duration_ms", res.ExecutionTimeMS),
		slog.Int("output_bytes", len(res.Output)),
	)

	if e.audit == nil {
		return
	}
	entry := platform.AuditEntry{
		Time:        time.Now().UTC(),
		User:        req.User,
		CodeSnippet: snippet(req.Code, auditSnippetBytes),
		DurationMS:  res.ExecutionTimeMS,
		Success:     res.Success,
		ResourceUsage: platform.ResourceUsage{
			TimeoutSeconds:    req.TimeoutSeconds,
			MemoryLimitMB:     req.MemoryLimitMB,
			CPULimitSeconds:   req.CPULimitSeconds,
			MaxRecursionDepth: req.MaxRecursionDepth,
		},
	}
	if res.Err != nil {
		entry.ErrorKind = string(res.Err.Kind)
	}
	if err := e.audit.Record(ctx, entry); err != nil {
		e.logger.WarnContext(ctx, "audit write failed",
			slog.String("user", req.User),
			slog.String("error", err.Error()),
		)
	}
}

func snippet(code string, max int) string {
	if len(code) <= max {
		return code
	}
	return code[:max] + "..."
}
