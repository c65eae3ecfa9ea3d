package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/daraja/internal/dataproxy"
	"github.com/jkaninda/daraja/internal/platform"
)

// Bridge dispatches in-sandbox tool calls to the platform's read operations.
// Every call returns a plain ToolCallResult-shaped map — {success, data,
// count} or {success: false, error, error_type} — handed back to the running
// script as an ordinary value. A bridge failure never terminates the script;
// scripts branch on the success field.
//
// The bridge is bound to one user for one run. It holds no authorization
// state beyond that and is discarded with the run.
type Bridge struct {
	platform platform.Client
	proxy    *dataproxy.Proxy // nil = run_query reports unavailable
	user     string
	metrics  Metrics
	logger   *slog.Logger
}

// NewBridge creates a bridge bound to the given user's permission context.
func NewBridge(pf platform.Client, proxy *dataproxy.Proxy, user string, metrics Metrics, logger *slog.Logger) *Bridge {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Bridge{
		platform: pf,
		proxy:    proxy,
		user:     user,
		metrics:  metrics,
		logger:   logger,
	}
}

// Ops exposed to sandboxed scripts. The set is fixed; there is no dynamic
// registration from inside the sandbox.
const (
	opFetchRecords   = "fetch_records"
	opFetchRecord    = "fetch_record"
	opRunReport      = "run_report"
	opDescribeReport = "describe_report"
	opListReports    = "list_reports"
	opSearch         = "search"
	opDescribeSchema = "describe_schema"
	opRunQuery       = "run_query"
)

// Dispatch executes one bridge op and returns its ToolCallResult map.
// Arguments arrive as decoded JSON, so they are structured values bound to a
// fixed operation — they do not re-pass the lexical scanner. The one op that
// carries a free-form statement, run_query, goes through the data proxy's
// own read-only validation instead.
func (b *Bridge) Dispatch(ctx context.Context, op string, args map[string]any) map[string]any {
	start := time.Now()
	result := b.dispatch(ctx, op, args)

	status := "success"
	if ok, _ := result["success"].(bool); !ok {
		status = "error"
	}
	b.metrics.ObserveBridgeCall(op, status, time.Since(start).Seconds())
	b.logger.DebugContext(ctx, "bridge call",
		slog.String("op", op),
		slog.String("user", b.user),
		slog.String("status", status),
	)
	return result
}

func (b *Bridge) dispatch(ctx context.Context, op string, args map[string]any) map[string]any {
	if b.platform == nil && op != opRunQuery {
		return failMsg("no platform client configured", "OperationFailed")
	}

	switch op {
	case opFetchRecords:
		return b.fetchRecords(ctx, args)
	case opFetchRecord:
		return b.fetchRecord(ctx, args)
	case opRunReport:
		return b.runReport(ctx, args)
	case opDescribeReport:
		return b.describeReport(ctx, args)
	case opListReports:
		return b.listReports(ctx, args)
	case opSearch:
		return b.search(ctx, args)
	case opDescribeSchema:
		return b.describeSchema(ctx, args)
	case opRunQuery:
		return b.runQuery(ctx, args)
	default:
		return failMsg(fmt.Sprintf("unknown operation %q", op), "UnknownOperation")
	}
}

func (b *Bridge) fetchRecords(ctx context.Context, args map[string]any) map[string]any {
	source := argString(args, "source")
	if source == "" {
		return failMsg("source is required", "InvalidArguments")
	}
	limit := argInt(args, "limit", 100)

	records, err := b.platform.FetchRecords(ctx, b.user, source,
		argMap(args, "filters"), argStringSlice(args, "fields"), limit)
	if err != nil {
		return failResult(err)
	}
	return okResult(map[string]any{
		"data":  records,
		"count": len(records),
	})
}

func (b *Bridge) fetchRecord(ctx context.Context, args map[string]any) map[string]any {
	source := argString(args, "source")
	id := argString(args, "id")
	if source == "" || id == "" {
		return failMsg("source and id are required", "InvalidArguments")
	}

	record, err := b.platform.FetchRecord(ctx, b.user, source, id)
	if err != nil {
		return failResult(err)
	}
	return okResult(map[string]any{"data": record})
}

func (b *Bridge) runReport(ctx context.Context, args map[string]any) map[string]any {
	name := argString(args, "name")
	if name == "" {
		return failMsg("name is required", "InvalidArguments")
	}

	report, err := b.platform.RunReport(ctx, b.user, name, argMap(args, "filters"))
	if err != nil {
		return failResult(err)
	}
	return okResult(map[string]any{
		"data":    report.Data,
		"columns": report.Columns,
		"status":  report.Status,
		"run_id":  report.RunID,
		"message": report.Message,
	})
}

func (b *Bridge) describeReport(ctx context.Context, args map[string]any) map[string]any {
	name := argString(args, "name")
	if name == "" {
		return failMsg("name is required", "InvalidArguments")
	}

	desc, err := b.platform.DescribeReport(ctx, b.user, name)
	if err != nil {
		return failResult(err)
	}
	return okResult(map[string]any{
		"columns":         desc.Columns,
		"filter_guidance": desc.FilterGuidance,
	})
}

func (b *Bridge) listReports(ctx context.Context, args map[string]any) map[string]any {
	reports, err := b.platform.ListReports(ctx, b.user,
		argString(args, "module"), argString(args, "type"))
	if err != nil {
		return failResult(err)
	}
	return okResult(map[string]any{
		"reports": reports,
		"count":   len(reports),
	})
}

func (b *Bridge) search(ctx context.Context, args map[string]any) map[string]any {
	query := argString(args, "query")
	if query == "" {
		return failMsg("query is required", "InvalidArguments")
	}
	limit := argInt(args, "limit", 20)

	hits, err := b.platform.Search(ctx, b.user, query, argString(args, "source"), limit)
	if err != nil {
		return failResult(err)
	}
	return okResult(map[string]any{
		"results": hits,
		"count":   len(hits),
	})
}

func (b *Bridge) describeSchema(ctx context.Context, args map[string]any) map[string]any {
	source := argString(args, "source")
	if source == "" {
		return failMsg("source is required", "InvalidArguments")
	}

	schema, err := b.platform.DescribeSchema(ctx, b.user, source)
	if err != nil {
		return failResult(err)
	}
	return okResult(map[string]any{
		"fields": schema.Fields,
		"links":  schema.Links,
		"label":  schema.Label,
	})
}

func (b *Bridge) runQuery(ctx context.Context, args map[string]any) map[string]any {
	if b.proxy == nil {
		return failMsg("run_query is not available: no data proxy configured", "OperationFailed")
	}
	statement := argString(args, "statement")
	if statement == "" {
		return failMsg("statement is required", "InvalidArguments")
	}

	rows, err := b.proxy.Query(ctx, statement)
	if err != nil {
		return failResult(err)
	}
	return okResult(map[string]any{
		"data":  rows,
		"count": len(rows),
	})
}

// --- result shaping ---

func okResult(fields map[string]any) map[string]any {
	result := make(map[string]any, len(fields)+1)
	result["success"] = true
	for k, v := range fields {
		result[k] = v
	}
	return result
}

func failResult(err error) map[string]any {
	return failMsg(err.Error(), classifyError(err))
}

func failMsg(message, errType string) map[string]any {
	return map[string]any{
		"success":    false,
		"error":      message,
		"error_type": errType,
	}
}

// classifyError maps collaborator failures to the error_type values scripts
// branch on.
func classifyError(err error) string {
	var perm *platform.PermissionError
	if errors.As(err, &perm) {
		return "PermissionError"
	}
	var notFound *platform.NotFoundError
	if errors.As(err, &notFound) {
		return "NotFound"
	}
	var rejected *dataproxy.Rejected
	if errors.As(err, &rejected) {
		return "SecurityViolation"
	}
	return "OperationFailed"
}

// --- argument extraction (decoded JSON values) ---

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		if int(v) > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return def
}

func argMap(args map[string]any, key string) map[string]any {
	m, _ := args[key].(map[string]any)
	return m
}

func argStringSlice(args map[string]any, key string) []string {
	raw, _ := args[key].([]any)
	if len(raw) == 0 {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
