package tools

import (
	"context"
	"log/slog"

	"github.com/jkaninda/daraja/internal/dataproxy"
	"github.com/jkaninda/daraja/internal/platform"
	"github.com/jkaninda/daraja/internal/sandbox"
)

// readTool declares one direct read tool. The handlers route through the
// same bridge dispatch the sandbox uses, so a model calling fetch_records
// directly and a script calling fetch_records() get identical semantics
// and identical permission checks.
type readTool struct {
	name        string
	description string
	schema      map[string]any
	required    []string
}

var readTools = []readTool{
	{
		name:        "fetch_records",
		description: "Fetch records from a source, with optional field-equality filters, field projection and limit.",
		schema: map[string]any{
			"source":  map[string]any{"type": "string", "description": "Source name."},
			"filters": map[string]any{"type": "object", "description": "Field-equality filters."},
			"fields":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"limit":   map[string]any{"type": "integer", "description": "Max records (default 100)."},
		},
		required: []string{"source"},
	},
	{
		name:        "fetch_record",
		description: "Fetch a single record by id.",
		schema: map[string]any{
			"source": map[string]any{"type": "string"},
			"id":     map[string]any{"type": "string"},
		},
		required: []string{"source", "id"},
	},
	{
		name: "run_report",
		description: "Run a named report. Completes within a bounded wait or returns status " +
			"\"queued\"; repeat the identical call to collect the cached result.",
		schema: map[string]any{
			"name":    map[string]any{"type": "string"},
			"filters": map[string]any{"type": "object"},
		},
		required: []string{"name"},
	},
	{
		name:        "describe_report",
		description: "Get a report's columns and filter guidance before running it.",
		schema: map[string]any{
			"name": map[string]any{"type": "string"},
		},
		required: []string{"name"},
	},
	{
		name:        "list_reports",
		description: "List available reports, optionally filtered by module and type.",
		schema: map[string]any{
			"module": map[string]any{"type": "string"},
			"type":   map[string]any{"type": "string"},
		},
	},
	{
		name:        "search",
		description: "Full-text search across one source, or all readable sources when source is omitted.",
		schema: map[string]any{
			"query":  map[string]any{"type": "string"},
			"source": map[string]any{"type": "string"},
			"limit":  map[string]any{"type": "integer", "description": "Max hits (default 20)."},
		},
		required: []string{"query"},
	},
	{
		name:        "describe_schema",
		description: "Get field and relationship metadata for a source.",
		schema: map[string]any{
			"source": map[string]any{"type": "string"},
		},
		required: []string{"source"},
	},
	{
		name:        "run_query",
		description: "Run a read-only SQL statement (SELECT/EXPLAIN/SHOW/DESCRIBE/WITH) against the reporting database.",
		schema: map[string]any{
			"statement": map[string]any{"type": "string"},
		},
		required: []string{"statement"},
	},
}

// RegisterAll registers run_script and the direct read tools on the registry.
func RegisterAll(reg *Registry, exec ScriptExecutor, pf platform.Client, proxy *dataproxy.Proxy, metrics sandbox.Metrics, logger *slog.Logger) {
	reg.Register(NewRunScript(exec))

	for _, rt := range readTools {
		op := rt.name
		schema := map[string]any{
			"type":       "object",
			"properties": rt.schema,
		}
		if len(rt.required) > 0 {
			schema["required"] = rt.required
		}
		reg.Register(Descriptor{
			Name:        rt.name,
			Description: rt.description,
			InputSchema: schema,
			Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				bridge := sandbox.NewBridge(pf, proxy, UserFromContext(ctx), metrics, logger)
				return bridge.Dispatch(ctx, op, args), nil
			},
		})
	}
}
