package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jkaninda/daraja/internal/sandbox"
)

// ScriptExecutor is the slice of the sandbox executor run_script needs.
// Satisfied by *sandbox.Executor and observability.InstrumentedExecutor.
type ScriptExecutor interface {
	Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error)
	Capabilities() sandbox.Capabilities
}

// NewRunScript builds the run_script tool over the given executor.
func NewRunScript(exec ScriptExecutor) Descriptor {
	return Descriptor{
		Name: "run_script",
		Description: "Run a Python analysis script in a governed sandbox. The script can " +
			"call fetch_records, fetch_record, run_report, describe_report, list_reports, " +
			"search, describe_schema and run_query to read platform data, and print() to " +
			"produce output. Resource limits are enforced; use return_variables to get " +
			"final values back.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Python source to execute.",
				},
				"timeout_seconds": map[string]any{
					"type":        "integer",
					"description": fmt.Sprintf("Wall-clock limit, %d-%d (default %d).", sandbox.MinTimeoutSeconds, sandbox.MaxTimeoutSeconds, sandbox.DefaultTimeoutSeconds),
				},
				"memory_limit_mb": map[string]any{
					"type":        "integer",
					"description": fmt.Sprintf("Memory limit in MB, %d-%d (default %d).", sandbox.MinMemoryLimitMB, sandbox.MaxMemoryLimitMB, sandbox.DefaultMemoryLimitMB),
				},
				"cpu_limit_seconds": map[string]any{
					"type":        "integer",
					"description": fmt.Sprintf("CPU time limit in seconds, %d-%d (default %d).", sandbox.MinCPULimitSeconds, sandbox.MaxCPULimitSeconds, sandbox.DefaultCPULimitSeconds),
				},
				"max_recursion_depth": map[string]any{
					"type":        "integer",
					"description": fmt.Sprintf("Recursion depth limit, %d-%d (default %d).", sandbox.MinMaxRecursionDepth, sandbox.MaxMaxRecursionDepth, sandbox.DefaultMaxRecursionDepth),
				},
				"capture_output": map[string]any{
					"type":        "boolean",
					"description": "Include stdout in the result (default true).",
				},
				"return_variables": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Variable names whose final values are returned as strings.",
				},
				"data_query": map[string]any{
					"type":        "object",
					"description": "Optional pre-fetch bound as the `data` variable: {source, filters, fields, limit}.",
					"properties": map[string]any{
						"source":  map[string]any{"type": "string"},
						"filters": map[string]any{"type": "object"},
						"fields":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"limit":   map[string]any{"type": "integer"},
					},
				},
			},
			"required": []string{"code"},
		},
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			req, err := decodeRequest(args)
			if err != nil {
				return nil, err
			}
			req.User = UserFromContext(ctx)

			result, err := exec.Execute(ctx, req)
			if err != nil {
				// Scan rejections are tool data the model can act on, not
				// transport failures.
				var violation *sandbox.Violation
				if errors.As(err, &violation) {
					return map[string]any{
						"success":    false,
						"error":      violation.Message,
						"error_type": "SecurityViolation",
						"pattern":    violation.MatchedPattern,
					}, nil
				}
				return nil, err
			}
			return resultMap(result)
		},
	}
}

// decodeRequest maps raw tool arguments onto an ExecutionRequest.
// capture_output defaults to true when the key is absent.
func decodeRequest(args map[string]any) (sandbox.ExecutionRequest, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return sandbox.ExecutionRequest{}, fmt.Errorf("encoding arguments: %w", err)
	}
	req := sandbox.ExecutionRequest{CaptureOutput: true}
	if err := json.Unmarshal(data, &req); err != nil {
		return sandbox.ExecutionRequest{}, fmt.Errorf("decoding arguments: %w", err)
	}
	return req, nil
}

func resultMap(result *sandbox.ExecutionResult) (map[string]any, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding result: %w", err)
	}
	return out, nil
}
