package sandbox

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/jkaninda/daraja/internal/platform"
)

// skipIfNoPython skips the test if no interpreter is installed.
func skipIfNoPython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available, skipping integration test")
	}
}

func newTestExecutor(t *testing.T, pf platform.Client) *Executor {
	t.Helper()
	skipIfNoPython(t)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(Config{}, pf, nil, nil, logger)
}

func TestExecuteBasicScript(t *testing.T) {
	e := newTestExecutor(t, nil)

	res, err := e.Execute(context.Background(), NewRequest(`print("hello from the sandbox")`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false: %+v", res.Err)
	}
	if res.Output != "hello from the sandbox\n" {
		t.Errorf("Output = %q", res.Output)
	}
	if res.ExecutionTimeMS < 0 {
		t.Errorf("ExecutionTimeMS = %d", res.ExecutionTimeMS)
	}
	if !res.Enforced.RecursionDepth {
		t.Error("Enforced.RecursionDepth = false, want true")
	}
}

func TestExecuteReturnVariables(t *testing.T) {
	e := newTestExecutor(t, nil)

	req := NewRequest("x = 40 + 2\nlabel = 'done'")
	req.ReturnVariables = []string{"x", "label", "never_bound"}

	res, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false: %+v", res.Err)
	}
	if res.Variables["x"] != "42" {
		t.Errorf("x = %q, want 42", res.Variables["x"])
	}
	if res.Variables["label"] != "done" {
		t.Errorf("label = %q, want done", res.Variables["label"])
	}
	if _, ok := res.Variables["never_bound"]; ok {
		t.Error("unbound name must be absent from variables")
	}
}

func TestExecuteCaptureOutputDisabled(t *testing.T) {
	e := newTestExecutor(t, nil)

	req := NewRequest(`print("noisy")`)
	req.CaptureOutput = false

	res, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false: %+v", res.Err)
	}
	if res.Output != "" {
		t.Errorf("Output = %q, want empty with capture disabled", res.Output)
	}
}

func TestExecuteTimeout(t *testing.T) {
	e := newTestExecutor(t, nil)

	req := NewRequest("while True:\n    pass")
	req.TimeoutSeconds = 1

	res, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("Success = true, want timeout")
	}
	if res.Err == nil || res.Err.Kind != KindTimeout {
		t.Fatalf("Err = %+v, want kind %s", res.Err, KindTimeout)
	}
	if res.Err.Limit != 1 {
		t.Errorf("Limit = %d, want 1", res.Err.Limit)
	}
	if len(res.Err.Hints) == 0 {
		t.Error("timeout must carry hints")
	}
}

func TestExecuteRecursionLimit(t *testing.T) {
	e := newTestExecutor(t, nil)

	req := NewRequest("def f(n):\n    return f(n + 1)\nf(0)")
	req.MaxRecursionDepth = 50

	res, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("Success = true, want recursion violation")
	}
	if res.Err == nil || res.Err.Kind != KindRecursion {
		t.Fatalf("Err = %+v, want kind %s", res.Err, KindRecursion)
	}
	if res.Err.Limit != 50 {
		t.Errorf("Limit = %d, want 50", res.Err.Limit)
	}
}

func TestExecuteMemoryLimit(t *testing.T) {
	e := newTestExecutor(t, nil)

	// Allocates well past the 64 MB address-space ceiling.
	req := NewRequest("block = bytearray(256 * 1024 * 1024)\nprint(len(block))")
	req.MemoryLimitMB = 64

	res, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("Success = true, want memory violation")
	}
	if res.Err == nil || res.Err.Kind != KindMemory {
		t.Fatalf("Err = %+v, want kind %s", res.Err, KindMemory)
	}
	if res.Err.Limit != 64 {
		t.Errorf("Limit = %d, want 64", res.Err.Limit)
	}
	if len(res.Err.Hints) == 0 {
		t.Error("memory violation must carry hints")
	}
}

func TestExecuteCPULimit(t *testing.T) {
	e := newTestExecutor(t, nil)

	// The wall clock is kept far above the CPU ceiling so the CPU limit
	// is what actually fires.
	req := NewRequest("while True:\n    pass")
	req.CPULimitSeconds = 1
	req.TimeoutSeconds = 30

	res, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("Success = true, want CPU violation")
	}
	if res.Err == nil || res.Err.Kind != KindCPU {
		t.Fatalf("Err = %+v, want kind %s", res.Err, KindCPU)
	}
	if res.Err.Limit != 1 {
		t.Errorf("Limit = %d, want 1", res.Err.Limit)
	}
	if len(res.Err.Hints) == 0 {
		t.Error("CPU violation must carry hints")
	}
}

func TestExecuteRuntimeFault(t *testing.T) {
	e := newTestExecutor(t, nil)

	res, err := e.Execute(context.Background(), NewRequest(`raise ValueError("boom")`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("Success = true, want runtime fault")
	}
	if res.Err == nil || res.Err.Kind != KindRuntime {
		t.Fatalf("Err = %+v, want kind %s", res.Err, KindRuntime)
	}
	if !strings.Contains(res.Err.Message, "ValueError") {
		t.Errorf("Message = %q, want the exception type", res.Err.Message)
	}
	if !strings.Contains(res.Traceback, "ValueError: boom") {
		t.Errorf("Traceback = %q, want the script traceback", res.Traceback)
	}
}

func TestExecuteRestrictedNamespace(t *testing.T) {
	e := newTestExecutor(t, nil)

	// getattr is deliberately absent from the curated builtins.
	res, err := e.Execute(context.Background(), NewRequest(`getattr(int, "bit_length")`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("Success = true, want NameError")
	}
	if res.Err == nil || res.Err.Kind != KindRuntime {
		t.Fatalf("Err = %+v, want kind %s", res.Err, KindRuntime)
	}
	if !strings.Contains(res.Err.Message, "NameError") {
		t.Errorf("Message = %q, want NameError", res.Err.Message)
	}
}

func TestExecuteStreamsOutput(t *testing.T) {
	e := newTestExecutor(t, nil)

	var lines []string
	req := NewRequest("for i in range(3):\n    print(f'line {i}')")
	req.OutputSink = func(line string) { lines = append(lines, line) }

	res, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false: %+v", res.Err)
	}
	if len(lines) != 3 || lines[0] != "line 0" || lines[2] != "line 2" {
		t.Errorf("streamed lines = %v", lines)
	}
	// The buffered result still carries the full output.
	if !strings.Contains(res.Output, "line 2") {
		t.Errorf("Output = %q", res.Output)
	}
}

func TestExecuteBridgeRoundTrip(t *testing.T) {
	pf := &fakeClient{records: []platform.Record{
		{"id": "t-1", "status": "open"},
		{"id": "t-2", "status": "closed"},
	}}
	e := newTestExecutor(t, pf)

	req := NewRequest("res = fetch_records(\"tickets\")\nprint(res[\"count\"])")
	req.User = "alice"

	res, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false: %+v", res.Err)
	}
	if res.Output != "2\n" {
		t.Errorf("Output = %q, want record count", res.Output)
	}
	if pf.lastUser != "alice" {
		t.Errorf("platform saw user %q, want alice", pf.lastUser)
	}
}

func TestExecuteBridgeFailureIsData(t *testing.T) {
	pf := &fakeClient{err: &platform.PermissionError{User: "bob", Resource: "payroll", Operation: "read"}}
	e := newTestExecutor(t, pf)

	req := NewRequest("res = fetch_records(\"payroll\")\nprint(res[\"success\"], res[\"error_type\"])")
	req.User = "bob"

	res, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// The script keeps running and branches on the failure itself.
	if !res.Success {
		t.Fatalf("Success = false: %+v", res.Err)
	}
	if res.Output != "False PermissionError\n" {
		t.Errorf("Output = %q", res.Output)
	}
}

func TestExecutePrefetchedData(t *testing.T) {
	pf := &fakeClient{records: []platform.Record{
		{"id": "t-1"}, {"id": "t-2"}, {"id": "t-3"},
	}}
	e := newTestExecutor(t, pf)

	req := NewRequest("print(len(data))")
	req.User = "alice"
	req.DataQuery = &DataQuery{Source: "tickets"}

	res, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false: %+v", res.Err)
	}
	if res.Output != "3\n" {
		t.Errorf("Output = %q, want prefetched record count", res.Output)
	}
}

// A violated limit in one run must not leak into the next: the limits live in
// the interpreter child, which dies with the run.
func TestExecuteLimitsIndependentAcrossRuns(t *testing.T) {
	e := newTestExecutor(t, nil)
	ctx := context.Background()

	first := NewRequest("def f(n):\n    return f(n + 1)\nf(0)")
	first.MaxRecursionDepth = 50
	res, err := e.Execute(ctx, first)
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	if res.Err == nil || res.Err.Kind != KindRecursion {
		t.Fatalf("first run Err = %+v, want recursion violation", res.Err)
	}

	// Deeper than the first run's ceiling, within the default.
	second := NewRequest("def g(n):\n    return 0 if n == 0 else g(n - 1)\nprint(g(60))")
	res, err = e.Execute(ctx, second)
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("second run failed, previous run's limit leaked: %+v", res.Err)
	}
	if res.Output != "0\n" {
		t.Errorf("Output = %q", res.Output)
	}
}
