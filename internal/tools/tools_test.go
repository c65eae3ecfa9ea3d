package tools

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/jkaninda/daraja/internal/platform"
	"github.com/jkaninda/daraja/internal/sandbox"
)

func TestRegistryPanicsOnDuplicate(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Descriptor{Name: "x"})

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	reg.Register(Descriptor{Name: "x"})
}

func TestRegistryListSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		reg.Register(Descriptor{Name: name})
	}
	got := reg.List()
	want := []string{"alpha", "mid", "zeta"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("List() = %v, want %v", got, want)
		}
	}
}

func TestUserContextRoundTrip(t *testing.T) {
	ctx := ContextWithUser(context.Background(), "analyst@example.com")
	if got := UserFromContext(ctx); got != "analyst@example.com" {
		t.Errorf("UserFromContext = %q", got)
	}
	if got := UserFromContext(context.Background()); got != "" {
		t.Errorf("UserFromContext on empty ctx = %q, want empty", got)
	}
}

// fakeExecutor records the request it received and returns a fixed result.
type fakeExecutor struct {
	req    sandbox.ExecutionRequest
	result *sandbox.ExecutionResult
	err    error
}

func (f *fakeExecutor) Execute(_ context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	f.req = req
	return f.result, f.err
}

func (f *fakeExecutor) Capabilities() sandbox.Capabilities {
	return sandbox.Capabilities{WallClock: true, RecursionDepth: true}
}

func TestRunScriptDecodesArguments(t *testing.T) {
	exec := &fakeExecutor{result: &sandbox.ExecutionResult{Success: true, Output: "done\n"}}
	tool := NewRunScript(exec)

	ctx := ContextWithUser(context.Background(), "analyst@example.com")
	result, err := tool.Handler(ctx, map[string]any{
		"code":             "print('done')",
		"timeout_seconds":  float64(10),
		"return_variables": []any{"total"},
	})
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}

	if exec.req.Code != "print('done')" {
		t.Errorf("Code = %q", exec.req.Code)
	}
	if exec.req.TimeoutSeconds != 10 {
		t.Errorf("TimeoutSeconds = %d, want 10", exec.req.TimeoutSeconds)
	}
	if !exec.req.CaptureOutput {
		t.Error("CaptureOutput should default to true")
	}
	if exec.req.User != "analyst@example.com" {
		t.Errorf("User = %q", exec.req.User)
	}
	if len(exec.req.ReturnVariables) != 1 || exec.req.ReturnVariables[0] != "total" {
		t.Errorf("ReturnVariables = %v", exec.req.ReturnVariables)
	}

	if result["success"] != true {
		t.Errorf("result = %v", result)
	}
	if result["output"] != "done\n" {
		t.Errorf("output = %v", result["output"])
	}
}

func TestRunScriptCaptureOutputExplicitFalse(t *testing.T) {
	exec := &fakeExecutor{result: &sandbox.ExecutionResult{Success: true}}
	tool := NewRunScript(exec)

	_, err := tool.Handler(context.Background(), map[string]any{
		"code":           "x = 1",
		"capture_output": false,
	})
	if err != nil {
		t.Fatal(err)
	}
	if exec.req.CaptureOutput {
		t.Error("explicit capture_output=false was overridden")
	}
}

func TestRunScriptViolationBecomesToolData(t *testing.T) {
	exec := &fakeExecutor{err: &sandbox.Violation{
		MatchedPattern: "eval(",
		Message:        "dynamic code execution is not allowed",
	}}
	tool := NewRunScript(exec)

	result, err := tool.Handler(context.Background(), map[string]any{"code": "eval('1')"})
	if err != nil {
		t.Fatalf("violation should not surface as a Go error: %v", err)
	}
	if result["success"] != false {
		t.Errorf("success = %v, want false", result["success"])
	}
	if result["error_type"] != "SecurityViolation" {
		t.Errorf("error_type = %v", result["error_type"])
	}
	if result["pattern"] != "eval(" {
		t.Errorf("pattern = %v", result["pattern"])
	}
}

// fakeClient serves a single fixed record.
type fakeClient struct {
	platform.Client
	lastUser string
}

func (f *fakeClient) FetchRecords(_ context.Context, user, source string, _ map[string]any, _ []string, _ int) ([]platform.Record, error) {
	f.lastUser = user
	return []platform.Record{{"id": "DOC-1", "source": source}}, nil
}

func TestReadToolsRouteThroughBridge(t *testing.T) {
	reg := NewRegistry()
	pf := &fakeClient{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	RegisterAll(reg, &fakeExecutor{result: &sandbox.ExecutionResult{Success: true}}, pf, nil, nil, logger)

	for _, name := range []string{
		"run_script", "fetch_records", "fetch_record", "run_report",
		"describe_report", "list_reports", "search", "describe_schema", "run_query",
	} {
		if _, ok := reg.Get(name); !ok {
			t.Errorf("tool %q not registered", name)
		}
	}

	tool, _ := reg.Get("fetch_records")
	ctx := ContextWithUser(context.Background(), "analyst@example.com")
	result, err := tool.Handler(ctx, map[string]any{"source": "Customer"})
	if err != nil {
		t.Fatal(err)
	}
	if result["success"] != true {
		t.Fatalf("result = %v", result)
	}
	if pf.lastUser != "analyst@example.com" {
		t.Errorf("bridge user = %q", pf.lastUser)
	}
}
