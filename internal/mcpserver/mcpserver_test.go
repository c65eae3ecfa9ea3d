package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/daraja/internal/tools"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewBuildsFromRegistry(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(tools.Descriptor{
		Name:        "echo",
		Description: "echoes",
		InputSchema: map[string]any{"type": "object"},
		Handler: func(_ context.Context, args map[string]any) (map[string]any, error) {
			return args, nil
		},
	})

	s, err := New(reg, Config{User: "analyst@example.com"}, "test", discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s == nil {
		t.Fatal("nil server")
	}
}

func TestAdaptHandlerSuccess(t *testing.T) {
	var gotUser string
	d := tools.Descriptor{
		Name: "whoami",
		Handler: func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			gotUser = tools.UserFromContext(ctx)
			return map[string]any{"success": true, "user": gotUser}, nil
		},
	}
	handler := adaptHandler(d, "analyst@example.com", discard())

	req := mcp.CallToolRequest{}
	req.Params.Name = "whoami"
	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %+v", result)
	}
	if gotUser != "analyst@example.com" {
		t.Errorf("handler saw user %q", gotUser)
	}

	if len(result.Content) != 1 {
		t.Fatalf("content = %+v", result.Content)
	}
	tc, ok := mcp.AsTextContent(result.Content[0])
	if !ok {
		t.Fatalf("content is not text: %+v", result.Content[0])
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(tc.Text), &decoded); err != nil {
		t.Fatalf("result text is not JSON: %v", err)
	}
	if decoded["success"] != true {
		t.Errorf("decoded = %v", decoded)
	}
}

func TestAdaptHandlerErrorBecomesToolError(t *testing.T) {
	d := tools.Descriptor{
		Name: "broken",
		Handler: func(context.Context, map[string]any) (map[string]any, error) {
			return nil, errors.New("backend unavailable")
		},
	}
	handler := adaptHandler(d, "analyst@example.com", discard())

	result, err := handler(context.Background(), mcp.CallToolRequest{})
	if err != nil {
		t.Fatalf("tool failures must not be protocol failures: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected IsError result")
	}
}
