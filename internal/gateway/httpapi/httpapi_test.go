package httpapi

import (
	"testing"

	"github.com/jkaninda/daraja/internal/sandbox"
)

func TestResolveUser(t *testing.T) {
	g := &Gateway{config: Config{APIKeys: map[string]string{
		"key-analyst": "analyst@example.com",
		"key-admin":   "admin@example.com",
	}}}

	if got := g.resolveUser("key-analyst"); got != "analyst@example.com" {
		t.Errorf("resolveUser(key-analyst) = %q", got)
	}
	if got := g.resolveUser("key-admin"); got != "admin@example.com" {
		t.Errorf("resolveUser(key-admin) = %q", got)
	}
	if got := g.resolveUser("wrong"); got != "" {
		t.Errorf("resolveUser(wrong) = %q, want empty", got)
	}
	if got := g.resolveUser(""); got != "" {
		t.Errorf("resolveUser(empty) = %q, want empty", got)
	}
}

func TestExecutionRequestConversion(t *testing.T) {
	req := ExecuteRequest{
		Code:            "print('hi')",
		TimeoutSeconds:  5,
		ReturnVariables: []string{"total"},
		DataQuery:       &sandbox.DataQuery{Source: "Customer"},
	}

	got := req.executionRequest("analyst@example.com")
	if got.User != "analyst@example.com" {
		t.Errorf("User = %q", got.User)
	}
	if !got.CaptureOutput {
		t.Error("CaptureOutput should default to true")
	}
	if got.TimeoutSeconds != 5 {
		t.Errorf("TimeoutSeconds = %d", got.TimeoutSeconds)
	}
	if got.DataQuery == nil || got.DataQuery.Source != "Customer" {
		t.Errorf("DataQuery = %+v", got.DataQuery)
	}

	off := false
	req.CaptureOutput = &off
	got = req.executionRequest("analyst@example.com")
	if got.CaptureOutput {
		t.Error("explicit capture_output=false should be honored")
	}
}
