package sandbox

import (
	"context"
	"errors"
	"testing"
)

func TestScannerRejectsDeniedConstructs(t *testing.T) {
	tests := []struct {
		name        string
		code        string
		wantPattern string
	}{
		{"eval", `result = eval("1 + 1")`, "eval("},
		{"dunder import", `os = __import__("os")`, "__import__"},
		{"importlib", `import importlib`, "importlib"},
		{"open", `f = open("/etc/passwd")`, "open("},
		{"os system", `os.system("rm -rf /")`, "os.system"},
		{"subprocess", `import subprocess`, "subprocess"},
		{"socket", `s = socket.socket()`, "socket"},
		{"urllib", `import urllib`, "urllib"},
		// "urlopen(" contains "open(", which sits earlier in the deny
		// list; the call is still rejected, just under that pattern.
		{"urlopen call", `urllib.request.urlopen(url)`, "open("},
		{"builtins tampering", `__builtins__["x"] = 1`, "__builtins__"},
		{"subclasses walk", `().__class__.__bases__[0].__subclasses__()`, "__subclasses__"},
		{"case insensitive", `EVAL("1 + 1")`, "eval("},
		{"db write", `db.commit()`, "db.commit"},
	}

	s := NewScanner()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := s.Scan(tt.code)
			if v == nil {
				t.Fatal("Scan returned nil, want violation")
			}
			if v.MatchedPattern != tt.wantPattern {
				t.Errorf("matched pattern = %q, want %q", v.MatchedPattern, tt.wantPattern)
			}
			if v.Message == "" {
				t.Error("violation message is empty")
			}
		})
	}
}

func TestScannerAllowsCleanCode(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"arithmetic", "total = sum(x * 2 for x in range(10))\nprint(total)"},
		{"bridge call", `res = fetch_records("tickets", limit=50)`},
		{"read only query", `rows = run_query("SELECT id, status FROM tickets WHERE status = 'closed'")`},
		{"trailing semicolon", `rows = run_query("SELECT count(*) FROM tickets;")`},
		{"keyword inside identifier", `print(row["updated_at"], row["created_by"])`},
		{"safe stdlib", "import math\nprint(math.sqrt(2))"},
	}

	s := NewScanner()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if v := s.Scan(tt.code); v != nil {
				t.Errorf("Scan rejected clean code: %v", v)
			}
		})
	}
}

func TestScannerScreensEmbeddedSQL(t *testing.T) {
	tests := []struct {
		name        string
		code        string
		wantPattern string
	}{
		{"delete", `run_query("DELETE FROM tickets")`, "delete"},
		{"drop", `run_query("drop table tickets")`, "drop"},
		{"insert", `q = "INSERT INTO tickets VALUES (1)"`, "insert"},
		{"update lowercase", `q = 'update tickets set status = 1'`, "update"},
		{"truncate", `q = "TRUNCATE tickets"`, "truncate"},
		{"statement chaining", `run_query("SELECT 1; SELECT 2")`, ";"},
		{"triple quoted", "q = '''\nSELECT 1;\nDROP TABLE tickets\n'''", "drop"},
	}

	s := NewScanner()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := s.Scan(tt.code)
			if v == nil {
				t.Fatal("Scan returned nil, want violation")
			}
			if v.MatchedPattern != tt.wantPattern {
				t.Errorf("matched pattern = %q, want %q", v.MatchedPattern, tt.wantPattern)
			}
		})
	}
}

func TestViolationError(t *testing.T) {
	v := &Violation{MatchedPattern: "eval(", Message: "dynamic evaluation is not allowed"}
	got := v.Error()
	want := `security violation: dynamic evaluation is not allowed (matched "eval(")`
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

// A rejected script must be refused before anything is allocated: no
// interpreter, no limits, and in particular no platform calls.
func TestRejectedScriptMakesNoPlatformCalls(t *testing.T) {
	pf := &fakeClient{}
	e := New(Config{}, pf, nil, nil, discardLogger())

	req := NewRequest(`__import__("os").system("id")`)
	req.User = "alice"
	req.DataQuery = &DataQuery{Source: "tickets"}

	res, err := e.Execute(context.Background(), req)
	if res != nil {
		t.Fatalf("got result %+v, want none for a rejected script", res)
	}
	var v *Violation
	if !errors.As(err, &v) {
		t.Fatalf("error = %v, want *Violation", err)
	}
	if pf.calls != 0 {
		t.Errorf("platform calls = %d, want 0: rejection must precede the data pre-fetch", pf.calls)
	}
}
