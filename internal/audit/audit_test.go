package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/daraja/internal/platform"
)

func testLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := NewLogger(path, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestRecordWritesJSONL(t *testing.T) {
	l, path := testLogger(t)

	entry := platform.AuditEntry{
		Time:        time.Now().UTC(),
		User:        "analyst@example.com",
		CodeSnippet: "result = 1 + 1",
		DurationMS:  42,
		Success:     true,
	}
	if err := l.Record(context.Background(), entry); err != nil {
		t.Fatalf("Record: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got platform.AuditEntry
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("audit line is not valid JSON: %v", err)
	}
	if got.User != entry.User {
		t.Errorf("User = %q, want %q", got.User, entry.User)
	}
	if got.CodeSnippet != entry.CodeSnippet {
		t.Errorf("CodeSnippet = %q, want %q", got.CodeSnippet, entry.CodeSnippet)
	}
	if !got.Success {
		t.Error("Success not preserved")
	}
}

func TestFilePermissions(t *testing.T) {
	_, path := testLogger(t)

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("audit log permissions = %o, want 0600", perm)
	}
}

func TestConcurrentRecords(t *testing.T) {
	l, path := testLogger(t)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry := platform.AuditEntry{
				Time:      time.Now().UTC(),
				User:      "analyst@example.com",
				Success:   false,
				ErrorKind: "TimeoutExceeded",
			}
			if err := l.Record(context.Background(), entry); err != nil {
				t.Errorf("Record: %v", err)
			}
		}()
	}
	wg.Wait()

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var entry platform.AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", lines+1, err)
		}
		lines++
	}
	if lines != n {
		t.Errorf("got %d audit lines, want %d", lines, n)
	}
}

func TestAppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	for i := 0; i < 2; i++ {
		l, err := NewLogger(path, logger)
		if err != nil {
			t.Fatal(err)
		}
		if err := l.Record(context.Background(), platform.AuditEntry{User: "u"}); err != nil {
			t.Fatal(err)
		}
		l.Close()
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines++
	}
	if lines != 2 {
		t.Errorf("got %d lines after reopen, want 2", lines)
	}
}
