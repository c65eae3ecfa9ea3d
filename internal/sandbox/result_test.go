package sandbox

import (
	"fmt"
	"strings"
	"testing"
)

func TestCaptureWriterUnderCap(t *testing.T) {
	w := newCaptureWriter(64, nil)
	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := w.String(); got != "hello\n" {
		t.Errorf("String() = %q, want %q", got, "hello\n")
	}
	if w.Truncated() {
		t.Error("Truncated() = true, want false")
	}
}

func TestCaptureWriterTruncates(t *testing.T) {
	w := newCaptureWriter(10, nil)
	n, err := w.Write([]byte(strings.Repeat("x", 25)))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	// Excess is consumed and counted, never stored.
	if n != 25 {
		t.Errorf("Write consumed %d bytes, want 25", n)
	}
	if !w.Truncated() {
		t.Fatal("Truncated() = false, want true")
	}

	got := w.String()
	if !strings.HasPrefix(got, strings.Repeat("x", 10)) {
		t.Errorf("captured prefix missing: %q", got)
	}
	wantMarker := "[output truncated at 10 bytes; original size 25 bytes]"
	if !strings.Contains(got, wantMarker) {
		t.Errorf("String() = %q, want marker %q", got, wantMarker)
	}
}

func TestCaptureWriterCountsAcrossWrites(t *testing.T) {
	w := newCaptureWriter(5, nil)
	for i := 0; i < 4; i++ {
		w.Write([]byte("abc"))
	}
	if !strings.Contains(w.String(), "original size 12 bytes") {
		t.Errorf("String() = %q, want total of 12 bytes reported", w.String())
	}
}

func TestCaptureWriterLineSink(t *testing.T) {
	var lines []string
	w := newCaptureWriter(1024, func(line string) { lines = append(lines, line) })

	w.Write([]byte("first\nsecond\ntrail"))
	if len(lines) != 2 || lines[0] != "first" || lines[1] != "second" {
		t.Fatalf("lines = %v, want [first second]", lines)
	}

	// The trailing partial line is delivered on Flush.
	w.Flush()
	if len(lines) != 3 || lines[2] != "trail" {
		t.Errorf("lines after Flush = %v, want trailing %q", lines, "trail")
	}
}

func TestCaptureWriterLineSplitAcrossWrites(t *testing.T) {
	var lines []string
	w := newCaptureWriter(1024, func(line string) { lines = append(lines, line) })

	w.Write([]byte("hel"))
	w.Write([]byte("lo\nworld\n"))
	if len(lines) != 2 || lines[0] != "hello" || lines[1] != "world" {
		t.Errorf("lines = %v, want [hello world]", lines)
	}
	w.Flush()
	if len(lines) != 2 {
		t.Errorf("Flush emitted a spurious line: %v", lines)
	}
}

func TestLimitResult(t *testing.T) {
	res := limitResult(KindMemory, "script exceeded the memory limit", 512)
	if res.Success {
		t.Error("Success = true, want false")
	}
	if res.Err == nil || res.Err.Kind != KindMemory {
		t.Fatalf("Err = %+v, want kind %s", res.Err, KindMemory)
	}
	if res.Err.Limit != 512 {
		t.Errorf("Limit = %d, want 512", res.Err.Limit)
	}
	if len(res.Err.Hints) == 0 {
		t.Error("governed violations must carry hints")
	}
}

func TestRuntimeResult(t *testing.T) {
	tb := "Traceback (most recent call last):\n  ...\nValueError: boom"
	res := runtimeResult(fmt.Sprintf("%s: %s", "ValueError", "boom"), tb)
	if res.Success {
		t.Error("Success = true, want false")
	}
	if res.Err == nil || res.Err.Kind != KindRuntime {
		t.Fatalf("Err = %+v, want kind %s", res.Err, KindRuntime)
	}
	if res.Traceback != tb {
		t.Errorf("Traceback = %q, want the script traceback", res.Traceback)
	}
}
