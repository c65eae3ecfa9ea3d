package sandbox

import (
	"bytes"
	"fmt"
	"sync"
)

// captureWriter buffers stream output up to a byte ceiling while counting the
// total bytes the script produced, so the truncation marker can state the
// original size. Optionally forwards complete lines to a sink as they arrive.
// Safe for the single writer goroutine os/exec uses per stream.
type captureWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	max     int
	total   int64
	sink    func(line string)
	lineBuf []byte
}

func newCaptureWriter(max int, sink func(line string)) *captureWriter {
	return &captureWriter{max: max, sink: sink}
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.total += int64(len(p))

	if remaining := w.max - w.buf.Len(); remaining > 0 {
		chunk := p
		if len(chunk) > remaining {
			chunk = chunk[:remaining]
		}
		w.buf.Write(chunk)
	}

	if w.sink != nil {
		w.forwardLines(p)
	}

	// Report full consumption: excess beyond the cap is counted, not stored.
	return len(p), nil
}

// forwardLines splits the stream into lines for the streaming sink.
func (w *captureWriter) forwardLines(p []byte) {
	w.lineBuf = append(w.lineBuf, p...)
	for {
		i := bytes.IndexByte(w.lineBuf, '\n')
		if i < 0 {
			return
		}
		w.sink(string(w.lineBuf[:i]))
		w.lineBuf = w.lineBuf[i+1:]
	}
}

// Flush forwards any trailing partial line to the sink.
func (w *captureWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sink != nil && len(w.lineBuf) > 0 {
		w.sink(string(w.lineBuf))
		w.lineBuf = nil
	}
}

// String returns the captured output, with a truncation marker stating the
// original size when the ceiling was exceeded.
func (w *captureWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.total <= int64(w.max) {
		return w.buf.String()
	}
	return fmt.Sprintf("%s\n... [output truncated at %d bytes; original size %d bytes]",
		w.buf.String(), w.max, w.total)
}

// Truncated reports whether output exceeded the ceiling.
func (w *captureWriter) Truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total > int64(w.max)
}

// limitResult builds the result for a governed-limit violation.
func limitResult(kind ErrorKind, message string, limit int) *ExecutionResult {
	return &ExecutionResult{
		Success: false,
		Err: &ExecutionError{
			Kind:    kind,
			Message: message,
			Limit:   limit,
			Hints:   hintsFor(kind),
		},
	}
}

// runtimeResult builds the result for an unclassified script fault. This is
// the only path that surfaces a traceback to the caller.
func runtimeResult(message, traceback string) *ExecutionResult {
	return &ExecutionResult{
		Success: false,
		Err: &ExecutionError{
			Kind:    KindRuntime,
			Message: message,
			Hints:   []string{"inspect the traceback", "fix the script and resubmit"},
		},
		Traceback: traceback,
	}
}
