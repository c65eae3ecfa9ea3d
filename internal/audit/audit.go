// Package audit persists execution audit records as append-only JSONL.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/jkaninda/daraja/internal/platform"
)

// Logger writes one JSON line per execution to an append-only file.
// Thread-safe: concurrent executions serialize on the file write only.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

var _ platform.AuditSink = (*Logger)(nil)

// NewLogger opens (or creates) the audit log file in append-only mode.
// File permissions are 0600 (owner read/write only).
func NewLogger(path string, logger *slog.Logger) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &Logger{
		file:   f,
		logger: logger,
	}, nil
}

// Record serializes the entry as JSON and appends it to the audit log.
// Marshal happens outside the lock; only the file write is serialized.
func (l *Logger) Record(ctx context.Context, entry platform.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	_, writeErr := l.file.Write(data)
	l.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing audit entry: %w", writeErr)
	}

	l.logger.DebugContext(ctx, "audit entry recorded",
		slog.String("user", entry.User),
		slog.Bool("success", entry.Success),
		slog.String("error_kind", entry.ErrorKind),
	)

	return nil
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
