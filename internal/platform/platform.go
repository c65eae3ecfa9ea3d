// Package platform defines the contract between Daraja's execution core and
// the business-data platform it bridges into. The core consumes these
// interfaces only; concrete backends live in subpackages (gormstore) or in
// the host deployment.
package platform

import (
	"context"
	"fmt"
	"time"
)

// Record is a single platform record as plain, transport-safe data.
// No live handles, no backend wrapper types.
type Record map[string]any

// FieldDef describes one field of a source's schema.
type FieldDef struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Label    string `json:"label,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// LinkDef describes a relationship from a source field to another source.
type LinkDef struct {
	Field  string `json:"field"`
	Target string `json:"target"`
}

// SchemaDescription is the field and relationship metadata for a source.
type SchemaDescription struct {
	Source string     `json:"source"`
	Label  string     `json:"label,omitempty"`
	Fields []FieldDef `json:"fields"`
	Links  []LinkDef  `json:"links,omitempty"`
}

// Report run statuses returned by RunReport.
const (
	ReportStatusCompleted = "completed" // executed within the wait window
	ReportStatusQueued    = "queued"    // still running; retry the same call to collect
	ReportStatusCached    = "cached"    // served from a previously completed run
)

// ReportResult is the outcome of a report execution.
type ReportResult struct {
	RunID   string   `json:"run_id"`
	Name    string   `json:"name"`
	Status  string   `json:"status"`
	Data    []Record `json:"data,omitempty"`
	Columns []string `json:"columns,omitempty"`
	Message string   `json:"message,omitempty"`
}

// ReportInfo is a report registry listing entry.
type ReportInfo struct {
	Name        string `json:"name"`
	Module      string `json:"module,omitempty"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// ReportDescription is the metadata needed to call a report correctly.
type ReportDescription struct {
	Name           string   `json:"name"`
	Columns        []string `json:"columns"`
	FilterGuidance string   `json:"filter_guidance,omitempty"`
}

// SearchHit is one result from a full-text search across sources.
type SearchHit struct {
	Source  string `json:"source"`
	ID      string `json:"id"`
	Snippet string `json:"snippet,omitempty"`
}

// Client is the read-only surface the sandbox bridge calls into.
// Every method evaluates permissions for the given user on this one call;
// implementations must not cache authorization across users or calls.
type Client interface {
	// FetchRecords returns records from a source matching the filters,
	// projected to the requested fields, capped at limit.
	FetchRecords(ctx context.Context, user, source string, filters map[string]any, fields []string, limit int) ([]Record, error)

	// FetchRecord returns a single record by id.
	FetchRecord(ctx context.Context, user, source, id string) (Record, error)

	// RunReport executes a named report, waiting up to a bounded window for
	// background completion. If the window is exceeded the result carries
	// ReportStatusQueued and a subsequent identical call returns the cached
	// completed run.
	RunReport(ctx context.Context, user, name string, filters map[string]any) (*ReportResult, error)

	// DescribeReport returns the columns and filter guidance for a report.
	DescribeReport(ctx context.Context, user, name string) (*ReportDescription, error)

	// ListReports lists available reports, optionally filtered by module
	// and report type.
	ListReports(ctx context.Context, user, module, reportType string) ([]ReportInfo, error)

	// Search runs a text search across one source, or all sources when
	// source is empty.
	Search(ctx context.Context, user, query, source string, limit int) ([]SearchHit, error)

	// DescribeSchema returns field and relationship metadata for a source.
	DescribeSchema(ctx context.Context, user, source string) (*SchemaDescription, error)
}

// PermissionError reports that a user lacks access to a source or report.
// The sandbox bridge converts it into tool-call data, never a crash.
type PermissionError struct {
	User      string
	Resource  string
	Operation string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("user %q has no %s permission on %q", e.User, e.Operation, e.Resource)
}

// NotFoundError reports that a named source, record, or report does not exist.
type NotFoundError struct {
	Kind string // "source", "record", "report"
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// ResourceUsage records the limits that governed one execution.
type ResourceUsage struct {
	TimeoutSeconds    int `json:"timeout_seconds"`
	MemoryLimitMB     int `json:"memory_limit_mb"`
	CPULimitSeconds   int `json:"cpu_limit_seconds"`
	MaxRecursionDepth int `json:"max_recursion_depth"`
}

// AuditEntry is one durable record of a sandboxed execution.
type AuditEntry struct {
	Time          time.Time     `json:"time"`
	User          string        `json:"user"`
	CodeSnippet   string        `json:"code_snippet"` // truncated, never full source
	DurationMS    int64         `json:"duration_ms"`
	Success       bool          `json:"success"`
	ErrorKind     string        `json:"error_kind,omitempty"`
	ResourceUsage ResourceUsage `json:"resource_usage"`
}

// AuditSink accepts execution audit records. Writes are fire-and-forget:
// callers log a failed write and continue, it never fails the execution.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry) error
}
