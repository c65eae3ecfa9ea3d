// Package dataproxy implements the read-only query façade the sandbox
// exposes to analysis scripts.
//
// Security:
//   - Only read-only SQL statements allowed (SELECT, EXPLAIN, SHOW, DESCRIBE, WITH)
//   - All write/DDL statements rejected with a security-violation marker
//     distinct from ordinary query errors
//   - Multiple statements rejected (no semicolon chaining)
//   - Query timeout enforced via context
//   - Row limit enforced to prevent OOM
//
// The proxy is the second line of defense: the lexical scanner already
// screened the submitted script, but lexical screening cannot catch all
// obfuscation, so the proxy validates every statement it is handed,
// regardless of origin.
package dataproxy

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.
)

// Default limits.
const (
	defaultMaxRows    = 1000
	defaultTimeoutSec = 30
)

// blockedKeywords are statement keywords that indicate write/DDL operations.
// Matching is case-insensitive on the statement prefix.
var blockedKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE",
	"TRUNCATE", "GRANT", "REVOKE", "COPY", "VACUUM", "REINDEX",
	"COMMENT", "LOCK", "DISCARD", "SET ", "RESET", "BEGIN",
	"COMMIT", "ROLLBACK", "SAVEPOINT", "RELEASE", "PREPARE",
	"EXECUTE", "EXEC", "DEALLOCATE", "LISTEN", "NOTIFY", "UNLISTEN",
	"LOAD", "CLUSTER", "REFRESH",
}

// allowedPrefixes are the only statement prefixes permitted.
var allowedPrefixes = []string{
	"SELECT", "EXPLAIN", "SHOW", "DESCRIBE", "WITH",
}

// Rejected reports a statement refused by the read-only gate. It is
// distinguishable from an ordinary query error via errors.As, so callers can
// tell "disallowed" apart from "syntactically wrong".
type Rejected struct {
	Keyword string // the keyword or rule that triggered the rejection
	Message string
}

func (r *Rejected) Error() string { return r.Message }

// SecurityViolation marks this rejection as a policy refusal, not a query error.
func (r *Rejected) SecurityViolation() bool { return true }

// Config holds data proxy settings.
type Config struct {
	DSN            string // Connection string for the platform database.
	MaxRows        int    // Maximum rows returned per query. Default: 1000.
	TimeoutSeconds int    // Per-query timeout. Default: 30.
}

// Proxy runs read-only SQL queries against the platform database.
type Proxy struct {
	config Config
	db     *sql.DB
	logger *slog.Logger
}

// New creates a read-only data proxy. The connection opens lazily on first use.
func New(cfg Config, logger *slog.Logger) *Proxy {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = defaultTimeoutSec
	}
	return &Proxy{config: cfg, logger: logger}
}

// Query validates and executes a read-only statement, returning plain rows.
// Disallowed statements return *Rejected; they never reach the database.
func (p *Proxy) Query(ctx context.Context, statement string) ([]map[string]any, error) {
	if err := ValidateReadOnly(statement); err != nil {
		return nil, err
	}
	if err := p.ensureConnected(); err != nil {
		return nil, fmt.Errorf("data proxy connection: %w", err)
	}

	queryCtx, cancel := context.WithTimeout(ctx, time.Duration(p.config.TimeoutSeconds)*time.Second)
	defer cancel()

	p.logger.InfoContext(ctx, "data proxy query",
		slog.String("statement_prefix", truncateStatement(statement, 100)),
		slog.Int("max_rows", p.config.MaxRows),
	)

	rows, err := p.db.QueryContext(queryCtx, statement)
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}
	defer rows.Close()

	return scanRows(rows, p.config.MaxRows)
}

// Exists reports whether any row exists in table matching the filters.
func (p *Proxy) Exists(ctx context.Context, table string, filters map[string]any) (bool, error) {
	n, err := p.Count(ctx, table, filters)
	return n > 0, err
}

// Count returns the number of rows in table matching the filters.
func (p *Proxy) Count(ctx context.Context, table string, filters map[string]any) (int64, error) {
	stmt, args := buildCountQuery(table, filters)
	if err := p.ensureConnected(); err != nil {
		return 0, fmt.Errorf("data proxy connection: %w", err)
	}

	queryCtx, cancel := context.WithTimeout(ctx, time.Duration(p.config.TimeoutSeconds)*time.Second)
	defer cancel()

	var n int64
	if err := p.db.QueryRowContext(queryCtx, stmt, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count query: %w", err)
	}
	return n, nil
}

// Value fetches a single column value from the first row matching the filters.
func (p *Proxy) Value(ctx context.Context, table, column string, filters map[string]any) (any, error) {
	stmt, args := buildValueQuery(table, column, filters)
	if err := p.ensureConnected(); err != nil {
		return nil, fmt.Errorf("data proxy connection: %w", err)
	}

	queryCtx, cancel := context.WithTimeout(ctx, time.Duration(p.config.TimeoutSeconds)*time.Second)
	defer cancel()

	var v any
	if err := p.db.QueryRowContext(queryCtx, stmt, args...).Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("value query: %w", err)
	}
	return normalizeValue(v), nil
}

// Describe returns column metadata for a table via information_schema.
func (p *Proxy) Describe(ctx context.Context, table string) ([]map[string]any, error) {
	const stmt = `SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_name = $1
		ORDER BY ordinal_position`

	if err := p.ensureConnected(); err != nil {
		return nil, fmt.Errorf("data proxy connection: %w", err)
	}

	queryCtx, cancel := context.WithTimeout(ctx, time.Duration(p.config.TimeoutSeconds)*time.Second)
	defer cancel()

	rows, err := p.db.QueryContext(queryCtx, stmt, table)
	if err != nil {
		return nil, fmt.Errorf("describe query: %w", err)
	}
	defer rows.Close()

	return scanRows(rows, p.config.MaxRows)
}

// Ping verifies the proxy can reach the database. Used by readiness checks.
func (p *Proxy) Ping(ctx context.Context) error {
	if err := p.ensureConnected(); err != nil {
		return err
	}
	return p.db.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (p *Proxy) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

// ensureConnected opens the database connection if not already open.
func (p *Proxy) ensureConnected() error {
	if p.db != nil {
		return nil
	}
	if p.config.DSN == "" {
		return fmt.Errorf("data proxy DSN not configured")
	}

	db, err := sql.Open("pgx", p.config.DSN)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	// Conservative pool: the proxy serves sandboxed scripts, not a web server.
	db.SetMaxOpenConns(3)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	p.db = db
	return nil
}

// ValidateReadOnly checks that a statement is safe for read-only execution.
// Returns *Rejected on refusal.
func ValidateReadOnly(statement string) error {
	normalized := strings.TrimSpace(statement)
	if normalized == "" {
		return &Rejected{Keyword: "", Message: "statement must not be empty"}
	}

	normalized = stripLeadingComments(normalized)
	upper := strings.ToUpper(normalized)

	// Blocked keywords anywhere in the statement. Substring matching is
	// deliberately coarse: false positives are acceptable, silent writes
	// are not.
	for _, kw := range blockedKeywords {
		if containsKeyword(upper, kw) {
			return &Rejected{
				Keyword: strings.TrimSpace(kw),
				Message: fmt.Sprintf("statement rejected: %s is not allowed in read-only mode", strings.TrimSpace(kw)),
			}
		}
	}

	allowed := false
	for _, prefix := range allowedPrefixes {
		if strings.HasPrefix(upper, prefix) {
			allowed = true
			break
		}
	}
	if !allowed {
		return &Rejected{
			Keyword: firstWord(upper),
			Message: fmt.Sprintf("statement must start with one of: %s", strings.Join(allowedPrefixes, ", ")),
		}
	}

	// Reject statement chaining (semicolons anywhere but a single trailing one).
	trimmed := strings.TrimRight(normalized, "; \t\n\r")
	if strings.Contains(trimmed, ";") {
		return &Rejected{
			Keyword: ";",
			Message: "multiple statements not allowed; submit one query at a time",
		}
	}

	return nil
}

// containsKeyword reports whether upper contains kw as a standalone word.
// Keywords ending in a space (e.g. "SET ") keep their trailing space so that
// words like "reSET" or "SETTINGS" do not match.
func containsKeyword(upper, kw string) bool {
	idx := 0
	for {
		i := strings.Index(upper[idx:], kw)
		if i < 0 {
			return false
		}
		i += idx
		beforeOK := i == 0 || !isWordByte(upper[i-1])
		end := i + len(kw)
		afterOK := end >= len(upper) || !isWordByte(upper[end]) || strings.HasSuffix(kw, " ")
		if beforeOK && afterOK {
			return true
		}
		idx = i + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// stripLeadingComments removes SQL comments from the beginning of a statement.
func stripLeadingComments(s string) string {
	for {
		s = strings.TrimSpace(s)
		if strings.HasPrefix(s, "--") {
			if idx := strings.Index(s, "\n"); idx >= 0 {
				s = s[idx+1:]
			} else {
				return ""
			}
		} else if strings.HasPrefix(s, "/*") {
			if idx := strings.Index(s, "*/"); idx >= 0 {
				s = s[idx+2:]
			} else {
				return ""
			}
		} else {
			return s
		}
	}
}

// buildCountQuery compiles an existence/count check down to read-only SQL.
func buildCountQuery(table string, filters map[string]any) (string, []any) {
	where, args := buildWhere(filters)
	return fmt.Sprintf("SELECT COUNT(*) FROM %s%s", quoteIdent(table), where), args
}

// buildValueQuery compiles a single-value fetch down to read-only SQL.
func buildValueQuery(table, column string, filters map[string]any) (string, []any) {
	where, args := buildWhere(filters)
	return fmt.Sprintf("SELECT %s FROM %s%s LIMIT 1", quoteIdent(column), quoteIdent(table), where), args
}

func buildWhere(filters map[string]any) (string, []any) {
	if len(filters) == 0 {
		return "", nil
	}
	keys := sortedKeys(filters)
	conds := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	n := 1
	for _, k := range keys {
		v := filters[k]
		if v == nil {
			conds = append(conds, fmt.Sprintf("%s IS NULL", quoteIdent(k)))
			continue
		}
		conds = append(conds, fmt.Sprintf("%s = $%d", quoteIdent(k), n))
		args = append(args, v)
		n++
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// quoteIdent double-quotes an identifier, stripping any embedded quotes.
// Identifiers come from bridge arguments, never interpolated raw.
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, "") + `"`
}

// scanRows reads rows into plain maps, capped at maxRows.
func scanRows(rows *sql.Rows, maxRows int) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("getting columns: %w", err)
	}

	var out []map[string]any
	values := make([]any, len(cols))
	scanArgs := make([]any, len(cols))
	for i := range values {
		scanArgs[i] = &values[i]
	}

	for rows.Next() {
		if len(out) >= maxRows {
			break
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, fmt.Errorf("scanning row %d: %w", len(out), err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return out, nil
}

// normalizeValue converts driver values into plain JSON-safe values.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return v
	}
}

// truncateStatement returns the first n characters of a statement for logging.
func truncateStatement(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
