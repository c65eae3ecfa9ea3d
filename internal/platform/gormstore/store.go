// Package gormstore is a GORM-backed reference implementation of
// platform.Client. Sources, documents, reports, and role grants live in
// SQLite (default, zero-config) or PostgreSQL; every read evaluates the
// user's roles on that call.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/daraja/internal/platform"
)

// Driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and configures the backing database.
type Config struct {
	Driver string `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres"

	// SQLite.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// PostgreSQL.
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`

	// Report execution window and cache lifetime. Zero values take the
	// defaults in reports.go.
	ReportWaitSeconds    int `json:"report_wait_seconds,omitempty" yaml:"report_wait_seconds,omitempty"`
	ReportCacheTTLSecond int `json:"report_cache_ttl_seconds,omitempty" yaml:"report_cache_ttl_seconds,omitempty"`
}

// Store implements platform.Client on a GORM database.
type Store struct {
	db      *gorm.DB
	logger  *slog.Logger
	driver  string
	reports *reportEngine
}

var _ platform.Client = (*Store)(nil)

// Open connects to the configured database and starts the report engine.
// Call Migrate before first use and Close on shutdown.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	gormCfg := &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if mkErr := os.MkdirAll(dir, 0750); mkErr != nil {
				return nil, fmt.Errorf("creating database directory %s: %w", dir, mkErr)
			}
		}
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path)
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres dsn is required")
		}
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}

	s := &Store{
		db:     db,
		logger: slogger,
		driver: driver,
	}
	s.reports = newReportEngine(s, reportEngineConfig{
		Wait:     time.Duration(cfg.ReportWaitSeconds) * time.Second,
		CacheTTL: time.Duration(cfg.ReportCacheTTLSecond) * time.Second,
	}, slogger)

	slogger.Info("platform store opened", slog.String("driver", driver))
	return s, nil
}

// Migrate creates or updates the schema.
func (s *Store) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(
		&SourceModel{},
		&DocumentModel{},
		&ReportModel{},
		&UserRoleModel{},
	)
}

// Close stops the report engine and closes the connection.
func (s *Store) Close() error {
	s.reports.stop()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns the backing driver name.
func (s *Store) Driver() string { return s.driver }

// WithMetrics attaches a report metrics sink.
func (s *Store) WithMetrics(m ReportMetrics) *Store {
	if m != nil {
		s.reports.metrics = m
	}
	return s
}

// Ping checks database connectivity; used as a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// --- registration (deployment/seed surface, not reachable from the sandbox) ---

// RegisterSource creates or replaces a source definition.
func (s *Store) RegisterSource(ctx context.Context, name, label, module string, fields []platform.FieldDef, links []platform.LinkDef, readRoles []string) error {
	model := SourceModel{
		Name:      name,
		Label:     label,
		Module:    module,
		Fields:    encodeJSON(fields),
		Links:     encodeJSON(links),
		ReadRoles: encodeJSON(readRoles),
	}
	return s.db.WithContext(ctx).Save(&model).Error
}

// PutDocument creates or replaces one record in a source.
func (s *Store) PutDocument(ctx context.Context, source, id string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	model := DocumentModel{ID: id, Source: source, Payload: JSON(data)}
	return s.db.WithContext(ctx).Save(&model).Error
}

// RegisterReport creates or replaces a report definition.
func (s *Store) RegisterReport(ctx context.Context, r ReportModel) error {
	if r.Name == "" || r.SQLBody == "" {
		return fmt.Errorf("report name and sql body are required")
	}
	return s.db.WithContext(ctx).Save(&r).Error
}

// GrantRole gives a user a role.
func (s *Store) GrantRole(ctx context.Context, user, role string) error {
	return s.db.WithContext(ctx).
		FirstOrCreate(&UserRoleModel{User: user, Role: role}).Error
}

// --- permission evaluation ---

// userRoles returns the user's role set. Queried per call; role changes
// take effect on the next read.
func (s *Store) userRoles(ctx context.Context, user string) (map[string]bool, error) {
	var rows []UserRoleModel
	if err := s.db.WithContext(ctx).Where("user_name = ?", user).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("loading roles for %q: %w", user, err)
	}
	roles := make(map[string]bool, len(rows))
	for _, r := range rows {
		roles[r.Role] = true
	}
	return roles, nil
}

// checkRead denies unless the resource's read-role list is empty or the
// user holds one of the listed roles.
func (s *Store) checkRead(ctx context.Context, user, resource string, readRoles JSON) error {
	required := decodeStrings(readRoles)
	if len(required) == 0 {
		return nil
	}
	roles, err := s.userRoles(ctx, user)
	if err != nil {
		return err
	}
	for _, r := range required {
		if roles[r] {
			return nil
		}
	}
	return &platform.PermissionError{User: user, Resource: resource, Operation: "read"}
}

func (s *Store) loadSource(ctx context.Context, name string) (*SourceModel, error) {
	var src SourceModel
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&src).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &platform.NotFoundError{Kind: "source", Name: name}
	}
	if err != nil {
		return nil, fmt.Errorf("loading source %q: %w", name, err)
	}
	return &src, nil
}

// --- platform.Client ---

// FetchRecords returns records from a source matching the filters, projected
// to fields, capped at limit. Filters match on payload field equality.
func (s *Store) FetchRecords(ctx context.Context, user, source string, filters map[string]any, fields []string, limit int) ([]platform.Record, error) {
	src, err := s.loadSource(ctx, source)
	if err != nil {
		return nil, err
	}
	if err := s.checkRead(ctx, user, source, src.ReadRoles); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	var docs []DocumentModel
	if err := s.db.WithContext(ctx).
		Where("source = ?", source).
		Order("id").
		Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("loading documents from %q: %w", source, err)
	}

	records := make([]platform.Record, 0, limit)
	for _, doc := range docs {
		record, err := doc.record()
		if err != nil {
			s.logger.Warn("skipping undecodable document",
				slog.String("source", source),
				slog.String("id", doc.ID),
			)
			continue
		}
		if !matchesFilters(record, filters) {
			continue
		}
		records = append(records, project(record, fields))
		if len(records) >= limit {
			break
		}
	}
	return records, nil
}

// FetchRecord returns a single record by id.
func (s *Store) FetchRecord(ctx context.Context, user, source, id string) (platform.Record, error) {
	src, err := s.loadSource(ctx, source)
	if err != nil {
		return nil, err
	}
	if err := s.checkRead(ctx, user, source, src.ReadRoles); err != nil {
		return nil, err
	}

	var doc DocumentModel
	err = s.db.WithContext(ctx).
		Where("source = ? AND id = ?", source, id).
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &platform.NotFoundError{Kind: "record", Name: id}
	}
	if err != nil {
		return nil, fmt.Errorf("loading record %s/%s: %w", source, id, err)
	}
	return doc.record()
}

// Search matches query text against document payloads, in one source or all
// sources the user can read.
func (s *Store) Search(ctx context.Context, user, query, source string, limit int) ([]platform.SearchHit, error) {
	if limit <= 0 {
		limit = 20
	}

	var sources []SourceModel
	q := s.db.WithContext(ctx)
	if source != "" {
		src, err := s.loadSource(ctx, source)
		if err != nil {
			return nil, err
		}
		if err := s.checkRead(ctx, user, source, src.ReadRoles); err != nil {
			return nil, err
		}
		sources = []SourceModel{*src}
	} else {
		if err := q.Order("name").Find(&sources).Error; err != nil {
			return nil, fmt.Errorf("listing sources: %w", err)
		}
	}

	hits := make([]platform.SearchHit, 0, limit)
	for _, src := range sources {
		// Unreadable sources are silently skipped in the all-sources case.
		if source == "" {
			if err := s.checkRead(ctx, user, src.Name, src.ReadRoles); err != nil {
				var perm *platform.PermissionError
				if errors.As(err, &perm) {
					continue
				}
				return nil, err
			}
		}

		var docs []DocumentModel
		if err := s.db.WithContext(ctx).
			Where("source = ? AND payload LIKE ?", src.Name, "%"+query+"%").
			Order("id").
			Limit(limit - len(hits)).
			Find(&docs).Error; err != nil {
			return nil, fmt.Errorf("searching %q: %w", src.Name, err)
		}
		for _, doc := range docs {
			hits = append(hits, platform.SearchHit{
				Source:  src.Name,
				ID:      doc.ID,
				Snippet: snippetAround(string(doc.Payload), query),
			})
		}
		if len(hits) >= limit {
			break
		}
	}
	return hits, nil
}

// DescribeSchema returns the source's registered field and link metadata.
func (s *Store) DescribeSchema(ctx context.Context, user, source string) (*platform.SchemaDescription, error) {
	src, err := s.loadSource(ctx, source)
	if err != nil {
		return nil, err
	}
	if err := s.checkRead(ctx, user, source, src.ReadRoles); err != nil {
		return nil, err
	}

	desc := &platform.SchemaDescription{
		Source: src.Name,
		Label:  src.Label,
	}
	if len(src.Fields) > 0 {
		if err := json.Unmarshal(src.Fields, &desc.Fields); err != nil {
			return nil, fmt.Errorf("decoding fields of %q: %w", source, err)
		}
	}
	if len(src.Links) > 0 {
		if err := json.Unmarshal(src.Links, &desc.Links); err != nil {
			return nil, fmt.Errorf("decoding links of %q: %w", source, err)
		}
	}
	return desc, nil
}

// RunReport delegates to the report engine.
func (s *Store) RunReport(ctx context.Context, user, name string, filters map[string]any) (*platform.ReportResult, error) {
	return s.reports.run(ctx, user, name, filters)
}

// DescribeReport returns the report's declared columns and filter guidance.
func (s *Store) DescribeReport(ctx context.Context, user, name string) (*platform.ReportDescription, error) {
	report, err := s.loadReport(ctx, user, name)
	if err != nil {
		return nil, err
	}
	return &platform.ReportDescription{
		Name:           report.Name,
		Columns:        decodeStrings(report.Columns),
		FilterGuidance: report.FilterGuidance,
	}, nil
}

// ListReports lists reports, optionally filtered by module and type.
// Reports the user may not run are omitted rather than erroring.
func (s *Store) ListReports(ctx context.Context, user, module, reportType string) ([]platform.ReportInfo, error) {
	q := s.db.WithContext(ctx).Model(&ReportModel{})
	if module != "" {
		q = q.Where("module = ?", module)
	}
	if reportType != "" {
		q = q.Where("report_type = ?", reportType)
	}
	var reports []ReportModel
	if err := q.Order("name").Find(&reports).Error; err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}

	out := make([]platform.ReportInfo, 0, len(reports))
	for _, r := range reports {
		if err := s.checkRead(ctx, user, r.Name, r.ReadRoles); err != nil {
			var perm *platform.PermissionError
			if errors.As(err, &perm) {
				continue
			}
			return nil, err
		}
		out = append(out, platform.ReportInfo{
			Name:        r.Name,
			Module:      r.Module,
			Type:        r.ReportType,
			Description: r.Description,
		})
	}
	return out, nil
}

func (s *Store) loadReport(ctx context.Context, user, name string) (*ReportModel, error) {
	var report ReportModel
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&report).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &platform.NotFoundError{Kind: "report", Name: name}
	}
	if err != nil {
		return nil, fmt.Errorf("loading report %q: %w", name, err)
	}
	if err := s.checkRead(ctx, user, name, report.ReadRoles); err != nil {
		return nil, err
	}
	return &report, nil
}

// --- document helpers ---

func (d *DocumentModel) record() (platform.Record, error) {
	record := platform.Record{}
	if err := json.Unmarshal(d.Payload, &record); err != nil {
		return nil, fmt.Errorf("decoding document %s: %w", d.ID, err)
	}
	if _, ok := record["id"]; !ok {
		record["id"] = d.ID
	}
	return record, nil
}

// matchesFilters compares filter values against payload fields by
// normalized text so JSON numeric types compare sanely.
func matchesFilters(record platform.Record, filters map[string]any) bool {
	for field, want := range filters {
		got, ok := record[field]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func project(record platform.Record, fields []string) platform.Record {
	if len(fields) == 0 {
		return record
	}
	out := make(platform.Record, len(fields))
	for _, f := range fields {
		if v, ok := record[f]; ok {
			out[f] = v
		}
	}
	return out
}

// snippetAround returns a short excerpt of text centered on the first match.
func snippetAround(text, query string) string {
	const window = 40
	idx := strings.Index(strings.ToLower(text), strings.ToLower(query))
	if idx < 0 {
		idx = 0
	}
	start := idx - window
	if start < 0 {
		start = 0
	}
	end := idx + len(query) + window
	if end > len(text) {
		end = len(text)
	}
	return text[start:end]
}

// sortedFilterKey renders filters deterministically for cache keys.
func sortedFilterKey(filters map[string]any) string {
	if len(filters) == 0 {
		return ""
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v;", k, filters[k])
	}
	return b.String()
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
