package gormstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jkaninda/daraja/internal/platform"
)

const (
	// defaultReportWait is how long RunReport blocks for a fresh run before
	// answering "queued".
	defaultReportWait = 10 * time.Second

	// defaultReportCacheTTL is how long a completed run stays collectable.
	defaultReportCacheTTL = 10 * time.Minute

	// reportRunTimeout bounds the background execution itself.
	reportRunTimeout = 5 * time.Minute
)

type reportEngineConfig struct {
	Wait     time.Duration
	CacheTTL time.Duration
}

// reportExecFunc executes one report and returns its rows and columns.
// Swappable so tests control run duration.
type reportExecFunc func(ctx context.Context, report *ReportModel, filters map[string]any) ([]platform.Record, []string, error)

// ReportMetrics receives report run outcomes. Implemented by
// observability.MetricsCollector.
type ReportMetrics interface {
	ObserveReportRun(status string)
}

type noopReportMetrics struct{}

func (noopReportMetrics) ObserveReportRun(string) {}

type cachedRun struct {
	result  *platform.ReportResult
	expires time.Time
}

type activeRun struct {
	runID string
	done  chan struct{}

	// set before done is closed
	result *platform.ReportResult
	err    error
}

// reportEngine runs named reports in the background. A call waits up to the
// configured window; past the window it returns a queued status and the run
// keeps going. Completed runs are cached per (name, filters) so the next
// identical call collects the result instead of re-running.
type reportEngine struct {
	store   *Store
	cfg     reportEngineConfig
	exec    reportExecFunc
	metrics ReportMetrics
	logger  *slog.Logger
	cron    *cron.Cron

	mu      sync.Mutex
	cache   map[string]cachedRun
	running map[string]*activeRun
}

func newReportEngine(store *Store, cfg reportEngineConfig, logger *slog.Logger) *reportEngine {
	if cfg.Wait <= 0 {
		cfg.Wait = defaultReportWait
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultReportCacheTTL
	}
	e := &reportEngine{
		store:   store,
		cfg:     cfg,
		metrics: noopReportMetrics{},
		logger:  logger,
		cron:    cron.New(),
		cache:   make(map[string]cachedRun),
		running: make(map[string]*activeRun),
	}
	e.exec = e.execSQL
	// Janitor keeps the cache from growing past abandoned runs.
	_, _ = e.cron.AddFunc("@every 1m", e.evictExpired)
	e.cron.Start()
	return e
}

func (e *reportEngine) stop() {
	e.cron.Stop()
}

// run implements the RunReport contract.
func (e *reportEngine) run(ctx context.Context, user, name string, filters map[string]any) (*platform.ReportResult, error) {
	report, err := e.store.loadReport(ctx, user, name)
	if err != nil {
		return nil, err
	}
	key := name + "|" + sortedFilterKey(filters)

	e.mu.Lock()
	if cached, ok := e.cache[key]; ok && time.Now().Before(cached.expires) {
		e.mu.Unlock()
		e.metrics.ObserveReportRun(platform.ReportStatusCached)
		result := *cached.result
		result.Status = platform.ReportStatusCached
		return &result, nil
	}
	run, alreadyRunning := e.running[key]
	if !alreadyRunning {
		run = &activeRun{
			runID: uuid.NewString(),
			done:  make(chan struct{}),
		}
		e.running[key] = run
		go e.execute(key, run, report, filters)
	}
	e.mu.Unlock()

	select {
	case <-run.done:
		if run.err != nil {
			e.metrics.ObserveReportRun("failed")
			return nil, run.err
		}
		e.metrics.ObserveReportRun(platform.ReportStatusCompleted)
		return run.result, nil
	case <-time.After(e.cfg.Wait):
		e.metrics.ObserveReportRun(platform.ReportStatusQueued)
		return &platform.ReportResult{
			RunID:   run.runID,
			Name:    name,
			Status:  platform.ReportStatusQueued,
			Message: fmt.Sprintf("report %q is still running; repeat the call to collect the result", name),
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// execute runs the report to completion in the background. It deliberately
// detaches from the caller's context so a queued answer does not abandon
// the run.
func (e *reportEngine) execute(key string, run *activeRun, report *ReportModel, filters map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), reportRunTimeout)
	defer cancel()

	start := time.Now()
	data, columns, err := e.exec(ctx, report, filters)

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, key)

	if err != nil {
		run.err = fmt.Errorf("report %q failed: %w", report.Name, err)
		close(run.done)
		e.logger.Warn("report run failed",
			slog.String("report", report.Name),
			slog.String("error", err.Error()),
		)
		return
	}

	if len(columns) == 0 {
		columns = decodeStrings(report.Columns)
	}
	run.result = &platform.ReportResult{
		RunID:   run.runID,
		Name:    report.Name,
		Status:  platform.ReportStatusCompleted,
		Data:    data,
		Columns: columns,
	}
	e.cache[key] = cachedRun{
		result:  run.result,
		expires: time.Now().Add(e.cfg.CacheTTL),
	}
	close(run.done)

	e.logger.Info("report run completed",
		slog.String("report", report.Name),
		slog.String("run_id", run.runID),
		slog.Int("rows", len(data)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
}

func (e *reportEngine) evictExpired() {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, cached := range e.cache {
		if now.After(cached.expires) {
			delete(e.cache, key)
		}
	}
}

// execSQL is the default executor: the report body runs as-is, with filters
// available as named parameters (@name) when the body references them.
// Filters the body never mentions only affect the cache key, so they must
// not reach the driver as query arguments.
func (e *reportEngine) execSQL(ctx context.Context, report *ReportModel, filters map[string]any) ([]platform.Record, []string, error) {
	q := e.store.db.WithContext(ctx)
	var rows []map[string]any
	err := q.Raw(report.SQLBody, namedFilterArgs(report.SQLBody, filters)...).Scan(&rows).Error
	if err != nil {
		return nil, nil, err
	}

	data := make([]platform.Record, len(rows))
	for i, row := range rows {
		data[i] = platform.Record(row)
	}
	return data, nil, nil
}

// namedFilterArgs turns filters into sql.Named arguments for the keys the
// query body references.
func namedFilterArgs(body string, filters map[string]any) []any {
	var args []any
	for key, value := range filters {
		if strings.Contains(body, "@"+key) {
			args = append(args, sql.Named(key, value))
		}
	}
	return args
}
