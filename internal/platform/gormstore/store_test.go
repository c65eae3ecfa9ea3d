package gormstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/jkaninda/daraja/internal/platform"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		Driver: DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "daraja.db"),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func seed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()

	if err := s.RegisterSource(ctx, "Customer", "Customer", "crm",
		[]platform.FieldDef{
			{Name: "name", Type: "text", Required: true},
			{Name: "territory", Type: "text"},
			{Name: "credit_limit", Type: "number"},
		},
		[]platform.LinkDef{{Field: "territory", Target: "Territory"}},
		nil); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterSource(ctx, "SalaryRecord", "Salary Record", "hr",
		[]platform.FieldDef{{Name: "employee", Type: "text"}},
		nil,
		[]string{"hr-manager"}); err != nil {
		t.Fatal(err)
	}

	docs := []struct {
		id      string
		payload map[string]any
	}{
		{"CUST-001", map[string]any{"name": "Acme Industries", "territory": "east", "credit_limit": 50000}},
		{"CUST-002", map[string]any{"name": "Blue Ridge Tools", "territory": "west", "credit_limit": 10000}},
		{"CUST-003", map[string]any{"name": "Cedar Works", "territory": "east", "credit_limit": 25000}},
	}
	for _, d := range docs {
		if err := s.PutDocument(ctx, "Customer", d.id, d.payload); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.PutDocument(ctx, "SalaryRecord", "SAL-001",
		map[string]any{"employee": "Acme Staffer", "amount": 9000}); err != nil {
		t.Fatal(err)
	}

	if err := s.GrantRole(ctx, "hr@example.com", "hr-manager"); err != nil {
		t.Fatal(err)
	}
}

func TestFetchRecordsFiltersAndProjection(t *testing.T) {
	s := testStore(t)
	seed(t, s)
	ctx := context.Background()

	records, err := s.FetchRecords(ctx, "analyst@example.com", "Customer",
		map[string]any{"territory": "east"}, []string{"name"}, 10)
	if err != nil {
		t.Fatalf("FetchRecords: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	for _, r := range records {
		if _, ok := r["name"]; !ok {
			t.Errorf("projected record missing name: %v", r)
		}
		if _, ok := r["territory"]; ok {
			t.Errorf("projection leaked unrequested field: %v", r)
		}
	}
}

func TestFetchRecordsLimit(t *testing.T) {
	s := testStore(t)
	seed(t, s)

	records, err := s.FetchRecords(context.Background(), "analyst@example.com", "Customer", nil, nil, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Errorf("got %d records, want 2", len(records))
	}
}

func TestFetchRecordsUnknownSource(t *testing.T) {
	s := testStore(t)
	seed(t, s)

	_, err := s.FetchRecords(context.Background(), "analyst@example.com", "Nope", nil, nil, 10)
	var notFound *platform.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
	if notFound.Kind != "source" {
		t.Errorf("Kind = %q, want source", notFound.Kind)
	}
}

func TestReadRolesDenyByDefault(t *testing.T) {
	s := testStore(t)
	seed(t, s)
	ctx := context.Background()

	_, err := s.FetchRecords(ctx, "analyst@example.com", "SalaryRecord", nil, nil, 10)
	var perm *platform.PermissionError
	if !errors.As(err, &perm) {
		t.Fatalf("err = %v, want PermissionError", err)
	}

	// A user holding the role gets through.
	records, err := s.FetchRecords(ctx, "hr@example.com", "SalaryRecord", nil, nil, 10)
	if err != nil {
		t.Fatalf("role holder denied: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("got %d records, want 1", len(records))
	}
}

func TestFetchRecord(t *testing.T) {
	s := testStore(t)
	seed(t, s)
	ctx := context.Background()

	record, err := s.FetchRecord(ctx, "analyst@example.com", "Customer", "CUST-002")
	if err != nil {
		t.Fatal(err)
	}
	if record["name"] != "Blue Ridge Tools" {
		t.Errorf("name = %v", record["name"])
	}

	_, err = s.FetchRecord(ctx, "analyst@example.com", "Customer", "CUST-999")
	var notFound *platform.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

func TestSearchSkipsUnreadableSources(t *testing.T) {
	s := testStore(t)
	seed(t, s)
	ctx := context.Background()

	// "Acme" matches a Customer and a SalaryRecord; the analyst only sees
	// the customer.
	hits, err := s.Search(ctx, "analyst@example.com", "Acme", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1: %v", len(hits), hits)
	}
	if hits[0].Source != "Customer" || hits[0].ID != "CUST-001" {
		t.Errorf("hit = %+v", hits[0])
	}

	// The role holder sees both.
	hits, err = s.Search(ctx, "hr@example.com", "Acme", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Errorf("got %d hits, want 2: %v", len(hits), hits)
	}
}

func TestDescribeSchema(t *testing.T) {
	s := testStore(t)
	seed(t, s)

	desc, err := s.DescribeSchema(context.Background(), "analyst@example.com", "Customer")
	if err != nil {
		t.Fatal(err)
	}
	if desc.Source != "Customer" || len(desc.Fields) != 3 {
		t.Errorf("schema = %+v", desc)
	}
	if len(desc.Links) != 1 || desc.Links[0].Target != "Territory" {
		t.Errorf("links = %+v", desc.Links)
	}
}

func TestListReportsFiltersAndPermissions(t *testing.T) {
	s := testStore(t)
	seed(t, s)
	ctx := context.Background()

	reports := []ReportModel{
		{Name: "Customer Balances", Module: "crm", ReportType: "query", SQLBody: "SELECT 1"},
		{Name: "Salary Register", Module: "hr", ReportType: "query", SQLBody: "SELECT 1",
			ReadRoles: encodeJSON([]string{"hr-manager"})},
	}
	for _, r := range reports {
		if err := s.RegisterReport(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListReports(ctx, "analyst@example.com", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Name != "Customer Balances" {
		t.Errorf("analyst reports = %+v", got)
	}

	got, err = s.ListReports(ctx, "hr@example.com", "hr", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Name != "Salary Register" {
		t.Errorf("hr reports = %+v", got)
	}
}
