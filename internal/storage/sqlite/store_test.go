package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cobranza/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "staging.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.EnsureTables(context.Background(), storage.AllTables()); err != nil {
		t.Fatalf("EnsureTables: %v", err)
	}
	return s
}

func count(t *testing.T, s *Store, table string) int {
	t.Helper()
	var n int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestBuildCreateSQL(t *testing.T) {
	t.Parallel()

	stmts, err := buildCreateSQL(storage.RunsSpec())
	if err != nil {
		t.Fatal(err)
	}
	if len(stmts) != 1 {
		t.Fatalf("got %d statements", len(stmts))
	}
	for _, want := range []string{`"id" INTEGER NOT NULL`, `"updated_at" TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP`, `UNIQUE ("id")`} {
		if !strings.Contains(stmts[0], want) {
			t.Fatalf("DDL missing %q:\n%s", want, stmts[0])
		}
	}

	d, _ := storage.LookupDataSource("BASCAR")
	stmts, err = buildCreateSQL(d.TableSpec())
	if err != nil {
		t.Fatal(err)
	}
	if len(stmts) != 4 || !strings.Contains(stmts[0], `"id" INTEGER PRIMARY KEY AUTOINCREMENT`) {
		t.Fatalf("stmts=%v", stmts)
	}

	if _, err := buildCreateSQL(storage.TableSpec{Name: "x"}); err == nil {
		t.Fatal("expected error for table without columns")
	}
}

func TestBuildInsertSQL(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 10, 4, 0, 0, 0, 0, time.UTC)
	q, args := buildInsertSQL("t", []string{"a", "b"}, [][]any{{1, ts}, {2, nil}})
	if q != `INSERT INTO t ("a", "b") VALUES (?,?), (?,?)` {
		t.Fatalf("q=%s", q)
	}
	if len(args) != 4 || args[1] != "2025-10-04T00:00:00Z" {
		t.Fatalf("args=%v", args)
	}
}

func TestStore_InsertBatchIsAtomic(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	cols := []string{"run_id", "data", "sheet_name"}

	if err := s.InsertBatch(ctx, "data_source_datpol", cols, [][]any{{1, `{"a":"1"}`, nil}, {1, `{"a":"2"}`, "Hoja1"}}); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if n := count(t, s, "data_source_datpol"); n != 2 {
		t.Fatalf("rows=%d, want 2", n)
	}

	// run_id is NOT NULL, so the second row poisons the whole batch.
	err := s.InsertBatch(ctx, "data_source_datpol", cols, [][]any{{2, `{}`, nil}, {nil, `{}`, nil}})
	if err == nil {
		t.Fatal("expected constraint error")
	}
	if n := count(t, s, "data_source_datpol"); n != 2 {
		t.Fatalf("rows=%d after failed batch, want 2", n)
	}

	if err := s.InsertRow(ctx, "data_source_datpol", cols, []any{3, `{}`, nil}); err != nil {
		t.Fatalf("InsertRow: %v", err)
	}
	if n := count(t, s, "data_source_datpol"); n != 3 {
		t.Fatalf("rows=%d, want 3", n)
	}
}

func TestStore_LogImportErrorAndRead(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	for _, line := range []int{4321, 10} {
		err := s.LogImportError(ctx, storage.ImportError{
			RunID: 7, DataSourceCode: "DETTRA", TableName: "data_source_dettra",
			LineNumber: line, LineContent: "a;b", ErrorType: storage.ErrorTypeColumnMismatch,
			ErrorMessage: "expected 3 columns, found 2",
		})
		if err != nil {
			t.Fatalf("LogImportError: %v", err)
		}
	}

	got, err := s.ImportErrors(ctx, 7)
	if err != nil {
		t.Fatalf("ImportErrors: %v", err)
	}
	if len(got) != 2 || got[0].LineNumber != 10 || got[1].LineNumber != 4321 {
		t.Fatalf("errors=%+v", got)
	}
	if got[0].CreatedAt.IsZero() || got[0].ErrorType != storage.ErrorTypeColumnMismatch {
		t.Fatalf("error=%+v", got[0])
	}
}

func TestStore_UpdateRunStatusUpserts(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	run := storage.RunRecord{ID: 42, NoticeType: "constitucion_mora_aportantes", Period: "202509", Status: "processing"}
	if err := s.UpdateRunStatus(ctx, run); err != nil {
		t.Fatal(err)
	}
	run.Status = "completed"
	run.Results = `{"steps":5}`
	if err := s.UpdateRunStatus(ctx, run); err != nil {
		t.Fatal(err)
	}

	var status, results string
	if err := s.DB().QueryRow(`SELECT "status", "results" FROM ingest_runs WHERE "id" = 42`).Scan(&status, &results); err != nil {
		t.Fatal(err)
	}
	if status != "completed" || results != `{"steps":5}` {
		t.Fatalf("status=%s results=%s", status, results)
	}
	if n := count(t, s, storage.RunsTable); n != 1 {
		t.Fatalf("rows=%d, want 1", n)
	}
}

func TestNew_ViaRegistry(t *testing.T) {
	t.Parallel()

	s, err := storage.New(context.Background(), storage.Config{Kind: "sqlite", DSN: filepath.Join(t.TempDir(), "r.db")})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	s.Close()
}
