package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cobranza/internal/config"
	"cobranza/internal/storage"
	"cobranza/internal/storage/sqlite"
)

func openStore(t *testing.T, extra ...storage.TableSpec) *sqlite.Store {
	t.Helper()
	ctx := context.Background()
	s, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "staging.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.EnsureTables(ctx, append(storage.AllTables(), extra...)); err != nil {
		t.Fatalf("ensure tables: %v", err)
	}
	return s
}

func countRows(t *testing.T, s *sqlite.Store, table string) int {
	t.Helper()
	var n int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func writeFile(t *testing.T, name string, body []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, body, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

// strictTable has a NOT NULL text column so single rows can be made to fail.
var strictTable = storage.TableSpec{
	Name:       "strict_rows",
	PrimaryKey: "id",
	Columns: []storage.ColumnSpec{
		{Name: "run_id", Type: storage.TypeBigInt, NotNull: true},
		{Name: "a", Type: storage.TypeText, NotNull: true},
		{Name: "created_at", Type: storage.TypeTimestamp, NotNull: true},
	},
}

func TestResilientColumnMismatchAtScale(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString("run_id;data;sheet_name\n")
	for line := 2; line <= 5001; line++ {
		if line == 10 || line == 4321 {
			b.WriteString("0;\"{}\";x;extra\n")
			continue
		}
		fmt.Fprintf(&b, "0;\"{\"\"n\"\":%d}\";\n", line)
	}
	csvPath := writeFile(t, "baprpo.csv", []byte(b.String()))

	store := openStore(t)
	ds, _ := storage.LookupDataSource("BAPRPO")
	im := NewResilientImporter(store, nil)

	out, err := im.ImportFromFile(context.Background(), Request{
		Table:          ds.Table,
		CSVPath:        csvPath,
		Columns:        ds.LoadColumns(),
		RunID:          42,
		DataSourceCode: ds.Code,
		Delimiter:      ';',
		HasHeader:      true,
	})
	if err != nil {
		t.Fatal(err)
	}

	if out.TotalRows != 5000 || out.SuccessRows != 4998 || out.ErrorRows != 2 || out.ErrorsLogged != 2 {
		t.Fatalf("outcome = %+v", out)
	}
	if got := countRows(t, store, ds.Table); got != 4998 {
		t.Fatalf("staged rows = %d, want 4998", got)
	}

	var other int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM data_source_baprpo WHERE run_id <> 42 OR created_at IS NULL`).Scan(&other); err != nil {
		t.Fatal(err)
	}
	if other != 0 {
		t.Fatalf("%d rows without run_id/created_at", other)
	}

	logged, err := store.ImportErrors(context.Background(), 42)
	if err != nil {
		t.Fatal(err)
	}
	if len(logged) != 2 {
		t.Fatalf("logged = %d, want 2", len(logged))
	}
	for i, wantLine := range []int{10, 4321} {
		e := logged[i]
		if e.LineNumber != wantLine || e.ErrorType != storage.ErrorTypeColumnMismatch {
			t.Fatalf("entry %d = %+v", i, e)
		}
		if e.ErrorMessage != "expected 3 columns, found 4" || e.LineContent != "0;{};x;extra" {
			t.Fatalf("entry %d = %+v", i, e)
		}
		if e.DataSourceCode != "BAPRPO" || e.TableName != ds.Table {
			t.Fatalf("entry %d = %+v", i, e)
		}
	}
}

func TestResilientFallsBackRowByRow(t *testing.T) {
	t.Parallel()

	// Lines 3 and 6 have an empty "a", which violates NOT NULL.
	csvPath := writeFile(t, "strict.csv", []byte("a\nr1\n\"\"\nr3\nr4\n\"\"\nr6\nr7\n"))

	store := openStore(t, strictTable)
	im := &ResilientImporter{Store: store, BatchSize: 3}

	out, err := im.ImportFromFile(context.Background(), Request{
		Table:          strictTable.Name,
		CSVPath:        csvPath,
		Columns:        []string{"a"},
		RunID:          7,
		DataSourceCode: "TEST",
		HasHeader:      true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.TotalRows != 7 || out.SuccessRows != 5 || out.ErrorRows != 2 || out.ErrorsLogged != 2 {
		t.Fatalf("outcome = %+v", out)
	}
	if got := countRows(t, store, strictTable.Name); got != 5 {
		t.Fatalf("rows = %d, want 5", got)
	}

	logged, err := store.ImportErrors(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(logged) != 2 || logged[0].LineNumber != 3 || logged[1].LineNumber != 6 {
		t.Fatalf("logged = %+v", logged)
	}
	for _, e := range logged {
		if e.ErrorType != storage.ErrorTypeInsert || e.LineContent != "" || e.ErrorMessage == "" {
			t.Fatalf("entry = %+v", e)
		}
	}
}

func TestResilientTranscodesLatin1(t *testing.T) {
	t.Parallel()

	csvPath := writeFile(t, "latin1.csv", []byte("a\nJos\xe9\nNi\xf1o\n"))
	store := openStore(t, strictTable)

	out, err := NewResilientImporter(store, nil).ImportFromFile(context.Background(), Request{
		Table:     strictTable.Name,
		CSVPath:   csvPath,
		Columns:   []string{"a"},
		RunID:     1,
		HasHeader: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.SuccessRows != 2 {
		t.Fatalf("outcome = %+v", out)
	}

	var got []string
	rows, err := store.DB().Query(`SELECT a FROM strict_rows ORDER BY id`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			t.Fatal(err)
		}
		got = append(got, s)
	}
	if strings.Join(got, ",") != "José,Niño" {
		t.Fatalf("rows = %q", got)
	}
	if _, err := os.Stat(csvPath + ".utf8.csv"); !os.IsNotExist(err) {
		t.Fatalf("transcoded file not removed: %v", err)
	}
}

// failingLog makes every error-log write fail.
type failingLog struct{ storage.Store }

func (failingLog) LogImportError(context.Context, storage.ImportError) error {
	return errors.New("log table unavailable")
}

func TestResilientContinuesWhenErrorLogFails(t *testing.T) {
	t.Parallel()

	csvPath := writeFile(t, "bad.csv", []byte("a\nok\nx;y\nok2\n"))
	store := openStore(t, strictTable)

	out, err := NewResilientImporter(failingLog{store}, nil).ImportFromFile(context.Background(), Request{
		Table:     strictTable.Name,
		CSVPath:   csvPath,
		Columns:   []string{"a"},
		RunID:     1,
		Delimiter: ';',
		HasHeader: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.TotalRows != 3 || out.SuccessRows != 2 || out.ErrorRows != 1 || out.ErrorsLogged != 0 {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestResilientCancelledContext(t *testing.T) {
	t.Parallel()

	csvPath := writeFile(t, "rows.csv", []byte("a\n1\n2\n"))
	store := openStore(t, strictTable)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewResilientImporter(store, nil).ImportFromFile(ctx, Request{
		Table:     strictTable.Name,
		CSVPath:   csvPath,
		Columns:   []string{"a"},
		HasHeader: true,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestResilientRequiresColumns(t *testing.T) {
	t.Parallel()

	if _, err := NewResilientImporter(nil, nil).ImportFromFile(context.Background(), Request{Table: "t"}); err == nil {
		t.Fatal("expected error for empty column list")
	}
}

func TestTruncateRunes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"abc", 5, "abc"},
		{"abcdef", 3, "abc"},
		{"ñandú", 3, "ñan"},
		{"", 3, ""},
	}
	for _, tt := range tests {
		if got := truncateRunes(tt.in, tt.n); got != tt.want {
			t.Errorf("truncateRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}

	long := strings.Repeat("é", 600)
	if got := truncateRunes(long, maxLineContent); len([]rune(got)) != 500 {
		t.Fatalf("runes = %d, want 500", len([]rune(got)))
	}
}

func TestResilientAppliesReaderOptions(t *testing.T) {
	t.Parallel()

	csvPath := writeFile(t, "padded.csv", []byte("a\n  r1  \n"))
	store := openStore(t, strictTable)

	im := NewResilientImporter(store, nil)
	im.Options = config.Options{"trim_space": true, "comma": ","}

	out, err := im.ImportFromFile(context.Background(), Request{
		Table:     strictTable.Name,
		CSVPath:   csvPath,
		Columns:   []string{"a"},
		RunID:     1,
		Delimiter: ';',
		HasHeader: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.SuccessRows != 1 {
		t.Fatalf("outcome = %+v", out)
	}
	var got string
	if err := store.DB().QueryRow(`SELECT a FROM strict_rows`).Scan(&got); err != nil {
		t.Fatal(err)
	}
	if got != "r1" {
		t.Fatalf("a = %q, want trimmed", got)
	}
}
