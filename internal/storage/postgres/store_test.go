package postgres

import (
	"strings"
	"testing"

	"cobranza/internal/storage"
)

func TestBuildInsertSQL(t *testing.T) {
	t.Parallel()

	q, args := buildInsertSQL("data_source_baprpo", []string{"run_id", "data"}, [][]any{
		{int64(1), `{"a":"x"}`},
		{int64(1), nil},
	})

	want := `INSERT INTO "data_source_baprpo" ("run_id", "data") VALUES ($1, $2), ($3, $4)`
	if q != want {
		t.Fatalf("sql\n got: %s\nwant: %s", q, want)
	}
	if len(args) != 4 || args[3] != nil {
		t.Fatalf("args = %#v", args)
	}
}

func TestPGFQN(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"t", `"t"`},
		{"staging.t", `"staging"."t"`},
		{`we"ird`, `"we""ird"`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			if got := pgFQN(tt.in); got != tt.want {
				t.Fatalf("pgFQN(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestBuildCopySQL(t *testing.T) {
	t.Parallel()

	q, err := buildCopySQL("data_source_bascar", []string{"run_id", "data"}, ';', true)
	if err != nil {
		t.Fatal(err)
	}
	want := `COPY "data_source_bascar" ("run_id", "data") FROM STDIN WITH (FORMAT csv, DELIMITER ';', NULL '', HEADER true)`
	if q != want {
		t.Fatalf("sql\n got: %s\nwant: %s", q, want)
	}

	q, err = buildCopySQL("t", []string{"a"}, ',', false)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(q, "HEADER") {
		t.Fatalf("unexpected HEADER option: %s", q)
	}

	for _, d := range []rune{'\'', '"', '\n', 'ñ'} {
		if _, err := buildCopySQL("t", []string{"a"}, d, false); err == nil {
			t.Fatalf("delimiter %q accepted", d)
		}
	}
	if _, err := buildCopySQL("t", nil, ';', false); err == nil {
		t.Fatal("empty column list accepted")
	}
}

func TestMigrationURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		dsn     string
		want    string
		wantErr bool
	}{
		{dsn: "postgres://u:p@h:5432/db?sslmode=disable", want: "pgx5://u:p@h:5432/db?sslmode=disable"},
		{dsn: "postgresql://h/db", want: "pgx5://h/db"},
		{dsn: "pgx5://h/db", want: "pgx5://h/db"},
		{dsn: "host=h user=u password=secret", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			t.Parallel()
			got, err := migrationURL(tt.dsn)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				if strings.Contains(err.Error(), "secret") {
					t.Fatalf("error leaks password: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("migrationURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRedact(t *testing.T) {
	t.Parallel()

	if got := redact("postgres://u:secret@h/db"); strings.Contains(got, "secret") {
		t.Fatalf("redact leaked password: %s", got)
	}
	if got := redact("host=h password=secret"); got != "keyword DSN" {
		t.Fatalf("redact = %q", got)
	}
}

// The migration is the Postgres schema of record; it must cover every table
// the catalog declares.
func TestMigrationsCoverCatalog(t *testing.T) {
	t.Parallel()

	up, err := migrationsFS.ReadFile("migrations/000001_staging_tables.up.sql")
	if err != nil {
		t.Fatal(err)
	}
	down, err := migrationsFS.ReadFile("migrations/000001_staging_tables.down.sql")
	if err != nil {
		t.Fatal(err)
	}

	for _, spec := range storage.AllTables() {
		if !strings.Contains(string(up), "CREATE TABLE IF NOT EXISTS "+spec.Name+" (") {
			t.Errorf("up migration missing table %s", spec.Name)
		}
		if !strings.Contains(string(down), "DROP TABLE IF EXISTS "+spec.Name+";") {
			t.Errorf("down migration missing table %s", spec.Name)
		}
		for _, c := range spec.Columns {
			if !strings.Contains(string(up), " "+c.Name+" ") {
				t.Errorf("up migration: table %s missing column %s", spec.Name, c.Name)
			}
		}
	}
}
