package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"cobranza/internal/storage"
)

// Store implements storage.Store for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no native timestamp type, so timestamps are written as
//     RFC3339Nano TEXT for reliable round trips.
//   - JSON columns are TEXT; the sanitizer already guarantees valid JSON.
//   - The pool is limited to one connection: SQLite allows a single writer and
//     ":memory:" databases are per connection.
type Store struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

// New opens the database named by cfg.DSN and pings it.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	return Open(ctx, cfg.DSN)
}

// Open is New with a concrete return type, for callers that need DB or
// ImportErrors.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() { _ = s.db.Close() }

// EnsureTables creates each table and its indexes when missing.
func (s *Store) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		stmts, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		for _, q := range stmts {
			if _, err := s.db.ExecContext(ctx, q); err != nil {
				return fmt.Errorf("create table %s: %w", t.Name, err)
			}
		}
	}
	return nil
}

// InsertBatch runs one multi-row INSERT in a transaction.
func (s *Store) InsertBatch(ctx context.Context, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	q, args := buildInsertSQL(table, columns, rows)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// InsertRow inserts a single row in autocommit mode.
func (s *Store) InsertRow(ctx context.Context, table string, columns []string, row []any) error {
	q, args := buildInsertSQL(table, columns, [][]any{row})
	_, err := s.db.ExecContext(ctx, q, args...)
	return err
}

// LogImportError writes e in its own transaction.
func (s *Store) LogImportError(ctx context.Context, e storage.ImportError) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	q, args := buildInsertSQL(storage.ErrorLogTable,
		[]string{"run_id", "data_source_code", "table_name", "line_number", "line_content", "error_type", "error_message", "created_at"},
		[][]any{{e.RunID, e.DataSourceCode, e.TableName, e.LineNumber, e.LineContent, e.ErrorType, e.ErrorMessage, e.CreatedAt}},
	)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// UpdateRunStatus upserts run keyed by id.
func (s *Store) UpdateRunStatus(ctx context.Context, run storage.RunRecord) error {
	const q = `INSERT INTO ` + storage.RunsTable + ` ("id", "notice_type", "period", "status", "results", "errors", "updated_at")
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT ("id") DO UPDATE SET
  "status" = excluded."status",
  "results" = excluded."results",
  "errors" = excluded."errors",
  "updated_at" = excluded."updated_at"`
	_, err := s.db.ExecContext(ctx, q,
		run.ID, run.NoticeType, run.Period, run.Status,
		nullIfEmpty(run.Results), nullIfEmpty(run.Errors), formatSQLiteTime(time.Now()))
	return err
}

// ImportErrors returns the logged errors of runID ordered by line number.
func (s *Store) ImportErrors(ctx context.Context, runID int64) ([]storage.ImportError, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT "run_id", "data_source_code", "table_name", "line_number",
  COALESCE("line_content", ''), COALESCE("error_type", ''), "error_message", "created_at"
FROM `+storage.ErrorLogTable+` WHERE "run_id" = ? ORDER BY "line_number", "id"`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.ImportError
	for rows.Next() {
		var e storage.ImportError
		var created string
		if err := rows.Scan(&e.RunID, &e.DataSourceCode, &e.TableName, &e.LineNumber,
			&e.LineContent, &e.ErrorType, &e.ErrorMessage, &created); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseSQLiteTime(created); err != nil {
			return nil, fmt.Errorf("sqlite: created_at of line %d: %w", e.LineNumber, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func sqliteType(c storage.ColumnSpec) string {
	switch c.Type {
	case storage.TypeBigInt, storage.TypeInt:
		return "INTEGER"
	case storage.TypeDecimal:
		return "NUMERIC"
	default:
		// string, text, json and timestamp all use TEXT affinity.
		return "TEXT"
	}
}

// buildCreateSQL returns the CREATE TABLE statement followed by one CREATE
// INDEX per index group.
func buildCreateSQL(t storage.TableSpec) ([]string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return nil, fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return nil, fmt.Errorf("table %s: no columns", t.Name)
	}

	var parts []string
	if t.PrimaryKey != "" {
		parts = append(parts, fmt.Sprintf(`%s INTEGER PRIMARY KEY AUTOINCREMENT`, sqlIdent(t.PrimaryKey)))
	}
	for _, c := range t.Columns {
		col := fmt.Sprintf("%s %s", sqlIdent(c.Name), sqliteType(c))
		if c.NotNull {
			col += " NOT NULL"
		}
		if c.DefaultNow {
			col += " DEFAULT CURRENT_TIMESTAMP"
		}
		parts = append(parts, col)
	}
	if len(t.Unique) > 0 {
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", joinIdentList(t.Unique)))
	}

	stmts := []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", t.Name, strings.Join(parts, ",\n  "))}
	for _, cols := range t.Indexes {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s);",
			sqlIdent("idx_"+t.Name+"_"+strings.Join(cols, "_")), t.Name, joinIdentList(cols)))
	}
	return stmts, nil
}

// buildInsertSQL builds a multi-row INSERT. time.Time values are formatted as
// RFC3339Nano text.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	placeholders := "(" + strings.TrimRight(strings.Repeat("?,", len(columns)), ",") + ")"

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(joinIdentList(columns))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		for _, v := range row {
			if ts, ok := v.(time.Time); ok {
				v = formatSQLiteTime(ts)
			}
			args = append(args, v)
		}
	}
	return b.String(), args
}

func joinIdentList(columns []string) string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = sqlIdent(c)
	}
	return strings.Join(out, ", ")
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// formatSQLiteTime formats a time as RFC3339Nano in UTC.
func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseSQLiteTime parses timestamps returned by SQLite.
//
// Supported formats:
//   - RFC3339Nano (what this package writes)
//   - RFC3339
//   - "2006-01-02 15:04:05" as produced by CURRENT_TIMESTAMP (UTC)
func parseSQLiteTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05Z07:00"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	if ts, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.UTC); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}

var _ storage.Store = (*Store)(nil)
