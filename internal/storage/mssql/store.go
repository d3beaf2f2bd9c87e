package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"cobranza/internal/storage"
)

// SQL Server rejects statements with more than 2100 parameters and row
// constructors with more than 1000 rows.
const (
	maxParams       = 2000
	maxRowsPerValue = 1000
)

// Store implements storage.Store and storage.CSVCopier for Microsoft SQL
// Server using database/sql and the go-mssqldb driver.
//
// Batches wider than the parameter limit are split into several INSERT
// statements that share one transaction, so InsertBatch stays all-or-nothing.
type Store struct {
	db  dbConn
	raw *sql.DB
}

func init() {
	storage.Register("mssql", New)
}

// New opens a "sqlserver" connection pool for cfg.DSN and pings it.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	raw.SetMaxOpenConns(16)
	raw.SetMaxIdleConns(16)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Store{db: &sqlDB{db: raw}, raw: raw}, nil
}

// Close releases database resources held by this store.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

// EnsureTables creates missing tables and their indexes. Each statement is
// guarded by OBJECT_ID / sys.indexes checks, so it is safe to run on every
// start.
func (s *Store) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		stmts, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		for _, q := range stmts {
			if _, err := s.db.ExecContext(ctx, q); err != nil {
				return fmt.Errorf("mssql: create %s: %w", t.Name, err)
			}
		}
	}
	return nil
}

// InsertBatch inserts rows inside one transaction, chunked under the
// parameter limit.
func (s *Store) InsertBatch(ctx context.Context, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	if len(columns) == 0 {
		return fmt.Errorf("mssql: insert into %s: no columns", table)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mssql: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, chunk := range chunkRows(rows, len(columns)) {
		q, args := buildBulkInsertSQL(table, columns, chunk)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// InsertRow inserts one row in autocommit mode.
func (s *Store) InsertRow(ctx context.Context, table string, columns []string, row []any) error {
	q, args := buildBulkInsertSQL(table, columns, [][]any{row})
	_, err := s.db.ExecContext(ctx, q, args...)
	return err
}

// LogImportError writes e in its own transaction.
func (s *Store) LogImportError(ctx context.Context, e storage.ImportError) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	q, args := buildBulkInsertSQL(storage.ErrorLogTable,
		[]string{"run_id", "data_source_code", "table_name", "line_number", "line_content", "error_type", "error_message", "created_at"},
		[][]any{{e.RunID, e.DataSourceCode, e.TableName, e.LineNumber, e.LineContent, e.ErrorType, e.ErrorMessage, e.CreatedAt}},
	)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mssql: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return err
	}
	return tx.Commit()
}

const upsertRunSQL = `MERGE [` + storage.RunsTable + `] WITH (HOLDLOCK) AS t
USING (SELECT @p1 AS id) AS s ON t.[id] = s.id
WHEN MATCHED THEN
  UPDATE SET [status] = @p4, [results] = @p5, [errors] = @p6, [updated_at] = SYSDATETIME()
WHEN NOT MATCHED THEN
  INSERT ([id], [notice_type], [period], [status], [results], [errors], [updated_at])
  VALUES (@p1, @p2, @p3, @p4, @p5, @p6, SYSDATETIME());`

// UpdateRunStatus upserts run keyed by id.
func (s *Store) UpdateRunStatus(ctx context.Context, run storage.RunRecord) error {
	_, err := s.db.ExecContext(ctx, upsertRunSQL,
		run.ID, run.NoticeType, nullIfEmpty(run.Period), run.Status, nullIfEmpty(run.Results), nullIfEmpty(run.Errors))
	return err
}

// chunkRows splits rows so each INSERT stays under both server limits.
func chunkRows(rows [][]any, width int) [][][]any {
	per := maxParams / width
	if per > maxRowsPerValue {
		per = maxRowsPerValue
	}
	if per < 1 {
		per = 1
	}

	var out [][][]any
	for len(rows) > per {
		out = append(out, rows[:per])
		rows = rows[per:]
	}
	return append(out, rows)
}

// buildCreateSQL returns the guarded CREATE TABLE followed by one guarded
// CREATE INDEX per index group.
func buildCreateSQL(t storage.TableSpec) ([]string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return nil, fmt.Errorf("mssql: table name is empty")
	}
	if len(t.Columns) == 0 {
		return nil, fmt.Errorf("mssql: table %s: no columns", t.Name)
	}

	var parts []string
	if t.PrimaryKey != "" {
		parts = append(parts, fmt.Sprintf("%s BIGINT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(t.PrimaryKey)))
	}
	for _, c := range t.Columns {
		parts = append(parts, mssqlColumnDef(c))
	}
	if len(t.Unique) > 0 {
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", joinIdents(t.Unique)))
	}

	stmts := []string{wrapCreateIfMissing(t.Name, strings.Join(parts, ", "))}
	for _, cols := range t.Indexes {
		name := "idx_" + t.Name + "_" + strings.Join(cols, "_")
		stmts = append(stmts, fmt.Sprintf(
			"IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'%s' AND object_id = OBJECT_ID(N'%s')) CREATE INDEX %s ON %s (%s);",
			name, t.Name, mssqlIdent(name), mssqlTableIdent(t.Name), joinIdents(cols)))
	}
	return stmts, nil
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard.
func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		tableName,
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

func mssqlColumnDef(c storage.ColumnSpec) string {
	def := mssqlIdent(c.Name) + " " + mssqlType(c)
	if c.NotNull {
		def += " NOT NULL"
	}
	if c.DefaultNow {
		def += " DEFAULT SYSDATETIMEOFFSET()"
	}
	return def
}

func mssqlType(c storage.ColumnSpec) string {
	switch c.Type {
	case storage.TypeBigInt:
		return "BIGINT"
	case storage.TypeInt:
		return "INT"
	case storage.TypeString:
		if c.Size > 0 {
			return fmt.Sprintf("NVARCHAR(%d)", c.Size)
		}
		return "NVARCHAR(255)"
	case storage.TypeDecimal:
		return "DECIMAL(15,2)"
	case storage.TypeTimestamp:
		return "DATETIMEOFFSET"
	default:
		// text and json
		return "NVARCHAR(MAX)"
	}
}

// buildBulkInsertSQL builds a single INSERT ... VALUES statement for all rows
// with @pN placeholders.
func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	return b.String(), args
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.csv_import_error_logs" -> [dbo].[csv_import_error_logs]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = mssqlIdent(c)
	}
	return strings.Join(out, ", ")
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

var (
	_ dbConn            = (*sqlDB)(nil)
	_ txConn            = (*sql.Tx)(nil)
	_ storage.Store     = (*Store)(nil)
	_ storage.CSVCopier = (*Store)(nil)
)
