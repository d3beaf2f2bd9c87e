package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cobranza/internal/storage"
)

/*
Store implements storage.Store and storage.CSVCopier for Postgres.

It provides:
  - Multi-row batch inserts inside a pgx transaction
  - Autocommit single-row inserts for the resilient fallback
  - COPY FROM STDIN for the fast path (see copy.go)
  - Schema management through embedded golang-migrate migrations
*/
type Store struct {
	pool   *pgxpool.Pool
	dsn    string
	logger Logger
}

func init() {
	storage.Register("postgres", New)
}

// New creates a pool for cfg.DSN and pings it.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	return Open(ctx, cfg.DSN, nil)
}

// Open is New with a concrete return type and an optional logger.
func Open(ctx context.Context, dsn string, logger Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool, dsn: dsn, logger: logger}, nil
}

// Pool exposes the underlying pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureTables applies the embedded migrations and then checks that every
// requested table exists. The migrations are the schema of record on
// Postgres; the TableSpecs only name what must be there.
func (s *Store) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	if err := Migrate(s.dsn, s.logger); err != nil {
		return err
	}
	for _, t := range tables {
		var reg *string
		if err := s.pool.QueryRow(ctx, `SELECT to_regclass($1)::text`, t.Name).Scan(&reg); err != nil {
			return fmt.Errorf("postgres: check table %s: %w", t.Name, err)
		}
		if reg == nil {
			return fmt.Errorf("postgres: table %s missing after migrations", t.Name)
		}
	}
	return nil
}

// InsertBatch runs one multi-row INSERT inside a transaction.
func (s *Store) InsertBatch(ctx context.Context, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	q, args := buildInsertSQL(table, columns, rows)

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, q, args...)
		return err
	})
}

// InsertRow inserts one row in autocommit mode.
func (s *Store) InsertRow(ctx context.Context, table string, columns []string, row []any) error {
	q, args := buildInsertSQL(table, columns, [][]any{row})
	_, err := s.pool.Exec(ctx, q, args...)
	return err
}

// LogImportError writes e in its own transaction so an aborted import
// transaction can never block it.
func (s *Store) LogImportError(ctx context.Context, e storage.ImportError) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	q, args := buildInsertSQL(storage.ErrorLogTable,
		[]string{"run_id", "data_source_code", "table_name", "line_number", "line_content", "error_type", "error_message", "created_at"},
		[][]any{{e.RunID, e.DataSourceCode, e.TableName, e.LineNumber, e.LineContent, e.ErrorType, e.ErrorMessage, e.CreatedAt}},
	)
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, q, args...)
		return err
	})
}

const upsertRunSQL = `INSERT INTO ` + storage.RunsTable + ` (id, notice_type, period, status, results, errors, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  results = EXCLUDED.results,
  errors = EXCLUDED.errors,
  updated_at = EXCLUDED.updated_at`

// UpdateRunStatus upserts run keyed by id.
func (s *Store) UpdateRunStatus(ctx context.Context, run storage.RunRecord) error {
	_, err := s.pool.Exec(ctx, upsertRunSQL,
		run.ID, run.NoticeType, run.Period, run.Status, jsonOrNil(run.Results), jsonOrNil(run.Errors))
	return err
}

func jsonOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// buildInsertSQL constructs a single INSERT statement and its args.
//
// Constraints:
//   - every row must have len(columns) values.
//   - columns must be non-empty.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgFQN(table))
	b.WriteString(" (")
	b.WriteString(strings.Join(mapIdent(columns), ", "))
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
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	return b.String(), args
}

func pgIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

// pgFQN quotes a possibly schema-qualified name like "staging.data_source_bascar".
func pgFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pgIdent(strings.TrimSpace(p))
	}
	return strings.Join(parts, ".")
}

func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgIdent(c)
	}
	return out
}

var (
	_ storage.Store     = (*Store)(nil)
	_ storage.CSVCopier = (*Store)(nil)
)
