// Package storage defines the staging store used by the importers and the run
// orchestrator, the backend factory registry, and the static catalog of
// staging tables.
//
// Backends live in subpackages (postgres, sqlite, mssql) and register
// themselves from init(). Import internal/storage/all to link every backend.
package storage

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// Config is the minimal configuration needed to open a Store.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// ImportError is one row of the csv_import_error_logs table.
type ImportError struct {
	RunID          int64
	DataSourceCode string
	TableName      string
	LineNumber     int
	LineContent    string
	ErrorType      string
	ErrorMessage   string
	CreatedAt      time.Time
}

// Error classifications written to ImportError.ErrorType.
const (
	ErrorTypeColumnMismatch = "column_mismatch"
	ErrorTypeInsert         = "insert_error"
)

// RunRecord is the persisted status of one collection-notice run.
type RunRecord struct {
	ID         int64
	NoticeType string
	Period     string
	Status     string
	// Results and Errors are stored as JSON text.
	Results string
	Errors  string
}

// Store is the backend-agnostic staging store.
//
// Each backend implements these semantics in its own idiomatic way
// (pgx batches and COPY on Postgres, database/sql elsewhere).
type Store interface {
	// Close releases backend resources. Call once at shutdown.
	Close()

	// EnsureTables creates the given tables when they are missing.
	EnsureTables(ctx context.Context, tables []TableSpec) error

	// InsertBatch inserts rows with one multi-row INSERT inside a transaction.
	// Either every row is stored or none is.
	InsertBatch(ctx context.Context, table string, columns []string, rows [][]any) error

	// InsertRow inserts one row outside any explicit transaction.
	InsertRow(ctx context.Context, table string, columns []string, row []any) error

	// LogImportError stores e in its own transaction.
	LogImportError(ctx context.Context, e ImportError) error

	// UpdateRunStatus upserts the status record of a run.
	UpdateRunStatus(ctx context.Context, run RunRecord) error
}

// CSVCopier is implemented by backends with a native bulk-copy path.
type CSVCopier interface {
	// CopyFromCSV streams r into table. It is all-or-nothing and returns the
	// number of rows the engine reports.
	CopyFromCSV(ctx context.Context, table string, columns []string, r io.Reader, delimiter rune, hasHeader bool) (int64, error)
}

type factory func(ctx context.Context, cfg Config) (Store, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty, f is nil, or kind is already registered.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New opens a Store using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds lists the registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
