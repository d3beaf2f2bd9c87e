// Package importer loads sanitized CSV files into staging tables.
//
// Two strategies exist:
//   - CopyImporter streams the file through the backend's native bulk copy.
//     It is fast and all-or-nothing.
//   - ResilientImporter inserts batches in transactions and falls back to
//     row-by-row inserts when a batch fails, logging every rejected row to
//     the import error table.
package importer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"cobranza/internal/metrics"
	"cobranza/internal/storage"
)

// Logger is the minimal logging interface used by this package.
type Logger interface {
	Printf(format string, v ...any)
}

// CopyResult is the outcome of a bulk copy. Rows is the number of data
// records counted in the input, independent of what the engine reports.
type CopyResult struct {
	Rows     int64
	Duration time.Duration
}

// CopyImporter runs all-or-nothing bulk copies.
type CopyImporter struct {
	Copier storage.CSVCopier
	Logger Logger

	// Job labels metrics.
	Job string
}

// NewCopyImporter returns an importer over c.
func NewCopyImporter(c storage.CSVCopier, logger Logger) *CopyImporter {
	return &CopyImporter{Copier: c, Logger: logger}
}

func (i *CopyImporter) logf(format string, v ...any) {
	if i.Logger != nil {
		i.Logger.Printf(format, v...)
	}
}

func (i *CopyImporter) job() string {
	if i.Job == "" {
		return "ingest"
	}
	return i.Job
}

// ImportFromFile copies csvPath into table. Empty fields load as NULL.
//
// Errors:
//   - Any malformed row aborts the whole copy; nothing is kept and the
//     engine's error is returned wrapped.
func (i *CopyImporter) ImportFromFile(ctx context.Context, table, csvPath string, columns []string, delimiter rune, hasHeader bool) (CopyResult, error) {
	start := time.Now()

	records, err := countRecordsInFile(csvPath)
	if err != nil {
		return CopyResult{}, err
	}
	if hasHeader && records > 0 {
		records--
	}

	f, err := os.Open(csvPath)
	if err != nil {
		return CopyResult{}, fmt.Errorf("importer: open %s: %w", csvPath, err)
	}
	defer f.Close()

	if _, err := i.Copier.CopyFromCSV(ctx, table, columns, bufio.NewReaderSize(f, 256*1024), delimiter, hasHeader); err != nil {
		i.logf("stage=copy level=error table=%s file=%s err=%v", table, csvPath, err)
		return CopyResult{}, fmt.Errorf("importer: copy %s into %s: %w", csvPath, table, err)
	}

	d := time.Since(start)
	metrics.RecordImport(i.job(), "copy", table, d)
	metrics.RecordRow(i.job(), "imported", records)
	i.logf("stage=copy table=%s file=%s rows=%d duration=%s", table, csvPath, records, d)
	return CopyResult{Rows: records, Duration: d}, nil
}

// ImportMultipleSheets copies every sheet CSV (sheet name -> path, each with
// a header) into table, in sheet-name order, and sums the results. The first
// failure stops the sequence; sheets already copied stay loaded.
func (i *CopyImporter) ImportMultipleSheets(ctx context.Context, table string, sheets map[string]string, columns []string, delimiter rune) (CopyResult, error) {
	names := make([]string, 0, len(sheets))
	for n := range sheets {
		names = append(names, n)
	}
	sort.Strings(names)

	var total CopyResult
	for _, n := range names {
		res, err := i.ImportFromFile(ctx, table, sheets[n], columns, delimiter, true)
		if err != nil {
			return total, fmt.Errorf("importer: sheet %q: %w", n, err)
		}
		total.Rows += res.Rows
		total.Duration += res.Duration
	}
	return total, nil
}

func countRecordsInFile(p string) (int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, fmt.Errorf("importer: open %s: %w", p, err)
	}
	defer f.Close()

	n, err := countRecords(f)
	if err != nil {
		return 0, fmt.Errorf("importer: count %s: %w", p, err)
	}
	return n, nil
}

// countRecords counts CSV records: line breaks outside quoted fields, plus a
// final unterminated line. Blank lines do not count.
func countRecords(r io.Reader) (int64, error) {
	br := bufio.NewReaderSize(r, 256*1024)

	var (
		n       int64
		inQuote bool
		content bool
	)
	for {
		b, err := br.ReadByte()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
		switch {
		case b == '"':
			inQuote = !inQuote
			content = true
		case b == '\n' && !inQuote:
			if content {
				n++
			}
			content = false
		case b == '\r' && !inQuote:
		default:
			content = true
		}
	}
	if content {
		n++
	}
	return n, nil
}
