package importer

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"cobranza/internal/charset"
	"cobranza/internal/config"
	"cobranza/internal/metrics"
	"cobranza/internal/parser"
	csvparser "cobranza/internal/parser/csv"
	"cobranza/internal/storage"
)

// Defaults for ResilientImporter.
const (
	DefaultBatchSize     = 1000
	DefaultProgressEvery = 25

	maxLineContent  = 500
	maxErrorMessage = 1000
)

// Request describes one resilient import.
//
// Columns maps the CSV fields positionally. run_id and created_at are set on
// every row: overwritten when Columns names them, appended otherwise.
type Request struct {
	Table          string
	CSVPath        string
	Columns        []string
	RunID          int64
	DataSourceCode string
	Delimiter      rune
	HasHeader      bool
}

// Outcome summarizes a resilient import. SuccessRows+ErrorRows == TotalRows.
type Outcome struct {
	TotalRows    int
	SuccessRows  int
	ErrorRows    int
	ErrorsLogged int
	Duration     time.Duration
}

// ResilientImporter loads CSV rows in batches and survives bad rows.
//
// Per batch:
//  1. one multi-row INSERT in a transaction
//  2. on failure, the batch's rows are inserted one at a time without a
//     transaction; rows that still fail are logged as insert_error
//
// Rows with the wrong field count never reach the database; they are logged
// as column_mismatch. Context cancellation and lost connections abort.
//
// NOTE: a crash during the row-by-row fallback leaves the rows inserted so
// far in place with no record of which ones they were.
type ResilientImporter struct {
	Store         storage.Store
	BatchSize     int
	ProgressEvery int
	Logger        Logger

	// Options are extra CSV reader options (trim_space, lazy_quotes). The
	// delimiter and header flag of the request always win.
	Options config.Options

	// Job labels metrics.
	Job string

	// Now stamps created_at; defaults to time.Now.
	Now func() time.Time
}

// NewResilientImporter returns an importer over store with default batching.
func NewResilientImporter(store storage.Store, logger Logger) *ResilientImporter {
	return &ResilientImporter{
		Store:         store,
		BatchSize:     DefaultBatchSize,
		ProgressEvery: DefaultProgressEvery,
		Logger:        logger,
	}
}

func (im *ResilientImporter) logf(format string, v ...any) {
	if im.Logger != nil {
		im.Logger.Printf(format, v...)
	}
}

func (im *ResilientImporter) job() string {
	if im.Job == "" {
		return "ingest"
	}
	return im.Job
}

func (im *ResilientImporter) now() time.Time {
	if im.Now != nil {
		return im.Now()
	}
	return time.Now()
}

// rowResult is the outcome of inserting one row during fallback.
type rowResult struct {
	line int
	err  error
}

// ImportFromFile streams req.CSVPath into req.Table.
//
// Errors:
//   - Setup failures (unreadable file, empty column list).
//   - Context cancellation and connection loss; counters up to that point
//     are returned with the error.
//
// Row-level failures are not errors; they are counted in Outcome and logged
// to the import error table.
func (im *ResilientImporter) ImportFromFile(ctx context.Context, req Request) (Outcome, error) {
	start := time.Now()
	if len(req.Columns) == 0 {
		return Outcome{}, fmt.Errorf("importer: %s: no columns", req.Table)
	}
	delim := req.Delimiter
	if delim == 0 {
		delim = ';'
	}

	path, cleanup, err := charset.EnsureUTF8(req.CSVPath)
	if err != nil {
		return Outcome{}, err
	}
	defer cleanup()
	if path != req.CSVPath {
		im.logf("stage=resilient table=%s file=%s transcoded=latin1", req.Table, req.CSVPath)
	}

	f, err := os.Open(path)
	if err != nil {
		return Outcome{}, fmt.Errorf("importer: open %s: %w", path, err)
	}

	r := &run{im: im, req: req, delim: delim}
	r.layout()

	// Parse errors surface on the producer goroutine; their counters are
	// merged after Wait.
	var parseErrs, parseLogged atomic.Int64
	onErr := func(line int, err error) {
		parseErrs.Add(1)
		if r.logError(ctx, line, "", storage.ErrorTypeColumnMismatch, err.Error()) {
			parseLogged.Add(1)
		}
	}

	opt := config.Options{"lazy_quotes": true}
	for k, v := range im.Options {
		opt[k] = v
	}
	opt["comma"] = string(delim)
	opt["has_header"] = req.HasHeader
	rows := make(chan *parser.Row, im.batchSize())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(rows)
		return csvparser.StreamRows(gctx, f, opt, rows, onErr)
	})
	g.Go(func() error {
		return r.consume(gctx, rows)
	})
	err = g.Wait()

	out := r.out
	out.TotalRows += int(parseErrs.Load())
	out.ErrorRows += int(parseErrs.Load())
	out.ErrorsLogged += int(parseLogged.Load())
	out.Duration = time.Since(start)

	metrics.RecordImport(im.job(), "resilient", req.Table, out.Duration)
	metrics.RecordRow(im.job(), "imported", int64(out.SuccessRows))
	metrics.RecordRow(im.job(), "failed", int64(out.ErrorRows))

	if err != nil {
		im.logf("stage=resilient level=error table=%s total=%d success=%d errors=%d err=%v",
			req.Table, out.TotalRows, out.SuccessRows, out.ErrorRows, err)
		return out, fmt.Errorf("importer: %s: %w", req.Table, err)
	}
	im.logf("stage=resilient table=%s source=%s total=%d success=%d errors=%d errors_logged=%d duration=%s",
		req.Table, req.DataSourceCode, out.TotalRows, out.SuccessRows, out.ErrorRows, out.ErrorsLogged, out.Duration)
	return out, nil
}

func (im *ResilientImporter) batchSize() int {
	if im.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return im.BatchSize
}

func (im *ResilientImporter) progressEvery() int {
	if im.ProgressEvery <= 0 {
		return DefaultProgressEvery
	}
	return im.ProgressEvery
}

// run is the state of one ImportFromFile call, owned by the consumer.
type run struct {
	im    *ResilientImporter
	req   Request
	delim rune

	insertCols []string
	runIdx     int
	createdIdx int

	batches int
	out     Outcome
}

func (r *run) layout() {
	r.insertCols = append([]string(nil), r.req.Columns...)
	r.runIdx, r.createdIdx = -1, -1
	for i, c := range r.insertCols {
		switch strings.ToLower(c) {
		case "run_id":
			r.runIdx = i
		case "created_at":
			r.createdIdx = i
		}
	}
	if r.runIdx < 0 {
		r.runIdx = len(r.insertCols)
		r.insertCols = append(r.insertCols, "run_id")
	}
	if r.createdIdx < 0 {
		r.createdIdx = len(r.insertCols)
		r.insertCols = append(r.insertCols, "created_at")
	}
}

func (r *run) consume(ctx context.Context, in <-chan *parser.Row) error {
	size := r.im.batchSize()
	batch := make([]*parser.Row, 0, size)

	for row := range in {
		r.out.TotalRows++

		if len(row.V) != len(r.req.Columns) {
			r.out.ErrorRows++
			msg := fmt.Sprintf("expected %d columns, found %d", len(r.req.Columns), len(row.V))
			if r.logError(ctx, row.Line, strings.Join(row.Strings(), string(r.delim)), storage.ErrorTypeColumnMismatch, msg) {
				r.out.ErrorsLogged++
			}
			metrics.RecordRow(r.im.job(), storage.ErrorTypeColumnMismatch, 1)
			row.Free()
			continue
		}

		batch = append(batch, row)
		if len(batch) == size {
			if err := r.flush(ctx, batch); err != nil {
				dropAll(batch)
				return err
			}
			batch = batch[:0]
		}
	}
	if err := ctx.Err(); err != nil {
		dropAll(batch)
		return err
	}
	if len(batch) > 0 {
		if err := r.flush(ctx, batch); err != nil {
			dropAll(batch)
			return err
		}
	}
	return nil
}

func dropAll(batch []*parser.Row) {
	for _, row := range batch {
		row.Drop()
	}
}

// flush inserts batch and frees its rows on success.
func (r *run) flush(ctx context.Context, batch []*parser.Row) error {
	if r.batches > 0 && r.batches%r.im.progressEvery() == 0 {
		r.im.logf("stage=resilient table=%s batches=%d rows=%d success=%d errors=%d",
			r.req.Table, r.batches, r.out.TotalRows, r.out.SuccessRows, r.out.ErrorRows)
	}
	r.batches++

	now := r.im.now()
	values := make([][]any, len(batch))
	for i, row := range batch {
		values[i] = r.values(row, now)
	}

	err := r.im.Store.InsertBatch(ctx, r.req.Table, r.insertCols, values)
	switch {
	case err == nil:
		r.out.SuccessRows += len(batch)
		metrics.RecordBatches(r.im.job(), "ok", 1)
	case fatal(ctx, err):
		return err
	default:
		metrics.RecordBatches(r.im.job(), "fallback", 1)
		r.im.logf("stage=resilient level=warn table=%s batch=%d rows=%d fallback=row_by_row err=%v",
			r.req.Table, r.batches, len(batch), err)
		if err := r.fallback(ctx, batch, values); err != nil {
			return err
		}
	}

	for _, row := range batch {
		row.Free()
	}
	runtime.GC()
	return nil
}

// fallback inserts rows one by one. Failing rows are logged; only fatal
// errors are returned.
func (r *run) fallback(ctx context.Context, batch []*parser.Row, values [][]any) error {
	for i, row := range batch {
		res := rowResult{line: row.Line, err: r.im.Store.InsertRow(ctx, r.req.Table, r.insertCols, values[i])}
		if res.err == nil {
			r.out.SuccessRows++
			continue
		}
		if fatal(ctx, res.err) {
			return res.err
		}
		r.out.ErrorRows++
		if r.logError(ctx, res.line, "", storage.ErrorTypeInsert, res.err.Error()) {
			r.out.ErrorsLogged++
		}
	}
	return nil
}

func (r *run) values(row *parser.Row, now time.Time) []any {
	v := make([]any, len(r.insertCols))
	copy(v, row.V)
	v[r.runIdx] = r.req.RunID
	v[r.createdIdx] = now
	return v
}

// logError stores one import error and reports whether it was stored. A
// failure to store is logged and swallowed.
func (r *run) logError(ctx context.Context, line int, content, typ, msg string) bool {
	e := storage.ImportError{
		RunID:          r.req.RunID,
		DataSourceCode: r.req.DataSourceCode,
		TableName:      r.req.Table,
		LineNumber:     line,
		LineContent:    truncateRunes(content, maxLineContent),
		ErrorType:      typ,
		ErrorMessage:   truncateRunes(msg, maxErrorMessage),
		CreatedAt:      r.im.now(),
	}
	if err := r.im.Store.LogImportError(ctx, e); err != nil {
		r.im.logf("stage=resilient level=error table=%s line=%d log_error_failed=%v original=%q",
			r.req.Table, line, err, e.ErrorMessage)
		return false
	}
	return true
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// fatal reports errors that must abort the import instead of being treated
// as a bad row.
func fatal(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
