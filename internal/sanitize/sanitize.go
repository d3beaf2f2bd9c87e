// Package sanitize turns a raw delimited data-source file into the load-ready
// CSV shape of its staging table.
//
// Two shapes exist, chosen by the data-source catalog:
//   - dedicated: a few extracted scalar columns plus a JSON blob of the row
//   - generic:   run_id, a JSON blob of the row, and the sheet name
//
// The output file is written next to the input as <input>.transformed.csv and
// always uses ';' as delimiter. Its header equals the staging table's load
// columns, so it can be handed to COPY or to the resilient importer as is.
package sanitize

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"cobranza/internal/charset"
	"cobranza/internal/config"
	"cobranza/internal/metrics"
	csvparser "cobranza/internal/parser/csv"
	"cobranza/internal/storage"
)

// OutputDelimiter separates fields of every sanitized file.
const OutputDelimiter = ';'

// maxSampleLines caps Result.SampleWarningLines.
const maxSampleLines = 10

// ErrUnsupportedSource is returned for codes missing from the catalog.
var ErrUnsupportedSource = errors.New("sanitize: unsupported data source")

// MissingColumnError reports a required source column absent from the header.
type MissingColumnError struct {
	Column string
	Path   string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("sanitize: missing required column %q in %s", e.Column, e.Path)
}

// Logger is the minimal logging interface used by this package.
type Logger interface {
	Printf(format string, v ...any)
}

// Result describes one sanitized file.
type Result struct {
	Path      string
	Temporary bool

	// Columns is the header written to Path.
	Columns []string

	RowsProcessed    int
	RowsSkipped      int
	RowsWithWarnings int

	// SampleWarningLines holds up to 10 source line numbers whose values had
	// backslashes replaced.
	SampleWarningLines []int
}

// Sanitizer rewrites data-source files. The zero value reads ';'-delimited
// input and logs nothing.
type Sanitizer struct {
	// Delimiter of the input file; 0 means ';'.
	Delimiter rune
	Logger    Logger

	// Job labels row metrics.
	Job string
}

// New returns a Sanitizer reading files delimited by delim.
func New(delim rune, logger Logger) *Sanitizer {
	return &Sanitizer{Delimiter: delim, Logger: logger}
}

func (s *Sanitizer) logf(format string, v ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, v...)
	}
}

// Sanitize writes the load-ready rendition of csvPath for dataSource and
// returns where it went. sheetName fills the sheet_name column and may be
// empty.
//
// Edge cases:
//   - Input that is not UTF-8 is read as ISO-8859-1; the output is UTF-8.
//   - Rows whose fields are all blank are skipped.
//   - Cells missing at the end of a short row become JSON null.
//   - Backslashes in values become spaces; the row is still emitted and its
//     line number is sampled in the result.
//
// Errors:
//   - ErrUnsupportedSource for codes missing from the catalog.
//   - *MissingColumnError when a dedicated source lacks a required column;
//     no output file is written.
func (s *Sanitizer) Sanitize(ctx context.Context, csvPath string, runID int64, dataSource, sheetName string) (Result, error) {
	start := time.Now()

	ds, err := storage.LookupDataSource(dataSource)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedSource, dataSource)
	}

	src, cleanup, err := charset.EnsureUTF8(csvPath)
	if err != nil {
		return Result{}, fmt.Errorf("sanitize: %w", err)
	}
	defer cleanup()
	if src != csvPath {
		s.logf("stage=sanitize source=%s file=%s transcoded=latin1", ds.Code, csvPath)
	}

	in, err := os.Open(src)
	if err != nil {
		return Result{}, fmt.Errorf("sanitize: open %s: %w", csvPath, err)
	}
	defer in.Close()

	delim := s.Delimiter
	if delim == 0 {
		delim = ';'
	}
	rd := csvparser.NewReader(in, config.Options{"comma": string(delim), "lazy_quotes": true})

	header, err := rd.ReadHeader()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Result{}, fmt.Errorf("sanitize: %s has no header", csvPath)
		}
		return Result{}, fmt.Errorf("sanitize: %s: %w", csvPath, err)
	}

	shaper, err := newShaper(ds, header, csvPath)
	if err != nil {
		return Result{}, err
	}

	outPath := csvPath + ".transformed.csv"
	out, err := os.Create(outPath)
	if err != nil {
		return Result{}, fmt.Errorf("sanitize: create %s: %w", outPath, err)
	}
	res := Result{Path: outPath, Temporary: true, Columns: ds.LoadColumns()}

	if err := s.rewrite(ctx, rd, out, shaper, runID, sheetName, &res); err != nil {
		_ = out.Close()
		_ = os.Remove(outPath)
		return Result{}, err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(outPath)
		return Result{}, fmt.Errorf("sanitize: close %s: %w", outPath, err)
	}

	metrics.RecordRow(s.job(), "sanitized", int64(res.RowsProcessed))
	if res.RowsWithWarnings > 0 {
		s.logf("stage=sanitize level=warn source=%s file=%s rows=%d rows_with_backslash=%d sample_lines=%v duration=%s",
			ds.Code, csvPath, res.RowsProcessed, res.RowsWithWarnings, res.SampleWarningLines, time.Since(start))
	} else {
		s.logf("stage=sanitize source=%s file=%s rows=%d duration=%s",
			ds.Code, csvPath, res.RowsProcessed, time.Since(start))
	}
	return res, nil
}

func (s *Sanitizer) job() string {
	if s.Job == "" {
		return "ingest"
	}
	return s.Job
}

func (s *Sanitizer) rewrite(ctx context.Context, rd *csvparser.Reader, out io.Writer, sh *shaper, runID int64, sheetName string, res *Result) error {
	w := bufio.NewWriterSize(out, 64*1024)
	lw := &lineWriter{w: w, jsonField: sh.jsonIndex}

	if err := lw.header(res.Columns); err != nil {
		return err
	}

	for {
		rec, err := rd.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.RowsSkipped++
			s.logf("stage=sanitize level=warn line=%d err=%v", rd.Line(), err)
			continue
		}
		if res.RowsProcessed%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if blank(rec) {
			continue
		}

		row, warned, err := sh.shape(rec, runID, sheetName)
		if err != nil {
			return fmt.Errorf("sanitize: line %d: %w", rd.Line(), err)
		}
		if warned {
			res.RowsWithWarnings++
			if len(res.SampleWarningLines) < maxSampleLines {
				res.SampleWarningLines = append(res.SampleWarningLines, rd.Line())
			}
		}
		if err := lw.row(row); err != nil {
			return err
		}
		res.RowsProcessed++
	}
	return w.Flush()
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// shaper maps one source record to the output row of a data source.
type shaper struct {
	dedicated bool
	header    []string
	jsonIndex int

	tomador, fecha, valor int
}

func newShaper(ds storage.DataSource, header []string, path string) (*shaper, error) {
	sh := &shaper{header: header, dedicated: ds.Shape == storage.ShapeDedicated}

	cols := ds.LoadColumns()
	sh.jsonIndex = -1
	for i, c := range cols {
		if c == "data" {
			sh.jsonIndex = i
		}
	}
	if !sh.dedicated {
		return sh, nil
	}

	idx := make(map[string]int, len(header))
	for i, h := range header {
		if _, dup := idx[h]; !dup {
			idx[h] = i
		}
	}
	for _, name := range ds.Required {
		if _, ok := idx[name]; !ok {
			return nil, &MissingColumnError{Column: name, Path: path}
		}
	}
	sh.tomador = idx["NUM_TOMADOR"]
	sh.fecha = idx["FECHA_INICIO_VIG"]
	sh.valor = idx["VALOR_TOTAL_FACT"]
	return sh, nil
}

// shape returns the output fields; nil marks NULL.
func (sh *shaper) shape(rec []string, runID int64, sheetName string) ([]*string, bool, error) {
	blob, warned, err := encodeRow(sh.header, rec)
	if err != nil {
		return nil, false, err
	}
	run := strconv.FormatInt(runID, 10)

	if !sh.dedicated {
		return []*string{&run, &blob, nullable(sheetName)}, warned, nil
	}

	tomador, w1 := neutralize(cell(rec, sh.tomador))
	fecha, w2 := neutralize(cell(rec, sh.fecha))
	return []*string{
		&run,
		nullable(tomador),
		nullable(fecha),
		NormalizeMoney(cell(rec, sh.valor)),
		nil, // periodo
		nil, // composite_key
		&blob,
		nil, // cantidad_trabajadores
		nil, // observacion_trabajadores
		nullable(sheetName),
	}, warned || w1 || w2, nil
}

func cell(rec []string, i int) string {
	if i < len(rec) {
		return rec[i]
	}
	return ""
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// neutralize replaces backslashes with spaces.
func neutralize(v string) (string, bool) {
	if !strings.Contains(v, `\`) {
		return v, false
	}
	return strings.ReplaceAll(v, `\`, " "), true
}

// NormalizeMoney converts a locale-formatted amount like "1.234.567,89" into
// "1234567.89". Blank input yields nil.
func NormalizeMoney(v string) *string {
	v = strings.TrimSpace(v)
	v = strings.ReplaceAll(v, ".", "")
	v = strings.ReplaceAll(v, ",", ".")
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

// encodeRow renders header/value pairs as a JSON object in header order.
// Duplicate header names keep their first position and the last value.
func encodeRow(header, rec []string) (string, bool, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	pos := make(map[string]int, len(header))
	keys := make([]string, 0, len(header))
	vals := make([]*string, 0, len(header))
	warned := false

	for i, h := range header {
		var v *string
		if i < len(rec) {
			s, w := neutralize(rec[i])
			warned = warned || w
			v = &s
		}
		if p, dup := pos[h]; dup {
			vals[p] = v
			continue
		}
		pos[h] = len(keys)
		keys = append(keys, h)
		vals = append(vals, v)
	}

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := enc.Encode(k); err != nil {
			return "", false, err
		}
		trimNewline(&buf)
		buf.WriteByte(':')
		if vals[i] == nil {
			buf.WriteString("null")
			continue
		}
		if err := enc.Encode(*vals[i]); err != nil {
			return "", false, err
		}
		trimNewline(&buf)
	}
	buf.WriteByte('}')
	return buf.String(), warned, nil
}

// trimNewline drops the '\n' json.Encoder appends after each value.
func trimNewline(b *bytes.Buffer) {
	if n := b.Len(); n > 0 && b.Bytes()[n-1] == '\n' {
		b.Truncate(n - 1)
	}
}

// lineWriter writes ';'-delimited lines. The JSON field is always quoted;
// other fields only when they contain the delimiter, a line break or a quote.
type lineWriter struct {
	w         *bufio.Writer
	jsonField int
}

func (l *lineWriter) header(cols []string) error {
	_, err := l.w.WriteString(strings.Join(cols, string(OutputDelimiter)) + "\n")
	return err
}

func (l *lineWriter) row(fields []*string) error {
	for i, f := range fields {
		if i > 0 {
			l.w.WriteByte(OutputDelimiter)
		}
		if f == nil || *f == "" {
			continue
		}
		if i == l.jsonField || strings.ContainsAny(*f, ";\n\r\"") {
			l.w.WriteByte('"')
			l.w.WriteString(strings.ReplaceAll(*f, `"`, `""`))
			l.w.WriteByte('"')
			continue
		}
		l.w.WriteString(*f)
	}
	_, err := l.w.WriteString("\n")
	return err
}
