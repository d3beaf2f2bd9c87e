// Package csv streams delimited files record by record.
//
// Reader is the pull-style API used by the sanitizer; StreamRows pushes pooled
// parser.Row values into a channel for the importers. Both count records, not
// physical lines, so a quoted field spanning several lines still advances the
// line number by one.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"cobranza/internal/config"
	"cobranza/internal/parser"
)

// Reader wraps encoding/csv with record numbering and header cleanup.
//
// Options:
//   - comma (string, default ";")
//   - lazy_quotes (bool, default false)
//   - trim_space (bool, default false) trims every data field
type Reader struct {
	cr   *csv.Reader
	line int
	trim bool
}

// NewReader returns a Reader over r. Records may have any number of fields.
func NewReader(r io.Reader, opt config.Options) *Reader {
	cr := csv.NewReader(r)
	cr.Comma = opt.Rune("comma", ';')
	cr.LazyQuotes = opt.Bool("lazy_quotes", false)
	cr.FieldsPerRecord = -1
	return &Reader{cr: cr, trim: opt.Bool("trim_space", false)}
}

// Line is the number of the record returned by the last Read.
func (r *Reader) Line() int { return r.line }

// ReadHeader reads the next record as a header: the UTF-8 BOM is dropped and
// names are trimmed.
func (r *Reader) ReadHeader() ([]string, error) {
	rec, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	hdr := make([]string, len(rec))
	for i, h := range rec {
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		hdr[i] = strings.TrimSpace(h)
	}
	return hdr, nil
}

// Read returns the next record. The slice is owned by the caller. io.EOF
// marks the end of input; a parse error still advances Line so callers can
// report it and continue.
func (r *Reader) Read() ([]string, error) {
	r.line++
	rec, err := r.cr.Read()
	if err != nil {
		return nil, err
	}
	if r.trim {
		for i, v := range rec {
			if hasEdgeSpace(v) {
				rec[i] = strings.TrimSpace(v)
			}
		}
	}
	return rec, nil
}

// StreamRows streams src into pooled rows on out.
//
// Each row carries every field of its record, so len(row.V) may differ from
// the expected column count; detecting that is the consumer's job. Empty
// fields become nil.
//
// Options (besides the Reader ones):
//   - has_header (bool, default true) skips the first record
//
// NOTE on cancellation: rows in flight are dropped, not re-pooled.
func StreamRows(
	ctx context.Context,
	src io.ReadCloser,
	opt config.Options,
	out chan<- *parser.Row,
	onErr func(line int, err error),
) error {
	defer src.Close()

	r := NewReader(src, opt)
	if opt.Bool("has_header", true) {
		if _, err := r.ReadHeader(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if onErr != nil {
				onErr(r.Line(), err)
			}
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if onErr != nil {
				onErr(r.Line(), fmt.Errorf("csv read: %w", err))
			}
			continue
		}

		row := parser.GetRow(len(rec))
		row.Line = r.Line()
		for i, v := range rec {
			if v != "" {
				row.V[i] = v
			}
		}

		select {
		case out <- row:
		case <-ctx.Done():
			row.Drop()
			return ctx.Err()
		}
	}
}

func hasEdgeSpace(s string) bool {
	if s == "" {
		return false
	}
	return isSpace(s[0]) || isSpace(s[len(s)-1])
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
