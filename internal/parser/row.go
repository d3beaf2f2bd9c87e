// Package parser holds the pooled Row shared by the record streamers and the
// importers, so large files move through the pipeline without per-row heap
// churn.
package parser

import "sync"

// Row is a pooled positional record.
//
// Ownership contract:
//   - Exactly one goroutine owns a Row at a time.
//   - A Row may be passed downstream via channels (ownership transfer).
//   - The final consumer calls Free once it no longer reads r.V.
//
// Cancellation paths must call Drop instead of Free: a drained Row returned to
// the pool could be reused by the producer while a consumer still reads it.
type Row struct {
	V    []any
	Line int // 1-based record number, header included when present
}

var rowPool sync.Pool

// GetRow returns a pooled Row with len(V) == colCount and every element nil.
func GetRow(colCount int) *Row {
	if v := rowPool.Get(); v != nil {
		r := v.(*Row)
		if cap(r.V) < colCount {
			r.V = make([]any, colCount)
		}
		r.V = r.V[:colCount]
		for i := range r.V {
			r.V[i] = nil
		}
		r.Line = 0
		return r
	}
	return &Row{V: make([]any, colCount)}
}

// Free returns the Row to the pool.
func (r *Row) Free() {
	rowPool.Put(r)
}

// Drop discards the Row without re-pooling it.
func (r *Row) Drop() {
	r.V = nil
	r.Line = 0
}

// Strings renders V as text, with nil as the empty string.
func (r *Row) Strings() []string {
	out := make([]string, len(r.V))
	for i, v := range r.V {
		if s, ok := v.(string); ok {
			out[i] = s
		}
	}
	return out
}
