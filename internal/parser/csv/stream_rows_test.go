package csv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"testing"

	"cobranza/internal/config"
	"cobranza/internal/parser"
)

// runStream runs StreamRows in a goroutine, closes out when done, and returns
// the collected rows, the returned error and the onErr calls.
func runStream(ctx context.Context, input string, opts config.Options, outBuf int) (rows []*parser.Row, err error, errCalls []string) {
	out := make(chan *parser.Row, outBuf)
	onErr := func(line int, e error) {
		errCalls = append(errCalls, fmt.Sprintf("line=%d", line))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		err = StreamRows(ctx, io.NopCloser(strings.NewReader(input)), opts, out, onErr)
		close(out)
	}()

	for r := range out {
		rows = append(rows, r)
	}
	<-done
	return rows, err, errCalls
}

func TestStreamRows_LinesIncludeHeader(t *testing.T) {
	t.Parallel()

	input := "a;b;c\n1;2;3\n4;;6\n7;8\n"
	rows, err, errCalls := runStream(context.Background(), input, nil, 10)
	if err != nil {
		t.Fatalf("StreamRows: %v", err)
	}
	if len(errCalls) != 0 {
		t.Fatalf("unexpected onErr calls: %v", errCalls)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}

	wantLines := []int{2, 3, 4}
	for i, r := range rows {
		if r.Line != wantLines[i] {
			t.Fatalf("row %d line=%d, want %d", i, r.Line, wantLines[i])
		}
	}
	if !reflect.DeepEqual(rows[1].V, []any{"4", nil, "6"}) {
		t.Fatalf("empty field not nil: %#v", rows[1].V)
	}
	if len(rows[2].V) != 2 {
		t.Fatalf("short record has %d fields, want 2", len(rows[2].V))
	}
}

func TestStreamRows_NoHeaderAndComma(t *testing.T) {
	t.Parallel()

	rows, err, _ := runStream(context.Background(), "x,\"y,z\"\n", config.Options{"has_header": false, "comma": ","}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Line != 1 {
		t.Fatalf("rows=%+v", rows)
	}
	if got := rows[0].Strings(); !reflect.DeepEqual(got, []string{"x", "y,z"}) {
		t.Fatalf("fields=%q", got)
	}
}

func TestStreamRows_QuotedNewlineCountsAsOneRecord(t *testing.T) {
	t.Parallel()

	input := "a;b\n\"multi\nline\";1\nlast;2\n"
	rows, err, _ := runStream(context.Background(), input, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[1].Line != 3 {
		t.Fatalf("rows=%d last line=%d, want 2 rows ending at record 3", len(rows), rows[len(rows)-1].Line)
	}
}

func TestStreamRows_ParseErrorReportedAndSkipped(t *testing.T) {
	t.Parallel()

	input := "a;b\nok;1\nbad\"quote;2\nfine;3\n"
	rows, err, errCalls := runStream(context.Background(), input, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(errCalls, []string{"line=3"}) {
		t.Fatalf("errCalls=%v", errCalls)
	}
	if len(rows) != 2 || rows[1].Line != 4 {
		t.Fatalf("rows=%d", len(rows))
	}

	// lazy_quotes accepts the same record.
	rows, _, errCalls = runStream(context.Background(), input, config.Options{"lazy_quotes": true}, 10)
	if len(errCalls) != 0 || len(rows) != 3 {
		t.Fatalf("lazy: rows=%d errCalls=%v", len(rows), errCalls)
	}
}

func TestStreamRows_EmptyInput(t *testing.T) {
	t.Parallel()

	rows, err, _ := runStream(context.Background(), "", nil, 1)
	if err != nil || len(rows) != 0 {
		t.Fatalf("rows=%d err=%v", len(rows), err)
	}
}

func TestStreamRows_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err, _ := runStream(ctx, "a\n1\n2\n", nil, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}

func TestReader_HeaderAndTrim(t *testing.T) {
	t.Parallel()

	r := NewReader(strings.NewReader("\uFEFF NUM_TOMADOR ;FECHA\n  900 ;x\n"), config.Options{"trim_space": true})
	hdr, err := r.ReadHeader()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(hdr, []string{"NUM_TOMADOR", "FECHA"}) {
		t.Fatalf("header=%q", hdr)
	}
	rec, err := r.Read()
	if err != nil {
		t.Fatal(err)
	}
	if rec[0] != "900" || r.Line() != 2 {
		t.Fatalf("rec=%q line=%d", rec, r.Line())
	}
	if _, err := r.Read(); err != io.EOF {
		t.Fatalf("err=%v, want io.EOF", err)
	}
}
