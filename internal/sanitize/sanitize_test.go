package sanitize

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"
)

func writeInput(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "input.csv")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func readOutput(t *testing.T, p string) string {
	t.Helper()
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestSanitizeDedicated(t *testing.T) {
	t.Parallel()

	in := writeInput(t, "\uFEFFNUM_TOMADOR;FECHA_INICIO_VIG;VALOR_TOTAL_FACT;OBS\n"+
		"T1;2024-01-01;1.234.567,89;a\\b\n"+
		";;;\n"+
		"T2;2024-02-01;;\"x;y\"\n")

	res, err := New(';', nil).Sanitize(context.Background(), in, 7, "bascar", "")
	if err != nil {
		t.Fatal(err)
	}

	want := "run_id;num_tomador;fecha_inicio_vig;valor_total_fact;periodo;composite_key;data;cantidad_trabajadores;observacion_trabajadores;sheet_name\n" +
		`7;T1;2024-01-01;1234567.89;;;"{""NUM_TOMADOR"":""T1"",""FECHA_INICIO_VIG"":""2024-01-01"",""VALOR_TOTAL_FACT"":""1.234.567,89"",""OBS"":""a b""}";;;` + "\n" +
		`7;T2;2024-02-01;;;;"{""NUM_TOMADOR"":""T2"",""FECHA_INICIO_VIG"":""2024-02-01"",""VALOR_TOTAL_FACT"":"""",""OBS"":""x;y""}";;;` + "\n"
	if got := readOutput(t, res.Path); got != want {
		t.Fatalf("output\n got: %s\nwant: %s", got, want)
	}

	if res.Path != in+".transformed.csv" || !res.Temporary {
		t.Fatalf("result = %+v", res)
	}
	if res.RowsProcessed != 2 || res.RowsWithWarnings != 1 {
		t.Fatalf("processed=%d warnings=%d", res.RowsProcessed, res.RowsWithWarnings)
	}
	if len(res.SampleWarningLines) != 1 || res.SampleWarningLines[0] != 2 {
		t.Fatalf("sample lines = %v", res.SampleWarningLines)
	}
}

func TestSanitizeMissingRequiredColumn(t *testing.T) {
	t.Parallel()

	in := writeInput(t, "NUM_TOMADOR;FECHA_INICIO_VIG\nT1;2024-01-01\n")

	_, err := New(';', nil).Sanitize(context.Background(), in, 1, "BASCAR", "")

	var mc *MissingColumnError
	if !errors.As(err, &mc) {
		t.Fatalf("expected MissingColumnError, got %v", err)
	}
	if mc.Column != "VALOR_TOTAL_FACT" || mc.Path != in {
		t.Fatalf("error = %+v", mc)
	}
	if !strings.Contains(err.Error(), "VALOR_TOTAL_FACT") {
		t.Fatalf("message does not name the column: %v", err)
	}
	if _, statErr := os.Stat(in + ".transformed.csv"); !os.IsNotExist(statErr) {
		t.Fatalf("output file left behind: %v", statErr)
	}
}

func TestSanitizeGeneric(t *testing.T) {
	t.Parallel()

	in := writeInput(t, "A;B;C\n1;<b>&</b>;ñ/é\n2\n")

	res, err := New(';', nil).Sanitize(context.Background(), in, 5, "BAPRPO", "Hoja1")
	if err != nil {
		t.Fatal(err)
	}

	want := "run_id;data;sheet_name\n" +
		`5;"{""A"":""1"",""B"":""<b>&</b>"",""C"":""ñ/é""}";Hoja1` + "\n" +
		`5;"{""A"":""2"",""B"":null,""C"":null}";Hoja1` + "\n"
	if got := readOutput(t, res.Path); got != want {
		t.Fatalf("output\n got: %s\nwant: %s", got, want)
	}
	if strings.Join(res.Columns, ";") != "run_id;data;sheet_name" {
		t.Fatalf("columns = %v", res.Columns)
	}
}

func TestSanitizeLatin1Input(t *testing.T) {
	t.Parallel()

	in := writeInput(t, "NUM_TOMADOR;FECHA_INICIO_VIG;VALOR_TOTAL_FACT;NOMBRE\n"+
		"N\xba1;2024-01-01;10;MU\xd1OZ\n")

	res, err := New(';', nil).Sanitize(context.Background(), in, 3, "BASCAR", "")
	if err != nil {
		t.Fatal(err)
	}

	got := readOutput(t, res.Path)
	if !utf8.ValidString(got) {
		t.Fatalf("output is not UTF-8: %q", got)
	}
	want := `3;Nº1;2024-01-01;10;;;"{""NUM_TOMADOR"":""Nº1"",""FECHA_INICIO_VIG"":""2024-01-01"",""VALOR_TOTAL_FACT"":""10"",""NOMBRE"":""MUÑOZ""}";;;` + "\n"
	if !strings.HasSuffix(got, want) {
		t.Fatalf("output\n got: %s\nwant suffix: %s", got, want)
	}
	if res.Path != in+".transformed.csv" {
		t.Fatalf("path = %s", res.Path)
	}
	if _, err := os.Stat(in + ".utf8.csv"); !os.IsNotExist(err) {
		t.Fatalf("transcoded copy left behind: %v", err)
	}
}

func TestSanitizeCommaDelimitedInput(t *testing.T) {
	t.Parallel()

	in := writeInput(t, "POLIZA,VALOR\n10,\"1,5\"\n")

	res, err := New(',', nil).Sanitize(context.Background(), in, 1, "DATPOL", "")
	if err != nil {
		t.Fatal(err)
	}
	want := "run_id;data;sheet_name\n" + `1;"{""POLIZA"":""10"",""VALOR"":""1,5""}";` + "\n"
	if got := readOutput(t, res.Path); got != want {
		t.Fatalf("output\n got: %s\nwant: %s", got, want)
	}
}

func TestSanitizeUnsupportedSource(t *testing.T) {
	t.Parallel()

	in := writeInput(t, "A\n1\n")
	if _, err := New(';', nil).Sanitize(context.Background(), in, 1, "NOPE", ""); !errors.Is(err, ErrUnsupportedSource) {
		t.Fatalf("expected ErrUnsupportedSource, got %v", err)
	}
}

func TestSanitizeSamplesAtMostTenLines(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString("A\n")
	for i := 0; i < 25; i++ {
		b.WriteString("x\\y\n")
	}
	in := writeInput(t, b.String())

	res, err := New(';', nil).Sanitize(context.Background(), in, 1, "BAPRPO", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.RowsWithWarnings != 25 || len(res.SampleWarningLines) != 10 {
		t.Fatalf("warnings=%d sample=%v", res.RowsWithWarnings, res.SampleWarningLines)
	}
	if res.SampleWarningLines[0] != 2 || res.SampleWarningLines[9] != 11 {
		t.Fatalf("sample = %v", res.SampleWarningLines)
	}
	if strings.Contains(readOutput(t, res.Path), `\`) {
		t.Fatal("backslash survived sanitization")
	}
}

// Decoding a blob and re-encoding it in the same key order yields the same
// bytes, and every output line is readable as ';' CSV with valid JSON.
func TestSanitizeJSONRoundTrip(t *testing.T) {
	t.Parallel()

	in := writeInput(t, "ID;NOMBRE;NOTA\n"+
		"1;\"Pérez \"\"el grande\"\"\";a/b <c>\n"+
		"2;\"multi\nlinea\";\t\n"+
		"3;emoji 🙂; \n")

	res, err := New(';', nil).Sanitize(context.Background(), in, 9, "DATPOL", "")
	if err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = ';'
	if _, err := r.Read(); err != nil {
		t.Fatal(err)
	}
	rows := 0
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		rows++
		blob := rec[1]
		if !json.Valid([]byte(blob)) {
			t.Fatalf("invalid JSON: %s", blob)
		}
		if got := reencode(t, blob); got != blob {
			t.Fatalf("round trip\n got: %s\nwant: %s", got, blob)
		}
	}
	if rows != 3 {
		t.Fatalf("rows = %d, want 3", rows)
	}
}

// reencode decodes an object token by token and writes it back in order.
func reencode(t *testing.T, blob string) string {
	t.Helper()

	dec := json.NewDecoder(strings.NewReader(blob))
	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	enc.SetEscapeHTML(false)

	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		t.Fatalf("expected object, got %v %v", tok, err)
	}
	out.WriteByte('{')
	first := true
	for dec.More() {
		key, err := dec.Token()
		if err != nil {
			t.Fatal(err)
		}
		val, err := dec.Token()
		if err != nil {
			t.Fatal(err)
		}
		if !first {
			out.WriteByte(',')
		}
		first = false
		for i, v := range []any{key, val} {
			if err := enc.Encode(v); err != nil {
				t.Fatal(err)
			}
			out.Truncate(out.Len() - 1)
			if i == 0 {
				out.WriteByte(':')
			}
		}
	}
	out.WriteByte('}')
	return out.String()
}

func TestNormalizeMoney(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string // "" means nil
	}{
		{"1.234.567,89", "1234567.89"},
		{" 12,5 ", "12.5"},
		{"1000", "1000"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got := NormalizeMoney(tt.in)
			if tt.want == "" {
				if got != nil {
					t.Fatalf("NormalizeMoney(%q) = %q, want nil", tt.in, *got)
				}
				return
			}
			if got == nil || *got != tt.want {
				t.Fatalf("NormalizeMoney(%q) = %v, want %q", tt.in, got, tt.want)
			}
		})
	}
}
