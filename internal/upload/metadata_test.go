package upload

import (
	"errors"
	"strings"
	"testing"
)

func TestMetadataValidate(t *testing.T) {
	t.Parallel()

	ok := Metadata{Path: "completed/abcdefghij/base.csv", OriginalName: "base.csv", Size: 100, MIME: "text/csv", Extension: "csv"}

	tests := []struct {
		name    string
		mutate  func(m *Metadata)
		wantErr bool
	}{
		{name: "valid", mutate: func(m *Metadata) {}},
		{name: "pending prefix", mutate: func(m *Metadata) { m.Path = "pending/abcdefghij/000000.part" }},
		{name: "no prefix", mutate: func(m *Metadata) { m.Path = "tmp/base.csv" }, wantErr: true},
		{name: "traversal", mutate: func(m *Metadata) { m.Path = "completed/../etc/passwd" }, wantErr: true},
		{name: "nul byte", mutate: func(m *Metadata) { m.Path = "completed/a\x00b" }, wantErr: true},
		{name: "forbidden char", mutate: func(m *Metadata) { m.Path = "completed/a|b.csv" }, wantErr: true},
		{name: "empty name", mutate: func(m *Metadata) { m.OriginalName = "  " }, wantErr: true},
		{name: "long name", mutate: func(m *Metadata) { m.OriginalName = strings.Repeat("a", 256) + ".csv" }, wantErr: true},
		{name: "zero size", mutate: func(m *Metadata) { m.Size = 0 }, wantErr: true},
		{name: "too big", mutate: func(m *Metadata) { m.Size = MaxMetadataSize + 1 }, wantErr: true},
		{name: "dangerous ext", mutate: func(m *Metadata) { m.Extension = "php" }, wantErr: true},
		{name: "unsupported ext", mutate: func(m *Metadata) { m.Extension = "pdf" }, wantErr: true},
		{name: "upper case ext", mutate: func(m *Metadata) { m.Extension = "XLSX" }},
		{name: "no ext", mutate: func(m *Metadata) { m.Extension = "" }},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := ok
			tc.mutate(&m)
			err := m.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("err=%v, wantErr=%v", err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidMetadata) {
				t.Fatalf("err=%v does not wrap ErrInvalidMetadata", err)
			}
		})
	}
}

func TestMetadataNormalize(t *testing.T) {
	t.Parallel()

	m := Metadata{OriginalName: " Pagos.XLSX ", MIME: " Text/CSV; charset=utf-8 "}.Normalize()
	if m.Extension != "xlsx" || m.MIME != "text/csv" || m.OriginalName != "Pagos.XLSX" {
		t.Fatalf("normalized=%+v", m)
	}

	m = Metadata{OriginalName: "a.csv", Extension: ".TXT"}.Normalize()
	if m.Extension != "txt" {
		t.Fatalf("Extension=%q, want txt", m.Extension)
	}
}
