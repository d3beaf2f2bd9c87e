package validate

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"

	"cobranza/internal/config"
	csvparser "cobranza/internal/parser/csv"
	"cobranza/internal/upload"
)

var (
	ErrMissingColumns = errors.New("file is missing required columns")
	ErrNoHeader       = errors.New("file has no header row")
)

// headerLimit bounds how much of a text file is read looking for the header.
const headerLimit = 64 * 1024

// candidateDelimiters are tried, in order, when guessing a file's delimiter.
var candidateDelimiters = []rune{';', ',', '\t', '|'}

// CheckHeader reads the header of meta's file and fails with
// ErrMissingColumns when any of required is absent. Text files are split on
// delimiter (0 means ';'); spreadsheets use the first row of their first
// sheet. Legacy .xls files are not inspected. An empty required list passes
// without opening the file.
func (v *Validator) CheckHeader(meta upload.Metadata, required []string, delimiter rune) error {
	if len(required) == 0 {
		return nil
	}
	meta = meta.Normalize()
	abs := filepath.Join(v.Root, filepath.FromSlash(meta.Path))

	switch meta.Extension {
	case "xlsx":
		header, err := workbookHeader(abs)
		if err != nil {
			return err
		}
		return requireColumns(header, required, "")
	case "xls":
		return nil
	}

	if delimiter == 0 {
		delimiter = ';'
	}
	line, err := firstLine(abs)
	if err != nil {
		return err
	}
	header, err := splitHeader(line, delimiter)
	if err != nil {
		return err
	}
	hint := ""
	if d := DetectDelimiter(line); d != delimiter {
		if other, err := splitHeader(line, d); err == nil && missing(other, required) == nil {
			hint = fmt.Sprintf("; the file appears to be delimited by %q, expected %q", d, delimiter)
		}
	}
	return requireColumns(header, required, hint)
}

// DetectDelimiter returns the candidate delimiter that occurs most often in
// line, or ';' when none occurs.
func DetectDelimiter(line string) rune {
	best, bestN := ';', 0
	for _, d := range candidateDelimiters {
		if n := strings.Count(line, string(d)); n > bestN {
			best, bestN = d, n
		}
	}
	return best
}

func firstLine(abs string) (string, error) {
	f, err := os.Open(abs)
	if err != nil {
		return "", fail(ErrUnreadable, "%v", err)
	}
	defer f.Close()

	line, err := bufio.NewReader(io.LimitReader(f, headerLimit)).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fail(ErrUnreadable, "%v", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(strings.TrimPrefix(line, "\uFEFF")) == "" {
		return "", fail(ErrNoHeader, "%s", filepath.Base(abs))
	}
	if !utf8.ValidString(line) {
		if dec, err := charmap.ISO8859_1.NewDecoder().String(line); err == nil {
			line = dec
		}
	}
	return line, nil
}

func splitHeader(line string, delimiter rune) ([]string, error) {
	rd := csvparser.NewReader(strings.NewReader(line), config.Options{"comma": string(delimiter), "lazy_quotes": true})
	header, err := rd.ReadHeader()
	if err != nil {
		return nil, fail(ErrNoHeader, "%v", err)
	}
	return header, nil
}

func workbookHeader(abs string) ([]string, error) {
	f, err := excelize.OpenFile(abs)
	if err != nil {
		return nil, fail(ErrUnreadable, "%v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fail(ErrNoHeader, "workbook has no sheets")
	}
	rows, err := f.Rows(sheets[0])
	if err != nil {
		return nil, fail(ErrUnreadable, "%v", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fail(ErrNoHeader, "sheet %q is empty", sheets[0])
	}
	row, err := rows.Columns()
	if err != nil {
		return nil, fail(ErrUnreadable, "%v", err)
	}
	header := make([]string, len(row))
	for i, c := range row {
		header[i] = strings.TrimSpace(c)
	}
	return header, nil
}

func missing(header, required []string) []string {
	have := make(map[string]bool, len(header))
	for _, h := range header {
		have[h] = true
	}
	var out []string
	for _, r := range required {
		if !have[r] {
			out = append(out, r)
		}
	}
	return out
}

func requireColumns(header, required []string, hint string) error {
	if m := missing(header, required); len(m) > 0 {
		return fail(ErrMissingColumns, "%s%s", strings.Join(m, ", "), hint)
	}
	return nil
}
