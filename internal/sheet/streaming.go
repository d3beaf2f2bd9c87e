package sheet

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// Streaming converts workbooks in-process using excelize's row iterator, so a
// sheet is never held in memory as a whole.
type Streaming struct {
	// FixTwoDigitYears rewrites data cells like 05-03-24 to 05/03/2024.
	FixTwoDigitYears bool
	Logger           Logger
}

func (s *Streaming) logf(format string, v ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, v...)
	}
}

// ConvertAllSheets implements Converter.
func (s *Streaming) ConvertAllSheets(ctx context.Context, workbookPath, outputDir string, delimiter rune) (map[string]Result, error) {
	results, _, err := s.Convert(ctx, workbookPath, outputDir, delimiter, nil)
	return results, err
}

// ConvertSheet implements Converter.
func (s *Streaming) ConvertSheet(ctx context.Context, workbookPath, sheetName, outputDir string, delimiter rune) (Result, error) {
	results, _, err := s.Convert(ctx, workbookPath, outputDir, delimiter, []string{sheetName})
	if err != nil {
		return Result{}, err
	}
	r, ok := findSheet(results, sheetName)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrSheetNotFound, sheetName)
	}
	return r, nil
}

// Convert writes the selected sheets (all of them when only is empty) and
// returns the results plus the sheet order of the workbook.
//
// Errors:
//   - ErrNotFound when the workbook does not exist.
//   - ErrSheetNotFound when a name in only is not in the workbook.
//   - ErrConversionFailed wrapping excelize and I/O errors.
func (s *Streaming) Convert(ctx context.Context, workbookPath, outputDir string, delimiter rune, only []string) (map[string]Result, []string, error) {
	if err := requireWorkbook(workbookPath); err != nil {
		return nil, nil, err
	}

	f, err := excelize.OpenFile(workbookPath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: open %s: %v", ErrConversionFailed, filepath.Base(workbookPath), err)
	}
	defer f.Close()

	all := f.GetSheetList()
	names, err := selectSheets(all, only)
	if err != nil {
		return nil, nil, err
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("%w: create output dir: %v", ErrConversionFailed, err)
	}

	files := outputNames(all)
	results := make(map[string]Result, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		idx := indexOf(all, name)
		res, err := s.writeSheet(f, name, filepath.Join(outputDir, files[idx]), delimiter)
		if err != nil {
			return nil, nil, err
		}
		s.logf("stage=convert_sheet sheet=%q rows=%d size=%d duration=%s", name, res.Rows, res.SizeBytes, res.Duration.Truncate(time.Millisecond))
		results[name] = res
	}
	return results, names, nil
}

func selectSheets(all, only []string) ([]string, error) {
	if len(only) == 0 {
		return all, nil
	}
	out := make([]string, 0, len(only))
	for _, want := range only {
		i := indexOf(all, want)
		if i < 0 {
			i = indexFold(all, want)
		}
		if i < 0 {
			return nil, fmt.Errorf("%w: %q", ErrSheetNotFound, want)
		}
		out = append(out, all[i])
	}
	return out, nil
}

func indexOf(xs []string, v string) int {
	for i, x := range xs {
		if x == v {
			return i
		}
	}
	return -1
}

func indexFold(xs []string, v string) int {
	for i, x := range xs {
		if strings.EqualFold(x, v) {
			return i
		}
	}
	return -1
}

func (s *Streaming) writeSheet(f *excelize.File, name, outPath string, delimiter rune) (Result, error) {
	start := time.Now()

	out, err := os.Create(outPath)
	if err != nil {
		return Result{}, fmt.Errorf("%w: create %s: %v", ErrConversionFailed, outPath, err)
	}

	rows, err := f.Rows(name)
	if err != nil {
		out.Close()
		return Result{}, fmt.Errorf("%w: rows of %q: %v", ErrConversionFailed, name, err)
	}

	w := NewCSVWriter(out, delimiter)
	width := -1
	n := 0
	for rows.Next() {
		cells, err := rows.Columns()
		if err != nil {
			rows.Close()
			out.Close()
			return Result{}, fmt.Errorf("%w: read %q row %d: %v", ErrConversionFailed, name, n+1, err)
		}
		if width < 0 {
			width = len(cells)
		} else {
			cells = padTo(cells, width)
			if s.FixTwoDigitYears {
				fixTwoDigitYears(cells)
			}
			n++
		}
		if err := w.Write(cells); err != nil {
			rows.Close()
			out.Close()
			return Result{}, fmt.Errorf("%w: write %s: %v", ErrConversionFailed, outPath, err)
		}
	}
	if err := rows.Close(); err != nil {
		out.Close()
		return Result{}, fmt.Errorf("%w: close rows of %q: %v", ErrConversionFailed, name, err)
	}

	w.Flush()
	if err := w.Error(); err != nil {
		out.Close()
		return Result{}, fmt.Errorf("%w: flush %s: %v", ErrConversionFailed, outPath, err)
	}
	if err := out.Close(); err != nil {
		return Result{}, fmt.Errorf("%w: close %s: %v", ErrConversionFailed, outPath, err)
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return Result{}, fmt.Errorf("%w: stat %s: %v", ErrConversionFailed, outPath, err)
	}
	return Result{Name: name, Path: outPath, Rows: n, SizeBytes: info.Size(), Duration: time.Since(start)}, nil
}

// NewCSVWriter returns the CSV writer shared by every converter.
func NewCSVWriter(dst io.Writer, delimiter rune) *csv.Writer {
	w := csv.NewWriter(dst)
	w.Comma = delimiter
	return w
}

// padTo extends short rows with empty cells; excelize drops trailing blanks.
func padTo(cells []string, width int) []string {
	for len(cells) < width {
		cells = append(cells, "")
	}
	return cells
}

var twoDigitYear = regexp.MustCompile(`^(\d{1,2})[-/](\d{1,2})[-/](\d{2})$`)

func fixTwoDigitYears(cells []string) {
	for i, v := range cells {
		if m := twoDigitYear.FindStringSubmatch(v); m != nil {
			cells[i] = m[1] + "/" + m[2] + "/20" + m[3]
		}
	}
}
