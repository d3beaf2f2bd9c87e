// Package sheet converts spreadsheet workbooks into one delimited CSV file per
// sheet.
//
// Two converters implement the same contract:
//
//   - Native runs an external binary (cmd/excel_streaming or a compatible
//     tool) as a subprocess and reads a JSON report from its stdout.
//   - Streaming reads the workbook in-process, row by row, with excelize.
//
// Auto prefers Native when its binary is installed. All of them write CSV with
// encoding/csv using the requested delimiter, so downstream sanitization does
// not care which one ran.
package sheet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cobranza/internal/upload"
)

var (
	ErrNotFound         = errors.New("sheet: workbook not found")
	ErrSheetNotFound    = errors.New("sheet: sheet not found in workbook")
	ErrConversionFailed = errors.New("sheet: conversion failed")
)

// Logger is the minimal logging interface used by this package.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Result describes one converted sheet.
type Result struct {
	Name      string
	Path      string
	Rows      int // data rows, header excluded
	SizeBytes int64
	Duration  time.Duration
}

// Converter turns a workbook into per-sheet CSV files under outputDir.
type Converter interface {
	// ConvertAllSheets converts every sheet, keyed by sheet name.
	ConvertAllSheets(ctx context.Context, workbookPath, outputDir string, delimiter rune) (map[string]Result, error)
	// ConvertSheet converts only the named sheet.
	ConvertSheet(ctx context.Context, workbookPath, sheetName, outputDir string, delimiter rune) (Result, error)
}

// Report is the JSON document the native converter prints on stdout.
type Report struct {
	Success     bool          `json:"success"`
	TotalTimeMS int64         `json:"total_time_ms"`
	TotalRows   int           `json:"total_rows"`
	Sheets      []ReportSheet `json:"sheets"`
	Error       string        `json:"error,omitempty"`
}

// ReportSheet is one entry of Report.Sheets.
type ReportSheet struct {
	Name       string `json:"name"`
	Rows       int    `json:"rows"`
	DurationMS int64  `json:"duration_ms"`
	Path       string `json:"path"`
	SizeKB     int64  `json:"size_kb"`
}

// NewReport builds the report for results, in the given sheet order.
func NewReport(order []string, results map[string]Result, total time.Duration) Report {
	r := Report{Success: true, TotalTimeMS: total.Milliseconds(), Sheets: make([]ReportSheet, 0, len(order))}
	for _, name := range order {
		res, ok := results[name]
		if !ok {
			continue
		}
		r.TotalRows += res.Rows
		r.Sheets = append(r.Sheets, ReportSheet{
			Name:       res.Name,
			Rows:       res.Rows,
			DurationMS: res.Duration.Milliseconds(),
			Path:       res.Path,
			SizeKB:     res.SizeBytes / 1024,
		})
	}
	return r
}

// OutputName is the CSV file name used for sheet number index (0-based).
func OutputName(sheetName string, index int) string {
	base := upload.Slug(sheetName)
	if base == "" {
		base = fmt.Sprintf("sheet%d", index+1)
	}
	return base + ".csv"
}

// outputNames assigns a distinct file name to every sheet of a workbook, in
// sheet order. A sheet whose name slugs to one already taken gets its
// 1-based sheet number appended.
func outputNames(sheets []string) []string {
	out := make([]string, len(sheets))
	taken := make(map[string]bool, len(sheets))
	for i, name := range sheets {
		n := OutputName(name, i)
		if taken[n] {
			base := strings.TrimSuffix(n, ".csv")
			n = fmt.Sprintf("%s-%d.csv", base, i+1)
			for k := 2; taken[n]; k++ {
				n = fmt.Sprintf("%s-%d-%d.csv", base, i+1, k)
			}
		}
		taken[n] = true
		out[i] = n
	}
	return out
}

// ConvertAndReplace converts one sheet and deletes the workbook once the CSV
// has been written. The workbook is kept when conversion fails.
func ConvertAndReplace(ctx context.Context, c Converter, workbookPath, sheetName, outputDir string, delimiter rune) (Result, error) {
	res, err := c.ConvertSheet(ctx, workbookPath, sheetName, outputDir, delimiter)
	if err != nil {
		return Result{}, err
	}
	if err := os.Remove(workbookPath); err != nil && !os.IsNotExist(err) {
		return res, fmt.Errorf("sheet: remove workbook: %w", err)
	}
	return res, nil
}

func requireWorkbook(path string) error {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return nil
}

func findSheet(results map[string]Result, name string) (Result, bool) {
	if r, ok := results[name]; ok {
		return r, true
	}
	for k, r := range results {
		if strings.EqualFold(k, name) {
			return r, true
		}
	}
	return Result{}, false
}
