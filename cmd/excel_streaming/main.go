// Command excel_streaming converts every sheet of a workbook to delimited
// CSV files and prints a JSON report on stdout:
//
//	excel_streaming --input book.xlsx --output out/ --delimiter ';'
//
// It is the binary the native converter mode shells out to. The exit code is
// 0 only when the report says success=true.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cobranza/internal/sheet"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(runMain(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("excel_streaming", flag.ContinueOnError)
	fs.SetOutput(stderr)

	input := fs.String("input", "", "workbook path")
	output := fs.String("output", "", "output directory")
	delim := fs.String("delimiter", ";", "CSV delimiter (one character)")
	sheets := fs.String("sheets", "", "comma separated sheet names (default: all)")
	fixYears := fs.Bool("fix-years", true, "rewrite two-digit years in date cells")
	verbose := fs.Bool("v", false, "log each sheet to stderr")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *input == "" || *output == "" {
		fmt.Fprintln(stderr, "usage: excel_streaming --input book.xlsx --output dir [--delimiter ;] [--sheets a,b]")
		return 2
	}
	r := []rune(*delim)
	if len(r) != 1 {
		return report(stdout, sheet.Report{Error: fmt.Sprintf("delimiter must be one character, got %q", *delim)})
	}

	conv := &sheet.Streaming{FixTwoDigitYears: *fixYears}
	if *verbose {
		conv.Logger = log.New(stderr, "", log.LstdFlags)
	}

	var only []string
	for _, s := range strings.Split(*sheets, ",") {
		if s = strings.TrimSpace(s); s != "" {
			only = append(only, s)
		}
	}

	start := time.Now()
	results, order, err := conv.Convert(ctx, *input, *output, r[0], only)
	if err != nil {
		return report(stdout, sheet.Report{Error: err.Error(), TotalTimeMS: time.Since(start).Milliseconds()})
	}
	return report(stdout, sheet.NewReport(order, results, time.Since(start)))
}

// report prints rep and returns the matching exit code.
func report(w io.Writer, rep sheet.Report) int {
	if rep.Sheets == nil {
		rep.Sheets = []sheet.ReportSheet{}
	}
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		return 1
	}
	if !rep.Success {
		return 1
	}
	return 0
}
