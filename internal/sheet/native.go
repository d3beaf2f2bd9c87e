package sheet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultNativeTimeout bounds one native conversion.
const DefaultNativeTimeout = 10 * time.Minute

// waitDelay caps how long output pipes are drained after the process is killed.
const waitDelay = 2 * time.Second

// Native runs an external converter binary:
//
//	<BinaryPath> --input <abs workbook> --output <abs dir> --delimiter <char>
//
// The binary prints a Report as JSON on stdout and exits 0 on success.
type Native struct {
	BinaryPath string
	Timeout    time.Duration
	Logger     Logger
}

func (n *Native) logf(format string, v ...any) {
	if n.Logger != nil {
		n.Logger.Printf(format, v...)
	}
}

// Available reports whether BinaryPath exists and is executable.
func (n *Native) Available() bool {
	if n == nil || n.BinaryPath == "" {
		return false
	}
	info, err := os.Stat(n.BinaryPath)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}

// ConvertAllSheets implements Converter.
//
// Errors:
//   - ErrNotFound when the workbook does not exist.
//   - ErrConversionFailed on a non-zero exit, a timeout, unparsable output or
//     a report with success=false. The subprocess stderr is included.
func (n *Native) ConvertAllSheets(ctx context.Context, workbookPath, outputDir string, delimiter rune) (map[string]Result, error) {
	if err := requireWorkbook(workbookPath); err != nil {
		return nil, err
	}
	in, err := filepath.Abs(workbookPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}
	out, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}
	if err := os.MkdirAll(out, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create output dir: %v", ErrConversionFailed, err)
	}

	timeout := n.Timeout
	if timeout <= 0 {
		timeout = DefaultNativeTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(cctx, n.BinaryPath, "--input", in, "--output", out, "--delimiter", string(delimiter))
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	start := time.Now()
	runErr := cmd.Run()
	if cctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%w: timed out after %s: %s", ErrConversionFailed, timeout, tail(stderr.String()))
	}
	if runErr != nil {
		return nil, fmt.Errorf("%w: %v: %s", ErrConversionFailed, runErr, failureText(stdout.Bytes(), stderr.String()))
	}

	var rep Report
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &rep); err != nil {
		return nil, fmt.Errorf("%w: invalid report: %v: %s", ErrConversionFailed, err, tail(stdout.String()))
	}
	if !rep.Success {
		return nil, fmt.Errorf("%w: %s", ErrConversionFailed, rep.Error)
	}

	results := make(map[string]Result, len(rep.Sheets))
	for _, s := range rep.Sheets {
		size := s.SizeKB * 1024
		if info, err := os.Stat(s.Path); err == nil {
			size = info.Size()
		}
		results[s.Name] = Result{
			Name:      s.Name,
			Path:      s.Path,
			Rows:      s.Rows,
			SizeBytes: size,
			Duration:  time.Duration(s.DurationMS) * time.Millisecond,
		}
	}
	n.logf("stage=convert_native workbook=%s sheets=%d rows=%d duration=%s",
		filepath.Base(in), len(results), rep.TotalRows, time.Since(start).Truncate(time.Millisecond))
	return results, nil
}

// ConvertSheet implements Converter. The native contract has no sheet
// selector, so the workbook is converted into a scratch directory and only
// the requested sheet is moved to outputDir.
func (n *Native) ConvertSheet(ctx context.Context, workbookPath, sheetName, outputDir string, delimiter rune) (Result, error) {
	scratch := filepath.Join(outputDir, ".native-"+uuid.NewString())
	defer os.RemoveAll(scratch)

	results, err := n.ConvertAllSheets(ctx, workbookPath, scratch, delimiter)
	if err != nil {
		return Result{}, err
	}
	r, ok := findSheet(results, sheetName)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrSheetNotFound, sheetName)
	}

	dst := filepath.Join(outputDir, filepath.Base(r.Path))
	if err := os.Rename(r.Path, dst); err != nil {
		return Result{}, fmt.Errorf("%w: move %s: %v", ErrConversionFailed, r.Path, err)
	}
	r.Path = dst
	return r, nil
}

// failureText prefers the report's error message, then stderr.
func failureText(stdout []byte, stderr string) string {
	var rep Report
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &rep); err == nil && rep.Error != "" {
		return rep.Error
	}
	return tail(stderr)
}

// tail keeps the last 2KB of diagnostic output.
func tail(s string) string {
	s = strings.TrimSpace(s)
	const limit = 2048
	if len(s) > limit {
		return "..." + s[len(s)-limit:]
	}
	return s
}

// Auto uses Native when its binary is available and Streaming otherwise.
type Auto struct {
	Native    *Native
	Streaming *Streaming
}

func (a *Auto) pick() Converter {
	if a.Native.Available() {
		return a.Native
	}
	return a.Streaming
}

// ConvertAllSheets implements Converter.
func (a *Auto) ConvertAllSheets(ctx context.Context, workbookPath, outputDir string, delimiter rune) (map[string]Result, error) {
	return a.pick().ConvertAllSheets(ctx, workbookPath, outputDir, delimiter)
}

// ConvertSheet implements Converter.
func (a *Auto) ConvertSheet(ctx context.Context, workbookPath, sheetName, outputDir string, delimiter rune) (Result, error) {
	return a.pick().ConvertSheet(ctx, workbookPath, sheetName, outputDir, delimiter)
}

// New builds the converter selected by mode: "native", "streaming" or "auto".
func New(mode, binaryPath string, timeout time.Duration, fixYears bool, logger Logger) (Converter, error) {
	native := &Native{BinaryPath: binaryPath, Timeout: timeout, Logger: logger}
	streaming := &Streaming{FixTwoDigitYears: fixYears, Logger: logger}

	switch mode {
	case "native":
		return native, nil
	case "streaming":
		return streaming, nil
	case "", "auto":
		return &Auto{Native: native, Streaming: streaming}, nil
	default:
		return nil, errors.New("sheet: unknown converter mode " + mode)
	}
}

var (
	_ Converter = (*Native)(nil)
	_ Converter = (*Streaming)(nil)
	_ Converter = (*Auto)(nil)
)
