// Package validate checks assembled uploads before they join a run.
//
// Checks run in a fixed order and stop at the first failure:
//
//  1. the file exists
//  2. size: non-empty, within the maximum, within 1% of the declared size
//  3. MIME and extension agree (unknown MIME types are skipped)
//  4. the extension satisfies the required one, with aliases
//  5. content: text files are scanned for binary bytes and embedded code,
//     spreadsheets must start with their format's magic bytes
//
// Every failure is a *ValidationError that matches its sentinel with errors.Is.
package validate

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"cobranza/internal/upload"
)

var (
	ErrFileMissing         = errors.New("file does not exist")
	ErrEmptyFile           = errors.New("file is empty")
	ErrFileTooLarge        = errors.New("file exceeds maximum size")
	ErrSizeMismatch        = errors.New("file size does not match the declared size")
	ErrMimeMismatch        = errors.New("extension does not match MIME type")
	ErrExtensionNotAllowed = errors.New("extension not allowed")
	ErrBinaryContent       = errors.New("file contains binary content")
	ErrDangerousContent    = errors.New("file contains potentially dangerous code")
	ErrInvalidSignature    = errors.New("file signature does not match its extension")
	ErrUnreadable          = errors.New("file could not be read")
)

// ValidationError carries the failed check and a human-readable reason.
type ValidationError struct {
	Kind   error
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Kind }

func fail(kind error, format string, v ...any) error {
	return &ValidationError{Kind: kind, Reason: fmt.Sprintf(format, v...)}
}

// IsValidationError reports whether err came from a failed check rather than
// from the environment.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var mimeExtensions = map[string][]string{
	"text/csv":                 {"csv", "txt"},
	"text/plain":               {"txt", "csv"},
	"application/csv":          {"csv"},
	"text/x-csv":               {"csv"},
	"application/vnd.ms-excel": {"xls", "csv"},
	upload.MIMEXLSX:            {"xlsx"},
}

// Validator resolves metadata paths against Root.
type Validator struct {
	Root        string
	MaxFileSize int64
}

// New returns a Validator rooted at root.
func New(root string, maxFileSize int64) *Validator {
	return &Validator{Root: root, MaxFileSize: maxFileSize}
}

// Validate runs every check against meta. requiredExtension may be empty.
func (v *Validator) Validate(meta upload.Metadata, requiredExtension string) error {
	meta = meta.Normalize()
	abs := filepath.Join(v.Root, filepath.FromSlash(meta.Path))

	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return fail(ErrFileMissing, "%s", meta.Path)
	}

	if err := v.checkSize(meta.Size, info.Size()); err != nil {
		return err
	}
	if err := checkMime(meta.MIME, meta.Extension); err != nil {
		return err
	}
	if requiredExtension != "" {
		if err := checkRequired(meta.Extension, requiredExtension); err != nil {
			return err
		}
	}
	return checkContent(abs, meta.Extension)
}

func (v *Validator) checkSize(declared, actual int64) error {
	if actual <= 0 {
		return fail(ErrEmptyFile, "%d bytes", actual)
	}
	if v.MaxFileSize > 0 && actual > v.MaxFileSize {
		return fail(ErrFileTooLarge, "%d bytes, limit %d", actual, v.MaxFileSize)
	}
	tolerance := int64(math.Ceil(float64(declared) * 0.01))
	if actual < declared-tolerance || actual > declared+tolerance {
		return fail(ErrSizeMismatch, "declared %d bytes, actual %d bytes", declared, actual)
	}
	return nil
}

func checkMime(mime, ext string) error {
	if mime == "" || ext == "" {
		return nil
	}
	allowed, known := mimeExtensions[mime]
	if !known {
		return nil
	}
	for _, a := range allowed {
		if a == ext {
			return nil
		}
	}
	return fail(ErrMimeMismatch, "extension %q with MIME %q", ext, mime)
}

// AcceptedExtensions lists the extensions that satisfy required.
func AcceptedExtensions(required string) []string {
	switch r := strings.ToLower(strings.TrimSpace(required)); r {
	case "csv":
		return []string{"csv", "txt", "xls", "xlsx"}
	case "xls":
		return []string{"xls"}
	case "xlsx":
		return []string{"xlsx", "xls"}
	case "txt":
		return []string{"txt", "csv"}
	default:
		return []string{r}
	}
}

func checkRequired(ext, required string) error {
	if ext == "" {
		return fail(ErrExtensionNotAllowed, "file must have extension %s", required)
	}
	for _, a := range AcceptedExtensions(required) {
		if a == ext {
			return nil
		}
	}
	return fail(ErrExtensionNotAllowed, "want %s, got %s", required, ext)
}
