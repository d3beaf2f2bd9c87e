package config

import (
	"fmt"
	"strings"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError blocks execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning is surfaced but does not block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation finding. Path is a dotted path into the
// config (e.g. "uploads.chunk_size").
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue has SeverityError.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// ValidateConfig performs static validation of c. It never mutates c.
func ValidateConfig(c Config) []Issue {
	var issues []Issue
	add := func(sev IssueSeverity, path, msg string) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: msg})
	}

	if strings.TrimSpace(c.Job) == "" {
		add(SeverityError, "job", "job must not be empty; it labels every metric")
	}
	if strings.TrimSpace(c.StorageRoot) == "" {
		add(SeverityError, "storage_root", "storage_root must not be empty")
	}

	if c.Uploads.ChunkSize <= 0 {
		add(SeverityError, "uploads.chunk_size", "must be > 0")
	}
	if c.Uploads.MaxFileSize <= 0 {
		add(SeverityError, "uploads.max_file_size", "must be > 0")
	}
	if c.Uploads.ChunkSize > 0 && c.Uploads.MaxFileSize > 0 && c.Uploads.ChunkSize > c.Uploads.MaxFileSize {
		add(SeverityWarning, "uploads.chunk_size", "larger than max_file_size; every multi-chunk upload will be rejected")
	}
	if c.Uploads.CleanupTTLMinutes <= 0 {
		add(SeverityError, "uploads.cleanup_ttl_minutes", "must be > 0")
	}

	switch c.Converter.Mode {
	case "auto", "streaming":
	case "native":
		if strings.TrimSpace(c.Converter.BinaryPath) == "" {
			add(SeverityError, "converter.binary_path", "required when converter.mode is native")
		}
	default:
		add(SeverityError, "converter.mode", fmt.Sprintf("unsupported mode %q (want auto, native or streaming)", c.Converter.Mode))
	}
	if c.Converter.TimeoutSeconds <= 0 {
		add(SeverityWarning, "converter.timeout_seconds", "not set; the native converter runs without a deadline")
	}

	if c.Import.BatchSize <= 0 {
		add(SeverityError, "import.batch_size", "must be > 0")
	}
	if len([]rune(c.Import.Delimiter)) != 1 {
		add(SeverityError, "import.delimiter", "must be exactly one character")
	}

	switch c.Storage.Kind {
	case "postgres", "sqlite", "mssql":
	case "":
		add(SeverityError, "storage.kind", "must not be empty")
	default:
		add(SeverityError, "storage.kind", fmt.Sprintf("unsupported kind %q", c.Storage.Kind))
	}
	if strings.TrimSpace(c.Storage.DSN) == "" {
		add(SeverityError, "storage.dsn", "must not be empty (or set DATABASE_URL)")
	}

	switch c.Metrics.Backend {
	case "", "none", "datadog", "prometheus":
	default:
		add(SeverityWarning, "metrics.backend", fmt.Sprintf("unknown backend %q; metrics will be disabled", c.Metrics.Backend))
	}

	return issues
}
