package upload

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"unicode/utf8"
)

// Limits enforced on file metadata regardless of configuration.
const (
	MaxNameLength   = 255
	MaxMetadataSize = 512 * 1024 * 1024
)

// ErrInvalidMetadata is wrapped by every Metadata.Validate failure.
var ErrInvalidMetadata = errors.New("upload: invalid file metadata")

var allowedExtensions = map[string]bool{
	"csv":  true,
	"txt":  true,
	"xls":  true,
	"xlsx": true,
}

var dangerousExtensions = map[string]bool{
	"php": true, "phtml": true, "php3": true, "php4": true, "php5": true, "php7": true, "phps": true, "phar": true,
	"exe": true, "bat": true, "cmd": true, "com": true, "pif": true, "scr": true,
	"js": true, "vbs": true, "wsf": true, "sh": true, "bash": true, "ps1": true,
	"jar": true, "py": true, "pl": true, "cgi": true,
	"asp": true, "aspx": true, "jsp": true, "dll": true, "so": true,
}

// Metadata describes a file as the rest of the system refers to it: a path
// relative to the storage root plus what the client declared about it.
type Metadata struct {
	Path         string `json:"path"`
	OriginalName string `json:"original_name"`
	Size         int64  `json:"size"`
	MIME         string `json:"mime,omitempty"`
	Extension    string `json:"extension,omitempty"`
}

// Normalize trims and lower-cases MIME and extension. An empty extension is
// taken from OriginalName.
func (m Metadata) Normalize() Metadata {
	m.Path = strings.TrimSpace(m.Path)
	m.OriginalName = strings.TrimSpace(m.OriginalName)
	m.MIME = strings.ToLower(strings.TrimSpace(m.MIME))
	if i := strings.IndexByte(m.MIME, ';'); i >= 0 {
		m.MIME = strings.TrimSpace(m.MIME[:i])
	}
	m.Extension = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(m.Extension), "."))
	if m.Extension == "" {
		m.Extension = strings.ToLower(strings.TrimPrefix(path.Ext(m.OriginalName), "."))
	}
	return m
}

// Validate checks m against the path, name, size and extension rules.
//
// Errors:
//   - Every failure wraps ErrInvalidMetadata and names the offending field.
func (m Metadata) Validate() error {
	if err := ValidateRelativePath(m.Path); err != nil {
		return err
	}

	name := strings.TrimSpace(m.OriginalName)
	switch {
	case name == "":
		return invalid("original_name", "must not be empty")
	case utf8.RuneCountInString(name) > MaxNameLength:
		return invalid("original_name", fmt.Sprintf("longer than %d characters", MaxNameLength))
	case strings.Contains(name, "\x00") || strings.Contains(name, ".."):
		return invalid("original_name", "contains forbidden sequences")
	}

	if m.Size < 1 {
		return invalid("size", "file is empty")
	}
	if m.Size > MaxMetadataSize {
		return invalid("size", fmt.Sprintf("exceeds %d bytes", MaxMetadataSize))
	}

	ext := strings.ToLower(strings.TrimSpace(m.Extension))
	if ext == "" {
		return nil
	}
	if dangerousExtensions[ext] {
		return invalid("extension", fmt.Sprintf("%q is not allowed", ext))
	}
	if !allowedExtensions[ext] {
		return invalid("extension", fmt.Sprintf("%q is not one of csv, txt, xls, xlsx", ext))
	}
	return nil
}

// ValidateRelativePath rejects paths outside the pending/ and completed/
// groups, traversal sequences, NUL bytes and characters that are unsafe on
// common filesystems.
func ValidateRelativePath(p string) error {
	p = strings.TrimSpace(p)
	if p == "" {
		return invalid("path", "must not be empty")
	}
	if strings.Contains(p, "..") || strings.Contains(p, "\x00") {
		return invalid("path", "contains forbidden sequences")
	}
	if strings.ContainsAny(p, `<>:"|?*`) {
		return invalid("path", "contains forbidden characters")
	}
	if !strings.HasPrefix(p, PendingGroup+"/") && !strings.HasPrefix(p, CompletedGroup+"/") {
		return invalid("path", "must start with completed/ or pending/")
	}
	return nil
}

func invalid(field, msg string) error {
	return fmt.Errorf("%w: %s %s", ErrInvalidMetadata, field, msg)
}
