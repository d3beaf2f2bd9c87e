// Package upload reassembles chunked file uploads on local disk and reclaims
// abandoned sessions.
//
// Layout under the store root:
//
//	pending/<uploadID>/meta.json
//	pending/<uploadID>/000000.part, 000001.part, ...
//	completed/<uploadID>/<slug(name)>.<ext>
//
// Part names are zero-padded, so a lexical directory listing returns them in
// index order. Sessions are independent of each other: distinct upload ids
// never share a directory.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"

	"cobranza/internal/metrics"

	"github.com/zeebo/xxh3"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Upload groups under the store root.
const (
	PendingGroup   = "pending"
	CompletedGroup = "completed"

	metaFile = "meta.json"
)

var (
	ErrInvalidUploadID   = errors.New("upload: invalid upload id")
	ErrInvalidChunkRange = errors.New("upload: chunk index out of range")
	ErrChunkEmpty        = errors.New("upload: chunk is empty")
	ErrChunkTooLarge     = errors.New("upload: chunk exceeds maximum size")
	ErrFileTooLarge      = errors.New("upload: assembled file exceeds maximum size")
)

var uploadIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{10,191}$`)

// ValidUploadID reports whether id is an acceptable session token.
func ValidUploadID(id string) bool { return uploadIDPattern.MatchString(id) }

// Logger is the minimal logging interface used by this package.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Declared is what the client states about the file with chunk 0.
type Declared struct {
	OriginalName string `json:"original_name,omitempty"`
	Size         int64  `json:"size,omitempty"`
	MIME         string `json:"mime,omitempty"`
	Extension    string `json:"extension,omitempty"`
}

// AssembledFile is the result of a completed upload. Path is relative to the
// store root; Size and MIME come from the bytes on disk.
type AssembledFile struct {
	Path         string `json:"path"`
	OriginalName string `json:"original_name"`
	Size         int64  `json:"size"`
	MIME         string `json:"mime"`
	Extension    string `json:"extension"`
	Checksum     string `json:"checksum"`

	// DeclaredSize is the size the client announced, 0 when unknown.
	DeclaredSize int64 `json:"-"`
}

// Metadata converts f into the value validated before a file joins a run.
// The declared size is preferred so the validator can compare it with the
// bytes on disk.
func (f AssembledFile) Metadata() Metadata {
	size := f.DeclaredSize
	if size <= 0 {
		size = f.Size
	}
	return Metadata{
		Path:         f.Path,
		OriginalName: f.OriginalName,
		Size:         size,
		MIME:         f.MIME,
		Extension:    f.Extension,
	}
}

// Result is returned by AppendChunk. File is set only when Completed is true.
type Result struct {
	Completed bool           `json:"completed"`
	File      *AssembledFile `json:"file,omitempty"`
}

// ChunkStore persists upload chunks under Root.
//
// When to use:
//   - One ChunkStore per storage root, shared by all request handlers.
//
// Concurrency:
//   - Safe for concurrent use. Calls for the same upload id are serialized so
//     a session is assembled at most once.
type ChunkStore struct {
	Root         string
	MaxChunkSize int64
	MaxFileSize  int64
	Logger       Logger

	// Job labels upload metrics.
	Job string

	locks sync.Map // uploadID -> *sync.Mutex
}

// NewChunkStore returns a store rooted at root.
func NewChunkStore(root string, maxChunk, maxFile int64, logger Logger) *ChunkStore {
	return &ChunkStore{Root: root, MaxChunkSize: maxChunk, MaxFileSize: maxFile, Logger: logger}
}

func (s *ChunkStore) logf(format string, v ...any) {
	if s.Logger == nil {
		return
	}
	s.Logger.Printf(format, v...)
}

// lock serializes work on one session. The entry is dropped, still held,
// once the session is assembled or discarded.
func (s *ChunkStore) lock(id string) func() {
	m, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Abs resolves a store-relative path.
func (s *ChunkStore) Abs(rel string) string {
	return filepath.Join(s.Root, filepath.FromSlash(rel))
}

// AppendChunk stores one chunk and assembles the file once every index in
// [0,totalChunks) is present on disk. Chunks may arrive in any order.
//
// Errors:
//   - ErrInvalidUploadID, ErrInvalidChunkRange, ErrChunkEmpty, ErrChunkTooLarge
//     for bad input; nothing is left on disk for the rejected chunk.
//   - ErrFileTooLarge when the assembled file exceeds MaxFileSize; the
//     assembled file is deleted.
//   - I/O errors are wrapped.
func (s *ChunkStore) AppendChunk(ctx context.Context, uploadID string, chunkIndex, totalChunks int, chunk io.Reader, declared *Declared) (Result, error) {
	if !ValidUploadID(uploadID) {
		return Result{}, ErrInvalidUploadID
	}
	if totalChunks < 1 || chunkIndex < 0 || chunkIndex >= totalChunks {
		return Result{}, fmt.Errorf("%w: index=%d total=%d", ErrInvalidChunkRange, chunkIndex, totalChunks)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	unlock := s.lock(uploadID)
	defer unlock()

	dir := s.Abs(path.Join(PendingGroup, uploadID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("upload: create session dir: %w", err)
	}

	if chunkIndex == 0 {
		if err := writeDeclared(dir, declared); err != nil {
			return Result{}, err
		}
	}

	if err := s.writePart(dir, chunkIndex, chunk); err != nil {
		return Result{}, err
	}
	metrics.RecordUpload(s.job(), "chunk")

	if !allPartsPresent(dir, totalChunks) {
		return Result{Completed: false}, nil
	}

	file, err := s.assemble(uploadID, dir)
	if err != nil {
		metrics.RecordUpload(s.job(), "rejected")
		return Result{}, err
	}
	s.locks.Delete(uploadID)
	metrics.RecordUpload(s.job(), "assembled")
	s.logf("stage=upload_assembled upload_id=%s path=%s size=%d mime=%s", uploadID, file.Path, file.Size, file.MIME)
	return Result{Completed: true, File: file}, nil
}

func (s *ChunkStore) job() string {
	if s.Job == "" {
		return "cobranza"
	}
	return s.Job
}

func partName(i int) string { return fmt.Sprintf("%06d.part", i) }

func (s *ChunkStore) writePart(dir string, index int, chunk io.Reader) error {
	final := filepath.Join(dir, partName(index))
	tmp := final + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("upload: create part: %w", err)
	}

	var src io.Reader = chunk
	if s.MaxChunkSize > 0 {
		src = io.LimitReader(chunk, s.MaxChunkSize+1)
	}
	n, copyErr := io.Copy(f, src)
	closeErr := f.Close()

	switch {
	case copyErr != nil:
		_ = os.Remove(tmp)
		return fmt.Errorf("upload: write part: %w", copyErr)
	case closeErr != nil:
		_ = os.Remove(tmp)
		return fmt.Errorf("upload: close part: %w", closeErr)
	case n == 0:
		_ = os.Remove(tmp)
		return ErrChunkEmpty
	case s.MaxChunkSize > 0 && n > s.MaxChunkSize:
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: limit=%d", ErrChunkTooLarge, s.MaxChunkSize)
	}

	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("upload: commit part: %w", err)
	}
	return nil
}

func writeDeclared(dir string, d *Declared) error {
	var v Declared
	if d != nil {
		v = *d
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("upload: encode metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metaFile), b, 0o644); err != nil {
		return fmt.Errorf("upload: write metadata: %w", err)
	}
	return nil
}

// readDeclared never fails: a missing or corrupt meta.json yields zero values.
func (s *ChunkStore) readDeclared(dir string) Declared {
	var d Declared
	b, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return d
	}
	if err := json.Unmarshal(b, &d); err != nil {
		s.logf("stage=upload_meta warn=unreadable dir=%s err=%v", dir, err)
		return Declared{}
	}
	return d
}

func allPartsPresent(dir string, total int) bool {
	for i := 0; i < total; i++ {
		if _, err := os.Stat(filepath.Join(dir, partName(i))); err != nil {
			return false
		}
	}
	return true
}

func listParts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var parts []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".part") {
			parts = append(parts, e.Name())
		}
	}
	sort.Strings(parts)
	return parts, nil
}

func (s *ChunkStore) assemble(uploadID, dir string) (*AssembledFile, error) {
	d := s.readDeclared(dir)

	name := strings.TrimSpace(d.OriginalName)
	if name == "" {
		name = "archivo"
	}
	ext := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d.Extension), "."))
	if ext == "" {
		ext = strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	}
	base := Slug(strings.TrimSuffix(name, path.Ext(name)))
	if base == "" {
		base = uploadID
	}
	finalName := base
	if ext != "" {
		finalName += "." + ext
	}

	rel := path.Join(CompletedGroup, uploadID, finalName)
	if err := ValidateRelativePath(rel); err != nil {
		return nil, err
	}
	target := s.Abs(rel)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("upload: create completed dir: %w", err)
	}

	parts, err := listParts(dir)
	if err != nil {
		return nil, fmt.Errorf("upload: list parts: %w", err)
	}

	size, sum, err := concat(target, dir, parts)
	if err != nil {
		_ = os.Remove(target)
		return nil, err
	}

	if err := os.RemoveAll(dir); err != nil {
		s.logf("stage=upload_assembled warn=cleanup_failed dir=%s err=%v", dir, err)
	}

	if s.MaxFileSize > 0 && size > s.MaxFileSize {
		_ = os.Remove(target)
		return nil, fmt.Errorf("%w: size=%d limit=%d", ErrFileTooLarge, size, s.MaxFileSize)
	}

	mime, err := DetectMIME(target)
	if err != nil {
		return nil, fmt.Errorf("upload: detect mime: %w", err)
	}

	return &AssembledFile{
		Path:         rel,
		OriginalName: name,
		Size:         size,
		MIME:         mime,
		Extension:    ext,
		Checksum:     sum,
		DeclaredSize: d.Size,
	}, nil
}

// concat streams parts into target and returns the byte count and the xxh3
// digest of the concatenation.
func concat(target, dir string, parts []string) (int64, string, error) {
	out, err := os.Create(target)
	if err != nil {
		return 0, "", fmt.Errorf("upload: create target: %w", err)
	}

	h := xxh3.New()
	w := io.MultiWriter(out, h)

	var total int64
	for _, p := range parts {
		in, err := os.Open(filepath.Join(dir, p))
		if err != nil {
			out.Close()
			return 0, "", fmt.Errorf("upload: open part %s: %w", p, err)
		}
		n, err := io.Copy(w, in)
		in.Close()
		if err != nil {
			out.Close()
			return 0, "", fmt.Errorf("upload: copy part %s: %w", p, err)
		}
		total += n
	}

	if err := out.Sync(); err != nil {
		out.Close()
		return 0, "", fmt.Errorf("upload: sync target: %w", err)
	}
	if err := out.Close(); err != nil {
		return 0, "", fmt.Errorf("upload: close target: %w", err)
	}

	return total, fmt.Sprintf("%016x", h.Sum64()), nil
}

// Discard removes both the pending and completed directories of uploadID.
// Unknown or invalid ids are a no-op.
func (s *ChunkStore) Discard(uploadID string) error {
	if !ValidUploadID(uploadID) {
		return nil
	}
	unlock := s.lock(uploadID)
	defer unlock()
	defer s.locks.Delete(uploadID)

	var errs []error
	for _, g := range []string{PendingGroup, CompletedGroup} {
		if err := os.RemoveAll(s.Abs(path.Join(g, uploadID))); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("upload: discard %s: %w", uploadID, errors.Join(errs...))
	}
	metrics.RecordUpload(s.job(), "discarded")
	return nil
}

var slugSeparators = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lower-cases s, strips accents and collapses every run of other
// characters into a single '-'.
func Slug(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	plain, _, err := transform.String(t, s)
	if err != nil {
		plain = s
	}
	plain = strings.ToLower(plain)
	return strings.Trim(slugSeparators.ReplaceAllString(plain, "-"), "-")
}
