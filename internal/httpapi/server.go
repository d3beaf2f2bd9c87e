// Package httpapi serves the chunked upload endpoints, liveness and metrics.
//
// Routes:
//
//	POST   /api/v1/uploads/chunks      multipart chunk, see handleChunk
//	DELETE /api/v1/uploads/{uploadID}  discard a session, 204
//	GET    /health/live                200 while the process runs
//	GET    /metrics                    Prometheus exposition, when configured
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"cobranza/internal/upload"
	"cobranza/internal/validate"
)

// Logger is the minimal logging interface used by this package.
type Logger interface {
	Printf(format string, v ...any)
}

// multipartOverhead is added to the chunk limit for the form fields and
// part headers of one request.
const multipartOverhead = 1 << 20

// Server holds the handlers' collaborators.
type Server struct {
	Chunks *upload.ChunkStore
	// Validator checks each assembled file; a rejected file is discarded.
	// nil skips the check.
	Validator *validate.Validator
	// Metrics serves /metrics; nil leaves the route unmounted.
	Metrics http.Handler
	Logger  Logger
}

// New returns a Server over chunks.
func New(chunks *upload.ChunkStore, validator *validate.Validator, metrics http.Handler, logger Logger) *Server {
	return &Server{Chunks: chunks, Validator: validator, Metrics: metrics, Logger: logger}
}

func (s *Server) logf(format string, v ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, v...)
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics)
	}

	r.Route("/api/v1/uploads", func(r chi.Router) {
		r.Post("/chunks", s.handleChunk)
		r.Delete("/{uploadID}", s.handleDiscard)
	})
	return r
}

// requestLog tags each request with an id and logs it once served.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logf("stage=http request_id=%s method=%s path=%s status=%d bytes=%d duration=%s",
			id, r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(), time.Since(start))
	})
}

// handleChunk accepts one chunk of an upload session.
//
// Form fields: upload_id, chunk_index, total_chunks and the file part
// "chunk". The first chunk may also carry original_name, size, mime and
// extension. The response is upload.Result: {"completed":false} until the
// last chunk, then the assembled file. An assembled file that fails
// validation is discarded and answered with 422.
func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	if s.Chunks.MaxChunkSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.Chunks.MaxChunkSize+multipartOverhead)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("%v: limit=%d", upload.ErrChunkTooLarge, s.Chunks.MaxChunkSize))
			return
		}
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("invalid multipart form: %v", err))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	id := r.FormValue("upload_id")
	index, err := formInt(r, "chunk_index")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	total, err := formInt(r, "total_chunks")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	part, _, err := r.FormFile("chunk")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "chunk: file part is required")
		return
	}
	defer part.Close()

	var declared *upload.Declared
	if index == 0 {
		declared = &upload.Declared{
			OriginalName: r.FormValue("original_name"),
			MIME:         r.FormValue("mime"),
			Extension:    r.FormValue("extension"),
		}
		if v := r.FormValue("size"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				writeError(w, http.StatusUnprocessableEntity, "size: must be a non-negative integer")
				return
			}
			declared.Size = n
		}
	}

	res, err := s.Chunks.AppendChunk(r.Context(), id, index, total, part, declared)
	if err != nil {
		s.fail(w, err)
		return
	}
	if res.Completed && s.Validator != nil {
		if err := s.Validator.Validate(res.File.Metadata(), ""); err != nil {
			s.logf("stage=upload_rejected upload_id=%s path=%s err=%v", id, res.File.Path, err)
			if derr := s.Chunks.Discard(id); derr != nil {
				s.logf("stage=upload_rejected level=error upload_id=%s discard_failed=%v", id, derr)
			}
			s.fail(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uploadID")
	if err := s.Chunks.Discard(id); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps client errors to 422 and everything else to 500.
func (s *Server) fail(w http.ResponseWriter, err error) {
	if isClientError(err) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.logf("stage=http level=error err=%v", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func isClientError(err error) bool {
	for _, target := range []error{
		upload.ErrInvalidUploadID,
		upload.ErrInvalidChunkRange,
		upload.ErrChunkEmpty,
		upload.ErrChunkTooLarge,
		upload.ErrFileTooLarge,
		upload.ErrInvalidMetadata,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return validate.IsValidationError(err)
}

func formInt(r *http.Request, field string) (int, error) {
	v := r.FormValue(field)
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: must be an integer, got %q", field, v)
	}
	return n, nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
