package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"cobranza/internal/storage"
	"cobranza/internal/upload"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	StatusPending          RunStatus = "pending"
	StatusValidating       RunStatus = "validating"
	StatusValidationFailed RunStatus = "validation_failed"
	StatusValidated        RunStatus = "validated"
	StatusProcessing       RunStatus = "processing"
	StatusCompleted        RunStatus = "completed"
	StatusFailed           RunStatus = "failed"
	StatusCancelled        RunStatus = "cancelled"
)

// Terminal reports whether no further transition is expected from s.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusValidationFailed, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// RunFile is one uploaded data-source file of a run. The embedded metadata
// path is relative to the storage root.
type RunFile struct {
	DataSource string `json:"data_source"`
	upload.Metadata
}

// SheetCSV is one sheet converted from a workbook of a run.
type SheetCSV struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Rows int    `json:"rows"`
}

// StepResult is the recorded outcome of one step.
type StepResult struct {
	Step       string         `json:"step"`
	Status     string         `json:"status"` // ok, skipped or failed
	DurationMS int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Run is one execution of a notice type over a set of uploaded files.
//
// Steps share state only through Run: the converted sheets and the scratch
// paths to remove at the end.
type Run struct {
	ID         int64      `json:"id"`
	NoticeType NoticeType `json:"notice_type"`
	Period     string     `json:"period"`
	Files      []RunFile  `json:"files"`
	Status     RunStatus  `json:"status,omitempty"`

	Results []StepResult `json:"results,omitempty"`
	Errors  []string     `json:"errors,omitempty"`

	// Sheets holds converted sheet CSVs keyed by data-source code.
	Sheets map[string][]SheetCSV `json:"-"`
	// Scratch lists files and directories created during the run.
	Scratch []string `json:"-"`

	current *StepResult
}

// Note attaches a detail to the result of the step being executed. Outside
// a step it does nothing.
func (r *Run) Note(key string, value any) {
	if r.current == nil {
		return
	}
	if r.current.Details == nil {
		r.current.Details = map[string]any{}
	}
	r.current.Details[key] = value
}

// AddScratch records a path to remove when the run ends.
func (r *Run) AddScratch(p string) {
	r.Scratch = append(r.Scratch, p)
}

// AddSheet records a converted sheet for code.
func (r *Run) AddSheet(code string, s SheetCSV) {
	if r.Sheets == nil {
		r.Sheets = map[string][]SheetCSV{}
	}
	code = strings.ToUpper(code)
	r.Sheets[code] = append(r.Sheets[code], s)
}

// SheetSources returns the codes with converted sheets, sorted.
func (r *Run) SheetSources() []string {
	out := make([]string, 0, len(r.Sheets))
	for code := range r.Sheets {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// HasSource reports whether a file was uploaded for code.
func (r *Run) HasSource(code string) bool {
	for _, f := range r.Files {
		if strings.EqualFold(f.DataSource, code) {
			return true
		}
	}
	return false
}

// Record is the persisted form of r.
func (r *Run) Record() (storage.RunRecord, error) {
	res, err := marshalOrEmpty(r.Results)
	if err != nil {
		return storage.RunRecord{}, fmt.Errorf("pipeline: encode results: %w", err)
	}
	errs, err := marshalOrEmpty(r.Errors)
	if err != nil {
		return storage.RunRecord{}, fmt.Errorf("pipeline: encode errors: %w", err)
	}
	return storage.RunRecord{
		ID:         r.ID,
		NoticeType: string(r.NoticeType),
		Period:     r.Period,
		Status:     string(r.Status),
		Results:    res,
		Errors:     errs,
	}, nil
}

func marshalOrEmpty[T any](v []T) (string, error) {
	if len(v) == 0 {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
