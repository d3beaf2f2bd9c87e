package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"cobranza/internal/storage"
)

type fakeLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *fakeLogger) Printf(format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, fmt.Sprintf(format, v...))
}

// statusStore records every run status it is asked to persist.
type statusStore struct {
	storage.Store

	mu       sync.Mutex
	statuses []string
	last     storage.RunRecord
	fail     error
}

func (s *statusStore) UpdateRunStatus(_ context.Context, r storage.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.statuses = append(s.statuses, r.Status)
	s.last = r
	return nil
}

type fakeStep struct {
	name  string
	skip  bool
	err   error
	final bool
	calls *[]string
}

func (f fakeStep) Name() string { return f.name }

func (f fakeStep) ShouldExecute(*Run) bool { return !f.skip }

func (f fakeStep) RunsAfterFailure() bool { return f.final }

func (f fakeStep) Execute(_ context.Context, run *Run) error {
	*f.calls = append(*f.calls, f.name)
	run.Note("ran", true)
	return f.err
}

func TestProcessor_ProcessStopsAtFirstError(t *testing.T) {
	t.Parallel()

	var calls []string
	pl := Pipeline{
		Name: "test",
		Steps: []Step{
			fakeStep{name: "a", calls: &calls},
			fakeStep{name: "b", err: errors.New("boom"), calls: &calls},
			fakeStep{name: "c", calls: &calls},
			fakeStep{name: "cleanup", final: true, calls: &calls},
		},
	}
	store := &statusStore{}
	run := &Run{ID: 9, Status: StatusValidated}

	err := NewProcessor(store, &fakeLogger{}).Process(context.Background(), pl, run)

	var serr *StepError
	if !errors.As(err, &serr) || serr.Step != "b" {
		t.Fatalf("expected StepError for b, got %v", err)
	}
	if got := strings.Join(calls, ","); got != "a,b,cleanup" {
		t.Fatalf("calls = %s", got)
	}
	if run.Status != StatusFailed {
		t.Fatalf("status = %s", run.Status)
	}
	if len(run.Errors) != 1 || run.Errors[0] != `step "b": boom` {
		t.Fatalf("errors = %q", run.Errors)
	}
	if len(run.Results) != 3 || run.Results[1].Status != "failed" || run.Results[2].Step != "cleanup" {
		t.Fatalf("results = %+v", run.Results)
	}
	if got := strings.Join(store.statuses, ","); got != "processing,failed" {
		t.Fatalf("persisted = %s", got)
	}
	if !strings.Contains(store.last.Errors, `step \"b\": boom`) {
		t.Fatalf("persisted errors = %s", store.last.Errors)
	}
}

func TestProcessor_ProcessCompletes(t *testing.T) {
	t.Parallel()

	var calls []string
	pl := Pipeline{Steps: []Step{
		fakeStep{name: "a", calls: &calls},
		fakeStep{name: "skipped", skip: true, calls: &calls},
	}}
	store := &statusStore{}
	run := &Run{ID: 1, Status: StatusValidated}

	if err := NewProcessor(store, nil).Process(context.Background(), pl, run); err != nil {
		t.Fatal(err)
	}
	if run.Status != StatusCompleted {
		t.Fatalf("status = %s", run.Status)
	}
	if len(calls) != 1 {
		t.Fatalf("calls = %v", calls)
	}
	if run.Results[0].Details["ran"] != true || run.Results[1].Status != "skipped" {
		t.Fatalf("results = %+v", run.Results)
	}
	if store.last.Status != string(StatusCompleted) || store.last.Errors != "" {
		t.Fatalf("record = %+v", store.last)
	}
}

func TestProcessor_ProcessRequiresValidatedRun(t *testing.T) {
	t.Parallel()

	for _, st := range []RunStatus{StatusPending, StatusValidationFailed, StatusCompleted} {
		t.Run(string(st), func(t *testing.T) {
			t.Parallel()
			run := &Run{Status: st}
			err := NewProcessor(nil, nil).Process(context.Background(), Pipeline{}, run)
			if !errors.Is(err, ErrNotValidated) {
				t.Fatalf("expected ErrNotValidated, got %v", err)
			}
			if run.Status != st {
				t.Fatalf("status changed to %s", run.Status)
			}
		})
	}
}

func TestProcessor_ValidateFailure(t *testing.T) {
	t.Parallel()

	var calls []string
	pl := Pipeline{
		Validation: []Step{fakeStep{name: "check", err: errors.New("bad file"), calls: &calls}},
		Steps:      []Step{fakeStep{name: "load", calls: &calls}},
	}
	store := &statusStore{}
	run := &Run{ID: 2}

	err := NewProcessor(store, nil).ValidateAndProcess(context.Background(), pl, run)
	if err == nil {
		t.Fatal("expected error")
	}
	if run.Status != StatusValidationFailed {
		t.Fatalf("status = %s", run.Status)
	}
	if strings.Join(calls, ",") != "check" {
		t.Fatalf("calls = %v", calls)
	}
	if got := strings.Join(store.statuses, ","); got != "validating,validation_failed" {
		t.Fatalf("persisted = %s", got)
	}
}

func TestProcessor_CancelledRun(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var calls []string
	pl := Pipeline{Steps: []Step{
		cancelStep{cancel: cancel},
		fakeStep{name: "after", calls: &calls},
	}}
	store := &statusStore{}
	run := &Run{ID: 3, Status: StatusValidated}

	err := NewProcessor(store, nil).Process(ctx, pl, run)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if run.Status != StatusCancelled || store.last.Status != string(StatusCancelled) {
		t.Fatalf("status = %s persisted = %s", run.Status, store.last.Status)
	}
	if len(calls) != 0 {
		t.Fatalf("calls = %v", calls)
	}
}

type cancelStep struct{ cancel context.CancelFunc }

func (cancelStep) Name() string            { return "cancel" }
func (cancelStep) ShouldExecute(*Run) bool { return true }
func (c cancelStep) Execute(ctx context.Context, _ *Run) error {
	c.cancel()
	return ctx.Err()
}

func TestProcessor_PersistFailure(t *testing.T) {
	t.Parallel()

	store := &statusStore{fail: errors.New("db down")}
	run := &Run{ID: 4, Status: StatusValidated}

	err := NewProcessor(store, nil).Process(context.Background(), Pipeline{}, run)
	if err == nil || !strings.Contains(err.Error(), "db down") {
		t.Fatalf("expected persist error, got %v", err)
	}
}

func TestRunStatus_Terminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s    RunStatus
		want bool
	}{
		{StatusPending, false},
		{StatusValidating, false},
		{StatusValidated, false},
		{StatusProcessing, false},
		{StatusValidationFailed, true},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.s.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.s, got, tt.want)
		}
	}
}
