// Package pipeline runs collection-notice runs.
//
// A notice type maps to a Pipeline: a validation phase and a processing
// phase, each an ordered list of Steps. The Processor executes them,
// records per-step results on the Run and persists the run status through
// the staging store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cobranza/internal/metrics"
	"cobranza/internal/storage"
)

// Logger is the minimal logging interface used by this package.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Step is one unit of work of a pipeline.
type Step interface {
	Name() string
	// ShouldExecute reports whether the step applies to run. Skipped steps
	// are recorded but not executed.
	ShouldExecute(run *Run) bool
	Execute(ctx context.Context, run *Run) error
}

// finalizer is implemented by steps that still run after an earlier step
// of the same phase failed.
type finalizer interface {
	RunsAfterFailure() bool
}

// Pipeline is the composition of steps for one notice type.
type Pipeline struct {
	Name string

	// Validation runs in Processor.Validate.
	Validation []Step
	// Steps runs in Processor.Process.
	Steps []Step
}

var (
	// ErrNotValidated is returned by Process for runs not in StatusValidated.
	ErrNotValidated = errors.New("pipeline: run is not validated")
)

// StepError is the failure of one step.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("step %q: %v", e.Step, e.Err) }

func (e *StepError) Unwrap() error { return e.Err }

// Processor executes pipelines over runs.
type Processor struct {
	// Store persists run status; nil disables persistence.
	Store  storage.Store
	Logger Logger

	// Job labels metrics.
	Job string
}

// NewProcessor returns a Processor persisting to store.
func NewProcessor(store storage.Store, logger Logger) *Processor {
	return &Processor{Store: store, Logger: logger}
}

func (p *Processor) logf(format string, v ...any) {
	if p.Logger != nil {
		p.Logger.Printf(format, v...)
	}
}

func (p *Processor) job() string {
	if p.Job == "" {
		return "ingest"
	}
	return p.Job
}

// Validate runs pl.Validation over run. The run ends in StatusValidated or
// StatusValidationFailed.
//
// Errors:
//   - *StepError for the first failing validation step.
//   - Persistence failures.
func (p *Processor) Validate(ctx context.Context, pl Pipeline, run *Run) error {
	run.Status = StatusValidating
	if err := p.persist(ctx, run); err != nil {
		return err
	}

	err := p.runSteps(ctx, pl.Validation, run)
	if err != nil {
		run.Status = StatusValidationFailed
		p.logf("stage=validate level=error run=%d pipeline=%q err=%v", run.ID, pl.Name, err)
	} else {
		run.Status = StatusValidated
		p.logf("stage=validate run=%d pipeline=%q files=%d", run.ID, pl.Name, len(run.Files))
	}
	return errors.Join(err, p.persist(context.WithoutCancel(ctx), run))
}

// Process runs pl.Steps over a validated run.
//
// The run is marked processing, steps run in order and the first failing
// step stops the phase; steps that run after failures (cleanup) still
// execute. The run ends completed, failed, or cancelled when ctx was
// cancelled.
//
// Errors:
//   - ErrNotValidated when run.Status is not StatusValidated.
//   - *StepError for the first failing step.
//   - Persistence failures.
func (p *Processor) Process(ctx context.Context, pl Pipeline, run *Run) error {
	if run.Status != StatusValidated {
		return fmt.Errorf("%w: run %d is %s", ErrNotValidated, run.ID, run.Status)
	}

	start := time.Now()
	run.Status = StatusProcessing
	if err := p.persist(ctx, run); err != nil {
		return err
	}
	p.logf("stage=process run=%d pipeline=%q notice_type=%s period=%s", run.ID, pl.Name, run.NoticeType, run.Period)

	err := p.runSteps(ctx, pl.Steps, run)
	switch {
	case err == nil:
		run.Status = StatusCompleted
	case ctx.Err() != nil:
		run.Status = StatusCancelled
	default:
		run.Status = StatusFailed
	}

	d := time.Since(start)
	metrics.RecordStep(p.job(), "run", err, d)
	if err != nil {
		p.logf("stage=process level=error run=%d pipeline=%q status=%s duration=%s err=%v", run.ID, pl.Name, run.Status, d, err)
	} else {
		p.logf("stage=process run=%d pipeline=%q status=%s duration=%s", run.ID, pl.Name, run.Status, d)
	}
	return errors.Join(err, p.persist(context.WithoutCancel(ctx), run))
}

// ValidateAndProcess runs both phases. Processing is skipped when
// validation fails.
func (p *Processor) ValidateAndProcess(ctx context.Context, pl Pipeline, run *Run) error {
	if err := p.Validate(ctx, pl, run); err != nil {
		return err
	}
	return p.Process(ctx, pl, run)
}

func (p *Processor) runSteps(ctx context.Context, steps []Step, run *Run) error {
	var first error
	for _, s := range steps {
		if first != nil {
			if f, ok := s.(finalizer); !ok || !f.RunsAfterFailure() {
				continue
			}
		}

		res := StepResult{Step: s.Name(), Status: "skipped"}
		if !s.ShouldExecute(run) {
			p.logf("stage=step run=%d step=%s skipped=true", run.ID, s.Name())
			run.Results = append(run.Results, res)
			continue
		}

		run.current = &res
		start := time.Now()
		err := s.Execute(ctx, run)
		d := time.Since(start)
		run.current = nil

		res.DurationMS = d.Milliseconds()
		metrics.RecordStep(p.job(), s.Name(), err, d)

		if err != nil {
			serr := &StepError{Step: s.Name(), Err: err}
			res.Status = "failed"
			res.Error = err.Error()
			run.Errors = append(run.Errors, serr.Error())
			p.logf("stage=step level=error run=%d step=%s duration=%s err=%v", run.ID, s.Name(), d, err)
			if first == nil {
				first = serr
			}
		} else {
			res.Status = "ok"
			p.logf("stage=step run=%d step=%s duration=%s", run.ID, s.Name(), d)
		}
		run.Results = append(run.Results, res)
	}
	return first
}

func (p *Processor) persist(ctx context.Context, run *Run) error {
	if p.Store == nil {
		return nil
	}
	rec, err := run.Record()
	if err != nil {
		return err
	}
	if err := p.Store.UpdateRunStatus(ctx, rec); err != nil {
		return fmt.Errorf("pipeline: persist run %d status %s: %w", run.ID, run.Status, err)
	}
	return nil
}
