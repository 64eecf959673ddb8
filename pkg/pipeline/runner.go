package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

// Recorder persists run records. Implementations must be append-only.
type Recorder interface {
	Append(ctx context.Context, rec Record) error
}

// RunMeta identifies one run of a pipeline.
type RunMeta struct {
	SessionID int64
	Flag      *Flag
	// RunID is generated when empty.
	RunID string
}

// Runner drives a pipeline through its state machine:
//
//	never -> started -> running -> succeeded | failed
//
// Every transition and every executed command is appended to the Recorder.
type Runner struct {
	recorder Recorder
	executor StepExecutor
	out      io.Writer
	logger   *slog.Logger
	logFrom  func(context.Context) *slog.Logger
	pid      int
}

type RunnerOption func(*Runner)

// WithOutput sets where the one-line run summary is written. nil discards it.
func WithOutput(w io.Writer) RunnerOption {
	return func(r *Runner) {
		if w == nil {
			w = io.Discard
		}
		r.out = w
	}
}

func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithContextLogger derives the run logger from the run's context instead
// of WithLogger. The context is expected to name the pipeline.
func WithContextLogger(fn func(context.Context) *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logFrom = fn
	}
}

// WithPID overrides the pid stamped on records.
func WithPID(pid int) RunnerOption {
	return func(r *Runner) {
		r.pid = pid
	}
}

func NewRunner(recorder Recorder, executor StepExecutor, opts ...RunnerOption) *Runner {
	r := &Runner{
		recorder: recorder,
		executor: executor,
		out:      io.Discard,
		logger:   slog.Default(),
		pid:      os.Getpid(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes p and returns its terminal status. A failed run returns
// ErrStepFailed; the failed record has been appended by then.
func (r *Runner) Run(ctx context.Context, p *Pipeline, meta RunMeta) (Status, error) {
	if r.recorder == nil {
		return StatusNever, ErrRecorderNotSet
	}
	if r.executor == nil {
		return StatusNever, ErrExecutorNotSet
	}
	if meta.RunID == "" {
		meta.RunID = uuid.NewString()
	}

	logger := r.logger.With("pipeline", p.Name, "run", meta.RunID)
	if r.logFrom != nil {
		logger = r.logFrom(ctx).With("run", meta.RunID)
	}
	start := time.Now()

	p.PID = r.pid
	if err := r.transition(ctx, p, meta, StatusStarted, ""); err != nil {
		// Without a started record the run would be invisible; refuse to go on.
		return StatusNever, err
	}

	status := StatusSucceeded
	var failedStep string
	var runErr error

	for i, step := range p.Steps {
		if i == 0 {
			r.warn(logger, r.transition(ctx, p, meta, StatusRunning, ""))
		}
		r.warn(logger, r.transition(ctx, p, meta, StatusRunning, step.Name))

		logger.Debug("running step", "step", step.Name, "commands", len(step.Commands))
		result, err := r.executor.Execute(ctx, step)
		for _, cmd := range result.Commands {
			rec := r.record(p, meta, StatusRunning)
			rec.Step = step.Name
			rec.Command = cmd.Log()
			r.warn(logger, r.recorder.Append(ctx, rec))
		}

		if err == nil && result.Succeeded() {
			continue
		}
		if err != nil {
			logger.Error("step could not be executed", "step", step.Name, "error", err)
		}
		if step.NonBlocking {
			logger.Warn("non-blocking step failed", "step", step.Name)
			continue
		}
		status = StatusFailed
		failedStep = step.Name
		runErr = err
		break
	}

	if err := r.transition(ctx, p, meta, status, ""); err != nil {
		logger.Error("failed to record terminal status", "status", status, "error", err)
	}
	p.PID = 0

	elapsed := time.Since(start).Round(time.Millisecond)
	if status == StatusFailed {
		fmt.Fprintf(r.out, "%s: failed at step %q (%s)\n", p.Name, failedStep, elapsed)
		e := ErrStepFailed.WithDetails("pipeline", p.Name).WithDetails("step", failedStep)
		e.Cause = runErr
		return status, e
	}
	fmt.Fprintf(r.out, "%s: succeeded (%s)\n", p.Name, elapsed)
	return status, nil
}

func (r *Runner) transition(ctx context.Context, p *Pipeline, meta RunMeta, status Status, step string) error {
	p.Status = status
	rec := r.record(p, meta, status)
	rec.Step = step
	return r.recorder.Append(ctx, rec)
}

func (r *Runner) record(p *Pipeline, meta RunMeta, status Status) Record {
	rec := Record{
		Name:      p.Name,
		Status:    status,
		Date:      time.Now(),
		SessionID: meta.SessionID,
		PID:       r.pid,
		RunID:     meta.RunID,
	}
	if meta.Flag != nil {
		rec.Flag = meta.Flag.String()
	}
	return rec
}

func (r *Runner) warn(logger *slog.Logger, err error) {
	if err != nil {
		logger.Warn("failed to append run record", "error", err)
	}
}
