// Package service turns an invocation into pipeline runs: it matches, asks
// the process lifecycle whether to detach, then spawns or runs.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jguan/hookflow/pkg/infra/logger"
	"github.com/jguan/hookflow/pkg/pipeline"
	"github.com/jguan/hookflow/pkg/process"
)

// PipelineRunner executes one pipeline in the current process.
type PipelineRunner interface {
	Run(ctx context.Context, p *pipeline.Pipeline, meta pipeline.RunMeta) (pipeline.Status, error)
}

// SpawnFunc starts a detached child running args.
type SpawnFunc func(ctx context.Context, args []string) (*process.Handle, error)

// Request describes what the current process was asked to do.
type Request struct {
	// Invocation is the command line that repeats this action, used when
	// the action must be re-spawned detached.
	Invocation process.Invocation
	Flag       *pipeline.Flag
	Mode       pipeline.Mode
	SessionID  int64
}

func (r Request) context() pipeline.InvocationContext {
	return pipeline.InvocationContext{Flag: r.Flag, Mode: r.Mode}
}

type LauncherOption func(*Launcher)

// WithSpawner replaces process.RunBackground.
func WithSpawner(fn SpawnFunc) LauncherOption {
	return func(l *Launcher) {
		if fn != nil {
			l.spawn = fn
		}
	}
}

// WithConcurrency bounds how many selected pipelines run at once. Zero or
// less means no bound.
func WithConcurrency(n int) LauncherOption {
	return func(l *Launcher) {
		l.concurrency = n
	}
}

func WithLogger(logger *slog.Logger) LauncherOption {
	return func(l *Launcher) {
		if logger != nil {
			l.logger = logger
		}
	}
}

type Launcher struct {
	pipelines   []pipeline.Pipeline
	runner      PipelineRunner
	spawn       SpawnFunc
	concurrency int
	logger      *slog.Logger
}

func NewLauncher(pipelines []pipeline.Pipeline, runner PipelineRunner, opts ...LauncherOption) *Launcher {
	l := &Launcher{
		pipelines: pipelines,
		runner:    runner,
		spawn:     process.RunBackground,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Launch runs the pipeline called name. A pipeline that is not triggerable
// under req is skipped without error. When the invocation is not attached
// yet, the child is spawned and its handle returned; nothing runs locally.
func (l *Launcher) Launch(ctx context.Context, name string, req Request) (*process.Handle, error) {
	p, err := pipeline.Find(l.pipelines, name)
	if err != nil {
		return nil, err
	}

	if !pipeline.IsTriggerable(p, req.context()) {
		l.logger.Info("pipeline not triggerable, skipping", "pipeline", name, "flag", flagName(req.Flag), "mode", req.Mode)
		return nil, nil
	}

	if h, detached, err := l.detach(ctx, req); detached || err != nil {
		return h, err
	}

	ctx = logger.SetPipeline(logger.SetSession(ctx, req.SessionID), p.Name)
	_, err = l.runner.Run(ctx, p, pipeline.RunMeta{SessionID: req.SessionID, Flag: req.Flag})
	return nil, err
}

// Trigger runs every pipeline triggerable under req. Nothing matching is a
// no-op. Once attached, the selection runs concurrently and every failure is
// reported.
func (l *Launcher) Trigger(ctx context.Context, req Request) (*process.Handle, error) {
	selected := pipeline.Select(l.pipelines, req.context())
	if len(selected) == 0 {
		l.logger.Debug("no pipeline to trigger", "flag", flagName(req.Flag), "mode", req.Mode)
		return nil, nil
	}

	if h, detached, err := l.detach(ctx, req); detached || err != nil {
		return h, err
	}

	ctx = logger.SetSession(ctx, req.SessionID)

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	if l.concurrency > 0 {
		g.SetLimit(l.concurrency)
	}
	for i := range selected {
		p := &selected[i]
		g.Go(func() error {
			_, err := l.runner.Run(logger.SetPipeline(ctx, p.Name), p, pipeline.RunMeta{SessionID: req.SessionID, Flag: req.Flag})
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return nil, errors.Join(errs...)
}

// detach spawns the child invocation when the current one is not attached.
func (l *Launcher) detach(ctx context.Context, req Request) (*process.Handle, bool, error) {
	decision, child := process.ShouldDetach(req.Invocation)
	if decision == process.DecisionForeground {
		return nil, false, nil
	}
	h, err := l.spawn(ctx, child.Args)
	if err != nil {
		return nil, true, err
	}
	l.logger.Debug("spawned detached child", "pid", h.PID, "args", child.Args)
	return h, true, nil
}

func flagName(f *pipeline.Flag) string {
	if f == nil {
		return ""
	}
	return f.String()
}
