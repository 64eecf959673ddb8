package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/jguan/hookflow/pkg/fault"
)

// DefaultShell runs step commands when neither $SHELL nor a setting names one.
const DefaultShell = "sh"

// CommandResult is the outcome of one command of a step.
type CommandResult struct {
	Command  string        `json:"command"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

func (r CommandResult) Succeeded() bool {
	return r.ExitCode == 0
}

// Log converts the result into its persisted form.
func (r CommandResult) Log() *CommandLog {
	return &CommandLog{
		Stdin:    r.Command,
		Stdout:   r.Stdout,
		Stderr:   r.Stderr,
		ExitCode: r.ExitCode,
	}
}

type StepResult struct {
	Step     string          `json:"step"`
	Commands []CommandResult `json:"commands"`
}

// Succeeded reports whether every executed command exited with status 0.
func (r StepResult) Succeeded() bool {
	for _, c := range r.Commands {
		if !c.Succeeded() {
			return false
		}
	}
	return true
}

// StepExecutor runs a single step synchronously. A non-nil error means the
// step could not be executed at all; a command exiting non-zero is reported
// through the result.
type StepExecutor interface {
	Execute(ctx context.Context, step Step) (StepResult, error)
}

// StepExecutorFunc adapts a function to StepExecutor.
type StepExecutorFunc func(ctx context.Context, step Step) (StepResult, error)

func (f StepExecutorFunc) Execute(ctx context.Context, step Step) (StepResult, error) {
	return f(ctx, step)
}

// ShellExecutor runs each command of a step through `<shell> -c`, stopping
// at the first command that fails.
type ShellExecutor struct {
	shell  string
	dir    string
	env    []string
	logger *slog.Logger
}

type ShellOption func(*ShellExecutor)

// WithShell overrides the shell. An empty value keeps the default.
func WithShell(shell string) ShellOption {
	return func(e *ShellExecutor) {
		if shell != "" {
			e.shell = shell
		}
	}
}

func WithDir(dir string) ShellOption {
	return func(e *ShellExecutor) {
		e.dir = dir
	}
}

// WithEnv appends variables to the inherited environment.
func WithEnv(env ...string) ShellOption {
	return func(e *ShellExecutor) {
		e.env = append(e.env, env...)
	}
}

func WithExecutorLogger(logger *slog.Logger) ShellOption {
	return func(e *ShellExecutor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewShellExecutor creates an executor using $SHELL, or DefaultShell when the
// variable is unset.
func NewShellExecutor(opts ...ShellOption) *ShellExecutor {
	e := &ShellExecutor{
		shell:  ShellFromEnv(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ShellFromEnv returns the user's session shell or DefaultShell.
func ShellFromEnv() string {
	if s := os.Getenv("SHELL"); s != "" {
		return s
	}
	return DefaultShell
}

func (e *ShellExecutor) Execute(ctx context.Context, step Step) (StepResult, error) {
	result := StepResult{Step: step.Name}
	for _, command := range step.Commands {
		res, err := e.run(ctx, command)
		if err != nil {
			return result, err
		}
		result.Commands = append(result.Commands, res)
		if !res.Succeeded() {
			break
		}
	}
	return result, nil
}

func (e *ShellExecutor) run(ctx context.Context, command string) (CommandResult, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, e.shell, "-c", command)
	cmd.Dir = e.dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if len(e.env) > 0 {
		cmd.Env = append(os.Environ(), e.env...)
	}

	e.logger.Debug("executing command", "shell", e.shell, "command", command)

	start := time.Now()
	err := cmd.Run()
	res := CommandResult{
		Command:  command,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode < 0 {
			// killed by a signal, usually through ctx cancellation
			res.ExitCode = 1
		}
	default:
		return res, fault.WrapDomain(err, domain, fault.ErrCodeIO, "spawn "+e.shell)
	}

	return res, nil
}
