package process

import (
	"context"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	ps "github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

// DefaultGrace is how long a homologous process gets between SIGTERM and
// SIGKILL.
const DefaultGrace = 2 * time.Second

const pollInterval = 50 * time.Millisecond

type killConfig struct {
	grace  time.Duration
	self   int
	logger *slog.Logger
}

type KillOption func(*killConfig)

func WithGrace(d time.Duration) KillOption {
	return func(c *killConfig) {
		c.grace = d
	}
}

func WithKillLogger(logger *slog.Logger) KillOption {
	return func(c *killConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// KillHomologous terminates every live process whose command line equals
// signature, except the caller. Failing to enumerate processes is logged and
// treated as finding none.
func KillHomologous(ctx context.Context, signature string, opts ...KillOption) (int, error) {
	cfg := killConfig{grace: DefaultGrace, self: os.Getpid(), logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	pids := FindBySignature(ctx, signature, cfg.logger)
	pids = slices.DeleteFunc(pids, func(pid int) bool { return pid == cfg.self })
	if len(pids) == 0 {
		return 0, nil
	}

	var signalled []int
	for _, pid := range pids {
		if err := unix.Kill(pid, unix.SIGTERM); err != nil {
			cfg.logger.Debug("sigterm failed", "pid", pid, "error", err)
			continue
		}
		signalled = append(signalled, pid)
	}

	deadline := time.Now().Add(cfg.grace)
	for len(signalled) > 0 {
		signalled = slices.DeleteFunc(signalled, func(pid int) bool { return !Alive(ctx, pid) })
		if len(signalled) == 0 || time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	for _, pid := range signalled {
		cfg.logger.Warn("homologous process ignored SIGTERM, killing", "pid", pid)
		if err := unix.Kill(pid, unix.SIGKILL); err != nil {
			cfg.logger.Debug("sigkill failed", "pid", pid, "error", err)
		}
	}

	cfg.logger.Info("terminated homologous processes", "count", len(pids), "signature", signature)
	return len(pids), nil
}

// FindBySignature lists the pids whose space-joined command line equals
// signature.
func FindBySignature(ctx context.Context, signature string, logger *slog.Logger) []int {
	if logger == nil {
		logger = slog.Default()
	}
	procs, err := ps.ProcessesWithContext(ctx)
	if err != nil {
		logger.Warn("failed to list processes", "error", err)
		return nil
	}

	var pids []int
	for _, p := range procs {
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || len(args) == 0 {
			continue
		}
		if strings.Join(args, " ") == signature {
			pids = append(pids, int(p.Pid))
		}
	}
	return pids
}

// Alive reports whether pid names a running, non-zombie process.
func Alive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := ps.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !exists {
		return false
	}
	p, err := ps.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return true
	}
	return !slices.Contains(status, ps.Zombie)
}

// Prober adapts Alive for read paths that infer aborted runs.
type Prober struct{}

func (Prober) Alive(ctx context.Context, pid int) bool {
	return Alive(ctx, pid)
}
