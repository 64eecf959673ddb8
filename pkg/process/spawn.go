package process

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// Handle tracks a background child. The child is reaped by a goroutine so
// it never lingers as a zombie.
type Handle struct {
	PID int

	done chan struct{}
}

// Done is closed once the child has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Running reports whether the child has not exited yet.
func (h *Handle) Running() bool {
	if h == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// RunForeground runs args synchronously with the caller's stdio and returns
// the child's exit code. A child exiting non-zero is not an error.
func RunForeground(ctx context.Context, args []string) (int, error) {
	if len(args) == 0 {
		return -1, ErrEmptyCommand
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		e := ErrSpawn.WithDetails("command", args[0])
		e.Cause = err
		return -1, e
	}
	return exitStatus(cmd.Wait())
}

// RunBackground starts args in a new session with stdio bound to the null
// device and returns without waiting. The child outlives ctx.
func RunBackground(ctx context.Context, args []string) (*Handle, error) {
	if len(args) == 0 {
		return nil, ErrEmptyCommand
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// nil Stdin/Stdout/Stderr are connected to os.DevNull.
	cmd := exec.Command(args[0], args[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		e := ErrSpawn.WithDetails("command", args[0])
		e.Cause = err
		return nil, e
	}

	h := &Handle{PID: cmd.Process.Pid, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code, nil
		}
		return -1, nil
	}
	return -1, err
}
