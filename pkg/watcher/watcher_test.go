package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jguan/hookflow/pkg/process"
)

const testDebounce = 30 * time.Millisecond

type harness struct {
	t      *testing.T
	root   string
	w      *Watcher
	fired  chan struct{}
	done   chan error
	cancel context.CancelFunc
}

func startWatcher(t *testing.T, root string, trigger TriggerFunc, opts ...Option) *harness {
	t.Helper()
	h := &harness{t: t, root: root, fired: make(chan struct{}, 64), done: make(chan error, 1)}
	if trigger == nil {
		trigger = func(context.Context) (*process.Handle, error) {
			h.fired <- struct{}{}
			return nil, nil
		}
	}
	opts = append([]Option{WithDebounce(testDebounce), WithIgnoreFiles(".hookflow_ignore")}, opts...)
	h.w = New(root, trigger, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
		}
	})
	return h
}

func (h *harness) write(rel string) {
	h.t.Helper()
	path := filepath.Join(h.root, rel)
	require.NoError(h.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(h.t, os.WriteFile(path, []byte(time.Now().String()), 0o644))
}

// warmUp writes until the watcher reports a trigger, proving the loop is live.
func (h *harness) warmUp() {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		h.write("warm.txt")
		select {
		case <-h.fired:
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	h.drain(3*h.w.debounce + 100*time.Millisecond)
}

// drain discards triggers until none arrive for quiet.
func (h *harness) drain(quiet time.Duration) int {
	n := 0
	for {
		select {
		case <-h.fired:
			n++
		case <-time.After(quiet):
			return n
		}
	}
}

func (h *harness) expectTrigger() {
	h.t.Helper()
	select {
	case <-h.fired:
	case <-time.After(3 * time.Second):
		h.t.Fatal("expected a trigger")
	}
}

func TestWatcher_TriggersOnChange(t *testing.T) {
	h := startWatcher(t, t.TempDir(), nil)
	h.warmUp()

	h.write("src/main.go")
	h.expectTrigger()
}

func TestWatcher_BatchesBurstIntoOneTrigger(t *testing.T) {
	h := startWatcher(t, t.TempDir(), nil, WithDebounce(200*time.Millisecond))
	h.warmUp()

	for i := 0; i < 5; i++ {
		h.write("burst.txt")
	}
	h.expectTrigger()
	assert.Zero(t, h.drain(400*time.Millisecond))
}

func TestWatcher_IgnoresBuiltinDirs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git", "objects"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".hookflow", "logs"), 0o755))

	h := startWatcher(t, root, nil)
	h.warmUp()

	h.write(".git/objects/abc")
	h.write(".hookflow/logs/build.json.log")
	assert.Zero(t, h.drain(300*time.Millisecond))
}

func TestWatcher_IgnoresExcludedDirs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "build", "hf", "logs"), 0o755))

	h := startWatcher(t, root, nil, WithExclude("build/hf"))
	h.warmUp()

	h.write("build/hf/logs/w.json.log")
	h.write("build/hf/hookflow.log")
	assert.Zero(t, h.drain(300*time.Millisecond))

	h.write("build/out.txt")
	h.expectTrigger()
}

func TestWatcher_ReconfiguresOnIgnoreFileChange(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".hookflow_ignore"), []byte("# nothing\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "secret"), 0o755))

	h := startWatcher(t, root, nil)
	h.warmUp()

	h.write("secret/before.txt")
	h.expectTrigger()
	h.drain(150 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(root, ".hookflow_ignore"), []byte("secret\n"), 0o644))
	h.drain(300 * time.Millisecond)

	h.write("secret/after.txt")
	assert.Zero(t, h.drain(300*time.Millisecond), "excluded path must not trigger")

	h.write("visible.txt")
	h.expectTrigger()
}

func TestWatcher_PicksUpNewIgnoreFile(t *testing.T) {
	root := t.TempDir()
	h := startWatcher(t, root, nil)
	h.warmUp()

	require.NoError(t, os.WriteFile(filepath.Join(root, ".hookflow_ignore"), []byte("*.tmp\n"), 0o644))
	h.drain(300 * time.Millisecond)

	h.write("scratch.tmp")
	assert.Zero(t, h.drain(300*time.Millisecond))
}

func TestWatcher_WatchesNewDirectories(t *testing.T) {
	h := startWatcher(t, t.TempDir(), nil)
	h.warmUp()

	require.NoError(t, os.MkdirAll(filepath.Join(h.root, "fresh"), 0o755))
	h.drain(200 * time.Millisecond)

	h.write("fresh/file.txt")
	h.expectTrigger()
}

func TestWatcher_SignalStopsLoop(t *testing.T) {
	signals := make(chan os.Signal, 1)
	h := startWatcher(t, t.TempDir(), nil, WithSignals(signals))
	h.warmUp()

	signals <- syscall.SIGINT
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on signal")
	}

	h.write("after-signal.txt")
	assert.Zero(t, h.drain(200*time.Millisecond))
}

func TestWatcher_SignalDuringBatchSuppressesTrigger(t *testing.T) {
	signals := make(chan os.Signal, 1)
	h := startWatcher(t, t.TempDir(), nil, WithSignals(signals), WithDebounce(300*time.Millisecond))
	h.warmUp()

	h.write("pending.txt")
	signals <- syscall.SIGTERM

	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on signal")
	}
	assert.Zero(t, h.drain(100*time.Millisecond))
}

func TestWatcher_CoalescesWhileTriggerRuns(t *testing.T) {
	fired := make(chan *process.Handle, 16)
	trigger := func(ctx context.Context) (*process.Handle, error) {
		hd, err := process.RunBackground(ctx, []string{"sleep", "0.8"})
		if err == nil {
			fired <- hd
		}
		return hd, err
	}
	root := t.TempDir()
	h := startWatcher(t, root, trigger)

	var first *process.Handle
	require.Eventually(t, func() bool {
		h.write("a.txt")
		select {
		case first = <-fired:
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	h.write("b.txt")
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, fired, 0, "batch must be dropped while the previous run is alive")

	<-first.Done()
	h.write("c.txt")
	select {
	case next := <-fired:
		<-next.Done()
	case <-time.After(3 * time.Second):
		t.Fatal("expected a new trigger after the previous run ended")
	}
}

func TestWatcher_RecoversFromTriggerFailures(t *testing.T) {
	var calls atomic.Int64
	fired := make(chan struct{}, 16)
	trigger := func(context.Context) (*process.Handle, error) {
		n := calls.Add(1)
		fired <- struct{}{}
		switch n {
		case 1:
			panic("boom")
		case 2:
			return nil, errors.New("spawn failed")
		}
		return nil, nil
	}
	h := startWatcher(t, t.TempDir(), trigger)

	for i := 0; i < 3; i++ {
		require.Eventually(t, func() bool {
			h.write("f.txt")
			select {
			case <-fired:
				return true
			case <-time.After(100 * time.Millisecond):
				return false
			}
		}, 5*time.Second, 10*time.Millisecond)
		time.Sleep(2 * testDebounce)
	}
	assert.GreaterOrEqual(t, calls.Load(), int64(3))
}

func TestWatcher_KillsHomologousFirst(t *testing.T) {
	var got atomic.Value
	kill := func(_ context.Context, signature string) (int, error) {
		got.Store(signature)
		return 1, nil
	}
	h := startWatcher(t, t.TempDir(), nil, WithHomologous("hookflow watch --attach", kill))
	h.warmUp()

	assert.Equal(t, "hookflow watch --attach", got.Load())
}

func TestWatcher_MissingRootFails(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "missing"), func(context.Context) (*process.Handle, error) { return nil, nil })
	err := w.Run(context.Background())
	require.Error(t, err)
}
