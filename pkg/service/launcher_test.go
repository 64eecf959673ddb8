package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jguan/hookflow/pkg/fault"
	"github.com/jguan/hookflow/pkg/pipeline"
	"github.com/jguan/hookflow/pkg/process"
)

type fakeRunner struct {
	mu     sync.Mutex
	ran    []string
	metas  []pipeline.RunMeta
	fail   map[string]bool
	active atomic.Int32
	peak   atomic.Int32
	delay  time.Duration
}

func (f *fakeRunner) Run(_ context.Context, p *pipeline.Pipeline, meta pipeline.RunMeta) (pipeline.Status, error) {
	n := f.active.Add(1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(f.delay)
	f.active.Add(-1)

	f.mu.Lock()
	f.ran = append(f.ran, p.Name)
	f.metas = append(f.metas, meta)
	f.mu.Unlock()

	if f.fail[p.Name] {
		return pipeline.StatusFailed, pipeline.ErrStepFailed.WithDetails("pipeline", p.Name)
	}
	return pipeline.StatusSucceeded, nil
}

func (f *fakeRunner) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.ran...)
	sort.Strings(out)
	return out
}

type fakeSpawner struct {
	calls [][]string
	err   error
}

func (f *fakeSpawner) spawn(_ context.Context, args []string) (*process.Handle, error) {
	f.calls = append(f.calls, args)
	if f.err != nil {
		return nil, f.err
	}
	return &process.Handle{PID: 4242}, nil
}

func flagPtr(s string) *pipeline.Flag {
	f := pipeline.ParseFlag(s)
	return &f
}

func projectPipelines() []pipeline.Pipeline {
	step := []pipeline.Step{{Name: "s", Commands: []string{"true"}}}
	return []pipeline.Pipeline{
		{Name: "test", Triggers: []pipeline.Trigger{{Flag: pipeline.ParseFlag("pre-commit")}}, Steps: step},
		{Name: "lint", Triggers: []pipeline.Trigger{{Flag: pipeline.ParseFlag("pre-commit")}, {Flag: pipeline.WatchFlag}}, Steps: step},
		{Name: "deploy", Triggers: []pipeline.Trigger{{Flag: pipeline.ParseFlag("pre-push")}}, Steps: step},
		{Name: "adhoc", Steps: step},
	}
}

func attached(args ...string) process.Invocation {
	return process.Invocation{Args: append(args, process.AttachFlag), Attached: true}
}

func TestLauncher_LaunchForeground(t *testing.T) {
	runner := &fakeRunner{}
	sp := &fakeSpawner{}
	l := NewLauncher(projectPipelines(), runner, WithSpawner(sp.spawn))

	h, err := l.Launch(context.Background(), "adhoc", Request{
		Invocation: attached("hookflow", "run", "adhoc"),
		Mode:       pipeline.ModeManual,
		SessionID:  7,
	})
	require.NoError(t, err)
	assert.Nil(t, h)
	assert.Empty(t, sp.calls)
	assert.Equal(t, []string{"adhoc"}, runner.names())
	assert.Equal(t, int64(7), runner.metas[0].SessionID)
}

func TestLauncher_LaunchDetaches(t *testing.T) {
	runner := &fakeRunner{}
	sp := &fakeSpawner{}
	l := NewLauncher(projectPipelines(), runner, WithSpawner(sp.spawn))

	inv := process.Invocation{Args: []string{"hookflow", "run", "deploy", "--session", "7"}}
	h, err := l.Launch(context.Background(), "deploy", Request{Invocation: inv, Mode: pipeline.ModeManual})
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, 4242, h.PID)
	assert.Empty(t, runner.names(), "nothing runs in the parent")

	require.Len(t, sp.calls, 1)
	assert.Equal(t, []string{"hookflow", "run", "deploy", "--session", "7", process.AttachFlag}, sp.calls[0])
	assert.Len(t, inv.Args, 5, "caller invocation must not be mutated")
}

func TestLauncher_LaunchUnknown(t *testing.T) {
	l := NewLauncher(projectPipelines(), &fakeRunner{})

	_, err := l.Launch(context.Background(), "missing", Request{Invocation: attached("hookflow")})
	require.Error(t, err)
	assert.True(t, fault.IsNotFound(err))
}

func TestLauncher_LaunchNotTriggerable(t *testing.T) {
	runner := &fakeRunner{}
	sp := &fakeSpawner{}
	l := NewLauncher(projectPipelines(), runner, WithSpawner(sp.spawn))

	h, err := l.Launch(context.Background(), "deploy", Request{
		Invocation: process.Invocation{Args: []string{"hookflow", "run", "deploy"}},
		Flag:       flagPtr("pre-commit"),
		Mode:       pipeline.ModeManual,
	})
	require.NoError(t, err)
	assert.Nil(t, h)
	assert.Empty(t, sp.calls, "a skipped pipeline spawns nothing")
	assert.Empty(t, runner.names())
}

func TestLauncher_LaunchSpawnError(t *testing.T) {
	sp := &fakeSpawner{err: process.ErrSpawn}
	l := NewLauncher(projectPipelines(), &fakeRunner{}, WithSpawner(sp.spawn))

	_, err := l.Launch(context.Background(), "adhoc", Request{Invocation: process.Invocation{Args: []string{"hookflow"}}})
	require.Error(t, err)
	assert.True(t, fault.IsIO(err))
}

func TestLauncher_TriggerSelection(t *testing.T) {
	tests := []struct {
		name string
		flag *pipeline.Flag
		want []string
	}{
		{"pre-commit", flagPtr("pre-commit"), []string{"lint", "test"}},
		{"watch", &pipeline.WatchFlag, []string{"lint"}},
		{"pre-push", flagPtr("pre-push"), []string{"deploy"}},
		{"unused flag", flagPtr("post-merge"), nil},
		{"no flag", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			l := NewLauncher(projectPipelines(), runner)

			h, err := l.Trigger(context.Background(), Request{
				Invocation: attached("hookflow", "trigger"),
				Flag:       tt.flag,
				Mode:       pipeline.ModeAuto,
			})
			require.NoError(t, err)
			assert.Nil(t, h)
			if tt.want == nil {
				assert.Empty(t, runner.names())
			} else {
				assert.Equal(t, tt.want, runner.names())
			}
		})
	}
}

func TestLauncher_TriggerNothingSpawnsNothing(t *testing.T) {
	sp := &fakeSpawner{}
	l := NewLauncher(projectPipelines(), &fakeRunner{}, WithSpawner(sp.spawn))

	h, err := l.Trigger(context.Background(), Request{
		Invocation: process.Invocation{Args: []string{"hookflow", "trigger", "--flag", "post-merge"}},
		Flag:       flagPtr("post-merge"),
		Mode:       pipeline.ModeAuto,
	})
	require.NoError(t, err)
	assert.Nil(t, h)
	assert.Empty(t, sp.calls)
}

func TestLauncher_TriggerDetachesOnce(t *testing.T) {
	runner := &fakeRunner{}
	sp := &fakeSpawner{}
	l := NewLauncher(projectPipelines(), runner, WithSpawner(sp.spawn))

	h, err := l.Trigger(context.Background(), Request{
		Invocation: process.Invocation{Args: []string{"hookflow", "trigger", "--flag", "pre-commit"}},
		Flag:       flagPtr("pre-commit"),
		Mode:       pipeline.ModeAuto,
	})
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Len(t, sp.calls, 1, "one child runs the whole selection")
	assert.Empty(t, runner.names())
}

func TestLauncher_TriggerJoinsFailures(t *testing.T) {
	runner := &fakeRunner{fail: map[string]bool{"test": true, "lint": true}}
	l := NewLauncher(projectPipelines(), runner)

	_, err := l.Trigger(context.Background(), Request{
		Invocation: attached("hookflow", "trigger"),
		Flag:       flagPtr("pre-commit"),
		Mode:       pipeline.ModeAuto,
		SessionID:  11,
	})
	require.Error(t, err)
	assert.True(t, fault.IsExecutionFailure(err))

	var joined interface{ Unwrap() []error }
	require.True(t, errors.As(err, &joined))
	assert.Len(t, joined.Unwrap(), 2)
	assert.Equal(t, []string{"lint", "test"}, runner.names(), "a failure does not stop the others")
	for _, m := range runner.metas {
		assert.Equal(t, int64(11), m.SessionID)
		require.NotNil(t, m.Flag)
		assert.Equal(t, "pre-commit", m.Flag.String())
	}
}

func TestLauncher_TriggerConcurrency(t *testing.T) {
	step := []pipeline.Step{{Name: "s", Commands: []string{"true"}}}
	var pipelines []pipeline.Pipeline
	for _, n := range []string{"a", "b", "c", "d"} {
		pipelines = append(pipelines, pipeline.Pipeline{Name: n, Triggers: []pipeline.Trigger{{Flag: pipeline.WatchFlag}}, Steps: step})
	}
	req := Request{Invocation: attached("hookflow", "trigger"), Flag: &pipeline.WatchFlag, Mode: pipeline.ModeAuto}

	t.Run("unbounded", func(t *testing.T) {
		runner := &fakeRunner{delay: 50 * time.Millisecond}
		_, err := NewLauncher(pipelines, runner).Trigger(context.Background(), req)
		require.NoError(t, err)
		assert.Greater(t, runner.peak.Load(), int32(1))
	})

	t.Run("limited", func(t *testing.T) {
		runner := &fakeRunner{delay: 10 * time.Millisecond}
		_, err := NewLauncher(pipelines, runner, WithConcurrency(1)).Trigger(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, int32(1), runner.peak.Load())
		assert.Len(t, runner.names(), 4)
	})
}
