package logstore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jguan/hookflow/pkg/fault"
	"github.com/jguan/hookflow/pkg/pipeline"
)

type fakeProber map[int]bool

func (f fakeProber) Alive(_ context.Context, pid int) bool {
	return f[pid]
}

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.Local)

func at(sec int) time.Time {
	return base.Add(time.Duration(sec) * time.Second)
}

func rec(name string, status pipeline.Status, sec int, opts ...func(*pipeline.Record)) pipeline.Record {
	r := pipeline.Record{Name: name, Status: status, Date: at(sec), RunID: name + "-run", PID: 100}
	for _, o := range opts {
		o(&r)
	}
	return r
}

func withSession(id int64) func(*pipeline.Record) {
	return func(r *pipeline.Record) { r.SessionID = id }
}

func withRun(id string, pid int) func(*pipeline.Record) {
	return func(r *pipeline.Record) { r.RunID, r.PID = id, pid }
}

type backendCase struct {
	name string
	open func(t *testing.T, dir string) Backend
}

func backends() []backendCase {
	return []backendCase{
		{"file", func(t *testing.T, dir string) Backend { return NewFileBackend(dir, nil) }},
		{"sqlite", func(t *testing.T, dir string) Backend {
			b, err := NewSQLiteBackend(filepath.Join(dir, DBFile))
			require.NoError(t, err)
			t.Cleanup(func() { b.Close() })
			return b
		}},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s *Store)) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "logs")
			fn(t, New(bc.open(t, dir), fakeProber{100: true}, nil))
		})
	}
}

func mustAppend(t *testing.T, s *Store, records ...pipeline.Record) {
	t.Helper()
	for _, r := range records {
		require.NoError(t, s.Append(context.Background(), r))
	}
}

func TestStore_RoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		in := rec("build", pipeline.StatusRunning, 0, withSession(9), func(r *pipeline.Record) {
			r.Flag = "pre-commit"
			r.Step = "compile"
			r.Command = &pipeline.CommandLog{Stdin: "make", Stdout: "ok\n", Stderr: "", ExitCode: 0}
		})
		mustAppend(t, s, in)

		got, err := s.Get(context.Background(), "build")
		require.NoError(t, err)
		assert.True(t, in.Date.Equal(got.Date))
		got.Date = in.Date
		assert.Equal(t, in, got)
	})
}

func TestStore_ScenarioDeploy(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		mustAppend(t, s,
			rec("deploy", pipeline.StatusStarted, 0),
			rec("deploy", pipeline.StatusSucceeded, 1),
		)

		latest, err := s.Get(context.Background(), "deploy")
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusSucceeded, latest.Status)

		all, err := s.GetManyByName(context.Background(), "deploy")
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, pipeline.StatusStarted, all[0].Status)
		assert.Equal(t, pipeline.StatusSucceeded, all[1].Status)
	})
}

func TestStore_SortsByDate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		mustAppend(t, s,
			rec("x", pipeline.StatusSucceeded, 3, withRun("r3", 100)),
			rec("x", pipeline.StatusSucceeded, 1, withRun("r1", 100)),
			rec("x", pipeline.StatusSucceeded, 2, withRun("r2", 100)),
		)

		all, err := s.GetManyByName(context.Background(), "x")
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"r1", "r2", "r3"}, []string{all[0].RunID, all[1].RunID, all[2].RunID})
	})
}

func TestStore_AbortInference(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		mustAppend(t, s,
			rec("dead", pipeline.StatusStarted, 0, withRun("d1", 555)),
			rec("dead", pipeline.StatusRunning, 1, withRun("d1", 555)),
			rec("live", pipeline.StatusRunning, 2, withRun("l1", 100)),
			rec("done", pipeline.StatusRunning, 3, withRun("f1", 555)),
			rec("done", pipeline.StatusFailed, 4, withRun("f1", 555)),
		)

		dead, err := s.Get(context.Background(), "dead")
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusAborted, dead.Status)

		live, err := s.Get(context.Background(), "live")
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusRunning, live.Status)

		done, err := s.Get(context.Background(), "done")
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusFailed, done.Status)

		// history keeps intermediate transitions as written
		history, err := s.GetManyByName(context.Background(), "dead")
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusStarted, history[0].Status)
		assert.Equal(t, pipeline.StatusAborted, history[1].Status)

		list, err := s.List(context.Background())
		require.NoError(t, err)
		statuses := map[string]pipeline.Status{}
		for _, r := range list {
			statuses[r.Name] = r.Status
		}
		assert.Equal(t, pipeline.StatusAborted, statuses["dead"])
		assert.Equal(t, pipeline.StatusRunning, statuses["live"])
	})
}

func TestStore_AbortInferenceLeavesBytes(t *testing.T) {
	dir := t.TempDir()
	s := New(NewFileBackend(dir, nil), fakeProber{}, nil)
	mustAppend(t, s, rec("dead", pipeline.StatusRunning, 0))

	path := filepath.Join(dir, "dead"+FileExt)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	got, err := s.Get(context.Background(), "dead")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusAborted, got.Status)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Contains(t, string(after), `"status":"running"`)
}

func TestStore_ListLatestPerPipeline(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		mustAppend(t, s,
			rec("b", pipeline.StatusStarted, 0, withRun("b1", 100)),
			rec("a", pipeline.StatusStarted, 1, withRun("a1", 100)),
			rec("a", pipeline.StatusSucceeded, 2, withRun("a1", 100)),
			rec("b", pipeline.StatusFailed, 3, withRun("b1", 100)),
		)

		list, err := s.List(context.Background())
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "a", list[0].Name)
		assert.Equal(t, pipeline.StatusSucceeded, list[0].Status)
		assert.Equal(t, "b", list[1].Name)
		assert.Equal(t, pipeline.StatusFailed, list[1].Status)
	})
}

func TestStore_Session(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		mustAppend(t, s,
			rec("lint", pipeline.StatusSucceeded, 2, withSession(42), withRun("l", 100)),
			rec("test", pipeline.StatusSucceeded, 1, withSession(42), withRun("t", 100)),
			rec("test", pipeline.StatusSucceeded, 3, withSession(7), withRun("t2", 100)),
		)

		got, err := s.GetManyBySession(context.Background(), 42)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "test", got[0].Name)
		assert.Equal(t, "lint", got[1].Name)

		none, err := s.GetManyBySession(context.Background(), 1)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestStore_NotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		_, err := s.List(context.Background())
		assert.True(t, fault.IsNotFound(err))

		_, err = s.Get(context.Background(), "ghost")
		assert.True(t, fault.IsNotFound(err))

		many, err := s.GetManyByName(context.Background(), "ghost")
		require.NoError(t, err)
		assert.Empty(t, many)

		assert.Equal(t, pipeline.StatusNever, s.Status(context.Background(), "ghost"))
	})
}

func TestFileBackend_EmptyDirIsNotFound(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0o644))

	_, err := New(NewFileBackend(dir, nil), nil, nil).List(context.Background())
	assert.ErrorIs(t, err, ErrNoLogs)
}

func TestFileBackend_AppendOnlyPrefix(t *testing.T) {
	dir := t.TempDir()
	b := NewFileBackend(dir, nil)

	require.NoError(t, b.Append(context.Background(), rec("p", pipeline.StatusStarted, 0)))
	first, err := os.ReadFile(b.Path("p"))
	require.NoError(t, err)

	require.NoError(t, b.Append(context.Background(), rec("p", pipeline.StatusRunning, 1)))
	second, err := os.ReadFile(b.Path("p"))
	require.NoError(t, err)

	assert.True(t, bytes.HasPrefix(second, first))
	assert.Equal(t, 2, bytes.Count(second, []byte("\n")))
}

func TestFileBackend_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	b := NewFileBackend(dir, nil)
	require.NoError(t, b.Append(context.Background(), rec("p", pipeline.StatusStarted, 0)))

	f, err := os.OpenFile(b.Path("p"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, b.Append(context.Background(), rec("p", pipeline.StatusSucceeded, 1)))

	got, err := New(b, nil, nil).GetManyByName(context.Background(), "p")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestFileBackend_ConcurrentAppendsStayLineAtomic(t *testing.T) {
	dir := t.TempDir()
	b := NewFileBackend(dir, nil)
	big := string(bytes.Repeat([]byte("x"), 64*1024))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := rec("p", pipeline.StatusRunning, i)
			r.Command = &pipeline.CommandLog{Stdin: "cat", Stdout: big}
			assert.NoError(t, b.Append(context.Background(), r))
		}(i)
	}
	wg.Wait()

	got, err := New(b, nil, nil).GetManyByName(context.Background(), "p")
	require.NoError(t, err)
	assert.Len(t, got, 20)
}

func TestFileBackend_NameWithSlash(t *testing.T) {
	dir := t.TempDir()
	b := NewFileBackend(dir, nil)
	require.NoError(t, b.Append(context.Background(), rec("ci/build", pipeline.StatusStarted, 0)))

	assert.FileExists(t, filepath.Join(dir, "ci_build"+FileExt))
	got, err := New(b, nil, nil).Get(context.Background(), "ci/build")
	require.NoError(t, err)
	assert.Equal(t, "ci/build", got.Name)
}

func TestFileBackend_AppendFailureIsIO(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	err := NewFileBackend(filepath.Join(blocker, "logs"), nil).Append(context.Background(), rec("p", pipeline.StatusStarted, 0))
	require.Error(t, err)
	assert.True(t, fault.IsIO(err))
}

func TestOpen_SelectsBackend(t *testing.T) {
	dir := t.TempDir()

	s := Open(Options{Backend: BackendSQLite, Dir: dir})
	defer s.Close()
	_, ok := s.Backend().(*SQLiteBackend)
	assert.True(t, ok)

	f := Open(Options{Backend: BackendFile, Dir: dir})
	_, ok = f.Backend().(*FileBackend)
	assert.True(t, ok)
}

func TestOpen_SQLiteFallsBackToFile(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	s := Open(Options{Backend: BackendSQLite, Dir: blocker})
	_, ok := s.Backend().(*FileBackend)
	assert.True(t, ok)
}

func TestStore_ImplementsRecorder(t *testing.T) {
	var _ pipeline.Recorder = (*Store)(nil)
}
