// Package logstore persists pipeline run records append-only and rebuilds
// run state from them on read.
package logstore

import (
	"context"
	"log/slog"
	"slices"
	"strconv"

	"github.com/jguan/hookflow/pkg/fault"
	"github.com/jguan/hookflow/pkg/pipeline"
)

const domain = "logstore"

var (
	ErrNoLogs         = fault.NewDomain(domain, fault.ErrCodeNotFound, "no pipeline has been run yet")
	ErrRecordNotFound = fault.NewDomain(domain, fault.ErrCodeNotFound, "no record for pipeline")
	ErrWrite          = fault.NewDomain(domain, fault.ErrCodeIO, "failed to append record")
	ErrRead           = fault.NewDomain(domain, fault.ErrCodeIO, "failed to read records")
)

// Query narrows a backend read. The zero Query reads everything.
type Query struct {
	Name      string
	SessionID int64
}

func (q Query) match(rec pipeline.Record) bool {
	if q.Name != "" && rec.Name != q.Name {
		return false
	}
	if q.SessionID != 0 && rec.SessionID != q.SessionID {
		return false
	}
	return true
}

// Backend is raw append-only storage. Read returns records as stored, in any
// order. Reading everything from an empty or missing store yields ErrNoLogs.
type Backend interface {
	Append(ctx context.Context, rec pipeline.Record) error
	Read(ctx context.Context, q Query) ([]pipeline.Record, error)
	Close() error
}

// Prober tells whether the process that owns a run still exists.
type Prober interface {
	Alive(ctx context.Context, pid int) bool
}

// Store is the read/write facade every command uses. All reads go through
// the same materialization: a stable date sort, then abort inference.
type Store struct {
	backend Backend
	prober  Prober
	logger  *slog.Logger
}

func New(backend Backend, prober Prober, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backend: backend, prober: prober, logger: logger}
}

func (s *Store) Backend() Backend {
	return s.backend
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// Append implements pipeline.Recorder.
func (s *Store) Append(ctx context.Context, rec pipeline.Record) error {
	return s.backend.Append(ctx, rec)
}

// List returns the latest record of every pipeline that has run, ascending
// by date.
func (s *Store) List(ctx context.Context) ([]pipeline.Record, error) {
	records, err := s.read(ctx, Query{})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNoLogs
	}

	latest := make(map[string]int, 8)
	for i, rec := range records {
		latest[rec.Name] = i
	}
	out := make([]pipeline.Record, 0, len(latest))
	for i, rec := range records {
		if latest[rec.Name] == i {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Get returns the latest record for name.
func (s *Store) Get(ctx context.Context, name string) (pipeline.Record, error) {
	records, err := s.GetManyByName(ctx, name)
	if err != nil {
		return pipeline.Record{}, err
	}
	if len(records) == 0 {
		return pipeline.Record{}, ErrRecordNotFound.WithDetails("name", name)
	}
	return records[len(records)-1], nil
}

// GetManyByName returns every record of name, ascending by date.
func (s *Store) GetManyByName(ctx context.Context, name string) ([]pipeline.Record, error) {
	return s.read(ctx, Query{Name: name})
}

// GetManyBySession returns every record sharing sessionID, ascending by date.
func (s *Store) GetManyBySession(ctx context.Context, sessionID int64) ([]pipeline.Record, error) {
	return s.read(ctx, Query{SessionID: sessionID})
}

// Status returns the current status of name, or StatusNever.
func (s *Store) Status(ctx context.Context, name string) pipeline.Status {
	rec, err := s.Get(ctx, name)
	if err != nil {
		return pipeline.StatusNever
	}
	return rec.Status
}

func (s *Store) read(ctx context.Context, q Query) ([]pipeline.Record, error) {
	records, err := s.backend.Read(ctx, q)
	if err != nil {
		if q != (Query{}) && fault.IsNotFound(err) {
			return []pipeline.Record{}, nil
		}
		return nil, err
	}
	records = slices.DeleteFunc(records, func(r pipeline.Record) bool { return !q.match(r) })
	slices.SortStableFunc(records, func(a, b pipeline.Record) int {
		return a.Date.Compare(b.Date)
	})
	s.inferAborted(ctx, records)
	return records, nil
}

// inferAborted marks the last record of each run as aborted when it is still
// pending and its pid is gone. Only the in-memory copy changes. records must
// already be sorted.
func (s *Store) inferAborted(ctx context.Context, records []pipeline.Record) {
	if s.prober == nil {
		return
	}
	last := make(map[string]int, len(records))
	for i, rec := range records {
		last[runKey(rec)] = i
	}

	alive := make(map[int]bool)
	for _, i := range last {
		rec := &records[i]
		if !rec.Status.Pending() {
			continue
		}
		up, seen := alive[rec.PID]
		if !seen {
			up = rec.PID > 0 && s.prober.Alive(ctx, rec.PID)
			alive[rec.PID] = up
		}
		if !up {
			s.logger.Debug("run owner is gone, reading as aborted", "pipeline", rec.Name, "pid", rec.PID, "run", rec.RunID)
			rec.Status = pipeline.StatusAborted
		}
	}
}

func runKey(rec pipeline.Record) string {
	if rec.RunID != "" {
		return rec.RunID
	}
	return rec.Name + "/" + strconv.Itoa(rec.PID)
}

func wrapErr(base *fault.Error, err error, subject string) error {
	e := base.WithDetails("subject", subject)
	e.Cause = err
	return e
}
