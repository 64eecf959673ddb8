package logstore

import (
	"log/slog"
	"path/filepath"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Options selects and configures a backend.
type Options struct {
	Backend string
	Dir     string
	Prober  Prober
	Logger  *slog.Logger
}

// Open builds a Store on the configured backend. A SQLite database that
// cannot be opened falls back to the file backend.
func Open(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if opts.Backend == BackendSQLite {
		b, err := NewSQLiteBackend(filepath.Join(opts.Dir, DBFile))
		if err == nil {
			return New(b, opts.Prober, logger)
		}
		logger.Warn("sqlite log backend unavailable, using files", "dir", opts.Dir, "error", err)
	}
	return New(NewFileBackend(opts.Dir, logger), opts.Prober, logger)
}
