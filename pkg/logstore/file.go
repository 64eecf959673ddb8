package logstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/jguan/hookflow/pkg/pipeline"
)

// FileExt is appended to the pipeline name to form its log file name.
const FileExt = ".json.log"

// FileBackend stores one line-delimited JSON file per pipeline. Appends take
// an exclusive flock and issue a single write, so concurrent processes never
// interleave partial lines.
type FileBackend struct {
	dir    string
	logger *slog.Logger
}

func NewFileBackend(dir string, logger *slog.Logger) *FileBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileBackend{dir: dir, logger: logger}
}

// Path returns the log file of the named pipeline.
func (b *FileBackend) Path(name string) string {
	return filepath.Join(b.dir, fileName(name))
}

func fileName(name string) string {
	return strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(name) + FileExt
}

func (b *FileBackend) Append(_ context.Context, rec pipeline.Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return wrapErr(ErrWrite, err, rec.Name)
	}
	line = append(line, '\n')

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return wrapErr(ErrWrite, err, rec.Name)
	}

	f, err := os.OpenFile(b.Path(rec.Name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return wrapErr(ErrWrite, err, rec.Name)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return wrapErr(ErrWrite, err, rec.Name)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN) //nolint:errcheck

	if _, err := f.Write(line); err != nil {
		return wrapErr(ErrWrite, err, rec.Name)
	}
	return nil
}

func (b *FileBackend) Read(ctx context.Context, q Query) ([]pipeline.Record, error) {
	if q.Name != "" {
		records, err := b.readFile(b.Path(q.Name))
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrRecordNotFound.WithDetails("name", q.Name)
		}
		return records, err
	}

	entries, err := os.ReadDir(b.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoLogs
	}
	if err != nil {
		return nil, wrapErr(ErrRead, err, b.dir)
	}

	var records []pipeline.Record
	found := false
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), FileExt) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found = true
		recs, err := b.readFile(filepath.Join(b.dir, e.Name()))
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}
	if !found {
		return nil, ErrNoLogs
	}
	return records, nil
}

func (b *FileBackend) readFile(path string) ([]pipeline.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, wrapErr(ErrRead, err, path)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		return nil, wrapErr(ErrRead, err, path)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN) //nolint:errcheck

	var records []pipeline.Record
	r := bufio.NewReader(f)
	for n := 1; ; n++ {
		line, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var rec pipeline.Record
			if uerr := json.Unmarshal(line, &rec); uerr != nil {
				b.logger.Warn("skipping malformed log line", "file", path, "line", n, "error", uerr)
			} else {
				records = append(records, rec)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, wrapErr(ErrRead, err, path)
		}
	}
	return records, nil
}

func (b *FileBackend) Close() error {
	return nil
}
