package logstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/jguan/hookflow/pkg/pipeline"
)

// DBFile is the database file name inside the log directory.
const DBFile = "hookflow.db"

// SQLiteBackend keeps records in a single append-only table. Rows are only
// ever inserted.
type SQLiteBackend struct {
	db   *sql.DB
	path string
}

// NewSQLiteBackend opens (creating if needed) the database at dbPath.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// pragmas are per connection
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	// Several hookflow processes may append at once.
	for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout=5000;"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", pragma, err)
		}
	}

	b := &SQLiteBackend{db: db, path: dbPath}
	if err := b.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS log_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		date_ns INTEGER NOT NULL,
		session_id INTEGER NOT NULL DEFAULT 0,
		run_id TEXT,
		record TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_log_records_name ON log_records(name);
	CREATE INDEX IF NOT EXISTS idx_log_records_session ON log_records(session_id);
	`
	_, err := b.db.Exec(query)
	return err
}

func (b *SQLiteBackend) Append(ctx context.Context, rec pipeline.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return wrapErr(ErrWrite, err, rec.Name)
	}

	query := `
		INSERT INTO log_records (name, status, date_ns, session_id, run_id, record)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = b.db.ExecContext(ctx, query,
		rec.Name, string(rec.Status), rec.Date.UnixNano(), rec.SessionID, rec.RunID, string(payload),
	)
	if err != nil {
		return wrapErr(ErrWrite, err, rec.Name)
	}
	return nil
}

func (b *SQLiteBackend) Read(ctx context.Context, q Query) ([]pipeline.Record, error) {
	whereClause := "1=1"
	args := []any{}

	if q.Name != "" {
		whereClause += " AND name = ?"
		args = append(args, q.Name)
	}
	if q.SessionID != 0 {
		whereClause += " AND session_id = ?"
		args = append(args, q.SessionID)
	}

	query := fmt.Sprintf(`SELECT record FROM log_records WHERE %s ORDER BY id`, whereClause)
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(ErrRead, err, b.path)
	}
	defer rows.Close()

	var records []pipeline.Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, wrapErr(ErrRead, err, b.path)
		}
		var rec pipeline.Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, wrapErr(ErrRead, err, b.path)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(ErrRead, err, b.path)
	}

	if len(records) == 0 {
		if q.Name != "" {
			return nil, ErrRecordNotFound.WithDetails("name", q.Name)
		}
		if q == (Query{}) {
			return nil, ErrNoLogs
		}
	}
	return records, nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
