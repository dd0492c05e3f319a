package history

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    path        TEXT NOT NULL,
    provider    TEXT NOT NULL,
    model       TEXT NOT NULL DEFAULT '',
    success     INTEGER NOT NULL,
    kind        TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',
    pages       INTEGER NOT NULL DEFAULT 0,
    elapsed_ms  INTEGER NOT NULL DEFAULT 0,
    created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_documents_path ON documents(path);
`

// Entry is one processed document's terminal record.
type Entry struct {
	ID        int64
	Path      string
	Provider  string
	Model     string
	Success   bool
	Kind      string
	Error     string
	Pages     int
	ElapsedMS int64
	CreatedAt time.Time
}

// Repository stores processing history in SQLite.
type Repository struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates the repository, initializing the schema if needed. Use
// ":memory:" for an ephemeral store.
func Open(dbPath string, logger *slog.Logger) (*Repository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			logger.Warn("history.close_error", "error", cerr)
		}
		return nil, err
	}
	return &Repository{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Record inserts one terminal entry.
func (r *Repository) Record(ctx context.Context, e Entry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO documents (path, provider, model, success, kind, error, pages, elapsed_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Path, e.Provider, e.Model, boolToInt(e.Success), e.Kind, e.Error, e.Pages, e.ElapsedMS, time.Now().UTC(),
	)
	if err != nil {
		r.logger.Error("history.record_failed", "path", e.Path, "error", err)
	}
	return err
}

// ListRecent returns the newest entries, most recent first.
func (r *Repository) ListRecent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, path, provider, model, success, kind, error, pages, elapsed_ms, created_at
		 FROM documents ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			r.logger.Warn("history.rows_close_error", "error", cerr)
		}
	}()

	var out []Entry
	for rows.Next() {
		var e Entry
		var success int
		if err := rows.Scan(&e.ID, &e.Path, &e.Provider, &e.Model, &success, &e.Kind, &e.Error, &e.Pages, &e.ElapsedMS, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Success = success != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
