// Package history keeps a local record of finished sync passes and the
// operations that failed in them.
package history

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/dirsync/internal/db"
	"github.com/openmined/dirsync/internal/dirsync"
	"github.com/openmined/dirsync/internal/utils"
)

const DefaultFileName = "history.db"

// timeLayout keeps fractional seconds at a fixed width so that timestamps
// sort lexically in time order
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS passes (
    id TEXT PRIMARY KEY,
    trigger_reason TEXT NOT NULL,
    state TEXT NOT NULL,
    started_at TEXT NOT NULL, -- UTC, fixed width nanoseconds
    finished_at TEXT NOT NULL,
    created INTEGER NOT NULL DEFAULT 0,
    modified INTEGER NOT NULL DEFAULT 0,
    deleted INTEGER NOT NULL DEFAULT 0,
    transfers INTEGER NOT NULL DEFAULT 0,
    failures INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_passes_started_at ON passes(started_at);

CREATE TABLE IF NOT EXISTS pass_failures (
    pass_id TEXT NOT NULL REFERENCES passes(id) ON DELETE CASCADE,
    path TEXT NOT NULL,
    kind TEXT NOT NULL,
    error TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pass_failures_pass_id ON pass_failures(pass_id);
`

var ErrNotOpen = errors.New("history not open")

// PassRecord is one stored pass
type PassRecord struct {
	ID         string    `db:"id" json:"id"`
	Trigger    string    `db:"trigger_reason" json:"trigger"`
	State      string    `db:"state" json:"state"`
	StartedAt  time.Time `db:"-" json:"started_at"`
	FinishedAt time.Time `db:"-" json:"finished_at"`
	Created    int       `db:"created" json:"created"`
	Modified   int       `db:"modified" json:"modified"`
	Deleted    int       `db:"deleted" json:"deleted"`
	Transfers  int       `db:"transfers" json:"transfers"`
	Failures   int       `db:"failures" json:"failures"`
	Error      string    `db:"error" json:"error,omitempty"`
}

// dbPassRecord is used for scanning rows where times are stored as TEXT
type dbPassRecord struct {
	PassRecord
	StartedAt  string `db:"started_at"`
	FinishedAt string `db:"finished_at"`
}

// FailureRecord is one operation that failed within a pass
type FailureRecord struct {
	PassID string `db:"pass_id" json:"pass_id"`
	Path   string `db:"path" json:"path"`
	Kind   string `db:"kind" json:"kind"`
	Error  string `db:"error" json:"error"`
}

// History stores pass results in SQLite
type History struct {
	db     *sqlx.DB
	dbPath string
}

func New(dbPath string) *History {
	return &History{dbPath: dbPath}
}

// Open creates the database and schema if needed
func (h *History) Open() error {
	if h.db != nil {
		return fmt.Errorf("history already open")
	}

	if h.dbPath != ":memory:" {
		dbDir := filepath.Dir(h.dbPath)
		if err := utils.EnsureDir(dbDir); err != nil {
			return fmt.Errorf("failed to create history directory %s: %w", dbDir, err)
		}
	}

	conn, err := db.NewSqliteDB(db.WithPath(h.dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return fmt.Errorf("failed to initialize history schema: %w", err)
	}

	h.db = conn
	slog.Debug("history open", "path", h.dbPath, "driver", db.Driver())
	return nil
}

func (h *History) Close() error {
	if h.db == nil {
		return ErrNotOpen
	}
	if err := h.db.Close(); err != nil {
		slog.Error("failed to close history database", "error", err)
		return err
	}
	h.db = nil
	slog.Debug("history closed")
	return nil
}

// RecordPass stores a finished pass with its failures in one transaction
func (h *History) RecordPass(res *dirsync.PassResult) error {
	if h.db == nil {
		return ErrNotOpen
	}
	sum := res.Summary()

	tx, err := h.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO passes (id, trigger_reason, state, started_at, finished_at, created, modified, deleted, transfers, failures, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.ID, sum.Trigger, string(sum.State),
		sum.StartedAt.UTC().Format(timeLayout), sum.FinishedAt.UTC().Format(timeLayout),
		sum.Created, sum.Modified, sum.Deleted, sum.Transfers, sum.Failures, sum.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert pass %s: %w", sum.ID, err)
	}

	for _, f := range res.Failures {
		msg := ""
		if f.Err != nil {
			msg = f.Err.Error()
		}
		if _, err := tx.Exec(`INSERT INTO pass_failures (pass_id, path, kind, error) VALUES (?, ?, ?, ?)`,
			sum.ID, f.RelPath, string(f.Kind), msg); err != nil {
			return fmt.Errorf("failed to insert failure for %s: %w", f.RelPath, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pass %s: %w", sum.ID, err)
	}
	return nil
}

// Recent returns up to limit passes, newest first
func (h *History) Recent(limit int) ([]PassRecord, error) {
	if h.db == nil {
		return nil, ErrNotOpen
	}
	if limit <= 0 {
		limit = 20
	}

	var rows []dbPassRecord
	err := h.db.Select(&rows, `
		SELECT id, trigger_reason, state, started_at, finished_at, created, modified, deleted, transfers, failures, error
		FROM passes ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query passes: %w", err)
	}

	records := make([]PassRecord, 0, len(rows))
	for _, row := range rows {
		rec := row.PassRecord
		if rec.StartedAt, err = time.Parse(time.RFC3339Nano, row.StartedAt); err != nil {
			return nil, fmt.Errorf("failed to parse stored timestamp for pass %s: %w", rec.ID, err)
		}
		if rec.FinishedAt, err = time.Parse(time.RFC3339Nano, row.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to parse stored timestamp for pass %s: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Failures returns the failed operations of one pass
func (h *History) Failures(passID string) ([]FailureRecord, error) {
	if h.db == nil {
		return nil, ErrNotOpen
	}
	var failures []FailureRecord
	err := h.db.Select(&failures, `SELECT pass_id, path, kind, error FROM pass_failures WHERE pass_id = ? ORDER BY rowid`, passID)
	if err != nil {
		return nil, fmt.Errorf("failed to query failures for %s: %w", passID, err)
	}
	return failures, nil
}

// Prune keeps the newest keep passes and deletes the rest
func (h *History) Prune(keep int) (int64, error) {
	if h.db == nil {
		return 0, ErrNotOpen
	}
	result, err := h.db.Exec(`
		DELETE FROM passes WHERE id NOT IN (
			SELECT id FROM passes ORDER BY started_at DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return result.RowsAffected()
}
