package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/julia-sam/pronunciation-app/internal/config"
	_ "modernc.org/sqlite"
)

// Entry records one pipeline transition for diagnostics.
type Entry struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	Track       string    `json:"track"`
	Run         uint64    `json:"run"`
	Status      string    `json:"status"`
	AlignStatus string    `json:"align_status,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Journal is a SQLite-backed transition log. In ephemeral mode (the default)
// nothing is written anywhere, matching the product's no-persistence rule;
// session mode is an operator opt-in for debugging pipeline behavior.
type Journal struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Journal, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Journal{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	j := &Journal{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := j.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := j.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}

	return j, nil
}

func (j *Journal) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS transitions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    track TEXT NOT NULL,
    run INTEGER NOT NULL,
    status TEXT NOT NULL,
    align_status TEXT,
    detail TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_track_created ON transitions(track, created_at);
`
	_, err := j.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Append writes one transition. A nil receiver or ephemeral mode is a no-op,
// so callers never branch on whether journaling is enabled.
func (j *Journal) Append(ctx context.Context, e Entry) error {
	if j == nil || j.db == nil {
		return nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = j.clock().UTC()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO transitions(session_id, track, run, status, align_status, detail, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Track, e.Run, e.Status, e.AlignStatus, e.Detail, e.CreatedAt)
	return err
}

// ListTrack retrieves up to limit transitions for a track, oldest first.
func (j *Journal) ListTrack(ctx context.Context, track string, limit int) ([]Entry, error) {
	if j == nil || j.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, session_id, track, run, status, align_status, detail, created_at
		 FROM transitions WHERE track = ? ORDER BY created_at ASC, id ASC LIMIT ?`, track, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Track, &e.Run, &e.Status, &e.AlignStatus, &e.Detail, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune applies configured retention by age and by row count.
func (j *Journal) Prune(ctx context.Context) error {
	if j == nil || j.db == nil {
		return nil
	}
	if j.cfg.RetentionDays > 0 {
		cutoff := j.clock().Add(-time.Duration(j.cfg.RetentionDays) * 24 * time.Hour)
		if _, err := j.db.ExecContext(ctx, `DELETE FROM transitions WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if j.cfg.MaxEntries > 0 {
		_, err := j.db.ExecContext(ctx, `DELETE FROM transitions WHERE id IN (
			SELECT id FROM transitions ORDER BY id DESC LIMIT -1 OFFSET ?
		)`, j.cfg.MaxEntries)
		if err != nil {
			return err
		}
	}
	return nil
}
