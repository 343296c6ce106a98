// Package journal persists store change events in SQLite so a crashed or
// paused dispatcher can be replayed against a rebuilt tree. Appends are
// idempotent by event ID, which makes the journal safe to sit on the
// at-least-once notification path.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mapswipe/mapswipe-workers/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - initial schema (pre-migration)
// 1 - added path index for per-subtree replay queries
const currentSchemaVersion = 1

// Journal is a durable, append-only event log.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal database at path.
//
// The database is configured with WAL mode for concurrent reads during
// writes, NORMAL synchronous mode, a 5-second busy timeout, and foreign
// key enforcement. Open is idempotent.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect journal: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Append records one event. Duplicate IDs are silently ignored, so the
// dispatcher may call this once per notification without deduplicating.
func (j *Journal) Append(ctx context.Context, ev store.Event) error {
	beforeJSON, err := store.MarshalCanonical(ev.Before)
	if err != nil {
		return fmt.Errorf("append event %s: marshal before: %w", ev.ID, err)
	}
	afterJSON, err := store.MarshalCanonical(ev.After)
	if err != nil {
		return fmt.Errorf("append event %s: marshal after: %w", ev.ID, err)
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO events (id, kind, path, before, after, seq, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		ev.ID,
		ev.Kind.String(),
		ev.Path,
		string(beforeJSON),
		string(afterJSON),
		ev.Seq,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append event %s: %w", ev.ID, err)
	}
	return nil
}

// ReadFrom returns all events with seq > after, in sequence order.
func (j *Journal) ReadFrom(ctx context.Context, after int64) ([]store.Event, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, kind, path, before, after, seq
		FROM events
		WHERE seq > ?
		ORDER BY seq ASC
	`, after)
	if err != nil {
		return nil, fmt.Errorf("read journal from %d: %w", after, err)
	}
	defer rows.Close()

	var events []store.Event
	for rows.Next() {
		var (
			ev         store.Event
			kind       string
			beforeJSON string
			afterJSON  string
		)
		if err := rows.Scan(&ev.ID, &kind, &ev.Path, &beforeJSON, &afterJSON, &ev.Seq); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		ev.Kind, err = parseKind(kind)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", ev.ID, err)
		}
		if ev.Before, err = store.UnmarshalValue([]byte(beforeJSON)); err != nil {
			return nil, fmt.Errorf("event %s: before: %w", ev.ID, err)
		}
		if ev.After, err = store.UnmarshalValue([]byte(afterJSON)); err != nil {
			return nil, fmt.Errorf("event %s: after: %w", ev.ID, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return events, nil
}

// LastSeq returns the highest journaled sequence number, or 0 when empty.
func (j *Journal) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := j.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("journal last seq: %w", err)
	}
	return seq.Int64, nil
}

func parseKind(s string) (store.Kind, error) {
	switch s {
	case "create":
		return store.KindCreate, nil
	case "update":
		return store.KindUpdate, nil
	case "delete":
		return store.KindDelete, nil
	default:
		return 0, fmt.Errorf("unknown event kind %q", s)
	}
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return runMigrations(db)
}

// runMigrations applies incremental migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		// New databases get the path index from schema.sql; this covers
		// journals created before it existed.
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_path ON events(path)`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}
