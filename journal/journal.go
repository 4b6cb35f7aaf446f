// Package journal keeps a SQLite record of the requests a minion served.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Outcome classifies how a request ended.
type Outcome string

const (
	OutcomeOK     Outcome = "ok"
	OutcomeRemote Outcome = "remote"
	OutcomeCast   Outcome = "cast"
	OutcomeError  Outcome = "error"
)

// Entry is one journaled request.
type Entry struct {
	ID       int64         `cbor:"1,keyasint"`
	Session  string        `cbor:"2,keyasint"`
	Op       string        `cbor:"3,keyasint"`
	Target   string        `cbor:"4,keyasint,omitempty"`
	Started  time.Time     `cbor:"5,keyasint"`
	Duration time.Duration `cbor:"6,keyasint"`
	Outcome  Outcome       `cbor:"7,keyasint"`
	Error    string        `cbor:"8,keyasint,omitempty"`
}

// Journal is an append-only call log.
type Journal struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the journal at path. ":memory:" gives a private
// in-memory journal.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: opening database: %w", err)
	}
	// One connection: an in-memory database is per connection, and writes
	// are serialized anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS calls (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		session     TEXT NOT NULL,
		op          TEXT NOT NULL,
		target      TEXT NOT NULL DEFAULT '',
		started     INTEGER NOT NULL,
		duration_ns INTEGER NOT NULL,
		outcome     TEXT NOT NULL,
		error       TEXT NOT NULL DEFAULT ''
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: creating table: %w", err)
	}

	return &Journal{db: db, path: path}, nil
}

// Path returns the location the journal was opened with.
func (j *Journal) Path() string {
	return j.path
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Record appends e. Its ID is assigned by the database.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx,
		"INSERT INTO calls (session, op, target, started, duration_ns, outcome, error) VALUES (?, ?, ?, ?, ?, ?, ?)",
		e.Session, e.Op, e.Target, e.Started.UnixNano(), int64(e.Duration), string(e.Outcome), e.Error,
	)
	if err != nil {
		return fmt.Errorf("journal: recording %s: %w", e.Op, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. A limit of zero or less
// returns everything.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx,
		"SELECT id, session, op, target, started, duration_ns, outcome, error FROM calls ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("journal: querying calls: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			started    int64
			durationNS int64
			outcome    string
		)
		if err := rows.Scan(&e.ID, &e.Session, &e.Op, &e.Target, &started, &durationNS, &outcome, &e.Error); err != nil {
			return nil, fmt.Errorf("journal: scanning call: %w", err)
		}
		e.Started = time.Unix(0, started)
		e.Duration = time.Duration(durationNS)
		e.Outcome = Outcome(outcome)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: reading calls: %w", err)
	}
	return out, nil
}

// Count returns the number of journaled calls.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM calls").Scan(&n); err != nil {
		return 0, fmt.Errorf("journal: counting calls: %w", err)
	}
	return n, nil
}
