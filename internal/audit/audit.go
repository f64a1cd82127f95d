// Package audit records team lifecycle events in a local SQLite
// database. The log is append only and strictly advisory: a nil *Log
// is a valid no-op sink, so a failed open never blocks the server.
package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY,
	ts TEXT NOT NULL,
	team TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	agent TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_team_ts ON events(team, ts);
`

// Event is one recorded lifecycle event.
type Event struct {
	ID     int64
	TS     time.Time
	Team   string
	Kind   string
	Agent  string
	Detail string
}

// Log is an append-only event log.
type Log struct {
	db *sql.DB
}

// Open opens (creating if needed) the audit database at path.
func Open(path string) (*Log, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("audit mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("audit open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit schema: %w", err)
	}
	return &Log{db: db}, nil
}

// Record appends one event. A nil receiver drops it.
func (l *Log) Record(team, kind, agent, detail string) error {
	if l == nil || l.db == nil {
		return nil
	}
	_, err := l.db.Exec(
		"INSERT INTO events (ts, team, kind, agent, detail) VALUES (?, ?, ?, ?, ?)",
		time.Now().UTC().Format(time.RFC3339Nano), team, kind, agent, detail)
	if err != nil {
		return fmt.Errorf("audit record: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first. An empty team
// matches every team.
func (l *Log) Recent(team string, limit int) ([]Event, error) {
	if l == nil || l.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT id, ts, team, kind, agent, detail FROM events"
	args := []any{}
	if team != "" {
		query += " WHERE team = ?"
		args = append(args, team)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit query: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Team, &e.Kind, &e.Agent, &e.Detail); err != nil {
			return nil, fmt.Errorf("audit scan: %w", err)
		}
		if t, perr := time.Parse(time.RFC3339Nano, ts); perr == nil {
			e.TS = t
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close releases the database. Safe on a nil receiver.
func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}
