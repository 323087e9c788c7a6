package bus

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteSink appends every dispatched event to a local SQLite database,
// giving the operator a queryable history that survives restarts.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (creating if needed) the event log at path.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set synchronous: %w", err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS events (
		seq         INTEGER PRIMARY KEY,
		topic       TEXT NOT NULL,
		source      TEXT NOT NULL,
		correlation TEXT NOT NULL,
		ts          TEXT NOT NULL,
		data        TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_topic ON events(topic);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create event schema: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

// Append writes one event. Called from the bus pump goroutine only.
func (s *SQLiteSink) Append(e Event) error {
	var data []byte
	if e.Data != nil {
		var err error
		data, err = json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO events (seq, topic, source, correlation, ts, data) VALUES (?, ?, ?, ?, ?, ?)`,
		e.Seq, e.Topic, e.Source, e.CorrelationID, e.Timestamp.Format("2006-01-02T15:04:05.000000000Z07:00"), string(data))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Count returns how many events are stored for a topic, or all events
// when topic is empty.
func (s *SQLiteSink) Count(topic string) (int, error) {
	var n int
	var err error
	if topic == "" {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE topic = ?`, topic).Scan(&n)
	}
	return n, err
}

// Close flushes and closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
