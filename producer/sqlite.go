package producer

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lurepot/lurepot/event"
)

const eventSchema = `
CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	timestamp   TEXT NOT NULL,
	source_ip   TEXT NOT NULL,
	source_port TEXT NOT NULL,
	protocol    TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	sensor_id   TEXT NOT NULL,
	fields      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_protocol ON events (protocol);
CREATE INDEX IF NOT EXISTS idx_events_source_ip ON events (source_ip);
`

// sqliteSink keeps a local queryable archive of every capture.
type sqliteSink struct {
	db   *sql.DB
	stmt *sql.Stmt
}

func newSQLiteSink(path string) (*sqliteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// the single queue worker is the only writer
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(eventSchema); err != nil {
		db.Close()
		return nil, err
	}
	stmt, err := db.Prepare(`INSERT INTO events (id, timestamp, source_ip, source_port, protocol, outcome, sensor_id, fields) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &sqliteSink{db: db, stmt: stmt}, nil
}

func (s *sqliteSink) Name() string { return "sqlite" }

func (s *sqliteSink) Produce(ev event.Capture) error {
	fields, err := json.Marshal(ev.Fields)
	if err != nil {
		return err
	}
	_, err = s.stmt.Exec(
		ev.ID,
		ev.Timestamp.Format(time.RFC3339Nano),
		ev.SourceIP,
		ev.SourcePort,
		ev.Protocol,
		string(ev.Outcome),
		ev.SensorID,
		string(fields),
	)
	return err
}

func (s *sqliteSink) Close() error {
	s.stmt.Close()
	return s.db.Close()
}
