// Package storage implements the Storage backends Recorder appends
// sealed Artifacts to. SQLiteSink is a queryable metadata index; the
// transcript and optional pcap bytes themselves live on disk under
// <log_dir>/sessions/, per spec.md §6's persisted state layout, written
// by FileSink. Combine both via Multi so one Recorder keeps both
// current. Callers needing a different backend implement
// recorder.Storage directly instead of this package.
package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"miel/internal/recorder"
)

const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
	session_id      TEXT PRIMARY KEY,
	schema_version  INTEGER NOT NULL,
	service         TEXT NOT NULL,
	remote_ip       TEXT NOT NULL,
	remote_port     INTEGER NOT NULL,
	local_port      INTEGER NOT NULL,
	container_id    TEXT NOT NULL,
	template_id     TEXT NOT NULL,
	started_at      TEXT NOT NULL,
	ended_at        TEXT NOT NULL,
	end_cause       TEXT NOT NULL,
	bytes_in        INTEGER NOT NULL,
	bytes_out       INTEGER NOT NULL,
	transcript_path TEXT NOT NULL,
	pcap_path       TEXT
);
`

// SQLiteSink is a database/sql-based recorder.Storage implementation
// backed by modernc.org/sqlite, a pure-Go driver chosen so Storage
// never blocks the byte-pump hot path on cgo goroutine scheduling. It
// indexes artifact metadata plus a pointer to the on-disk transcript
// and pcap files FileSink owns; it does not hold transcript bytes
// itself, so an operator can query sessions by service/end-cause/time
// without pulling megabytes of transcript out of the database.
type SQLiteSink struct {
	db          *sql.DB
	sessionsDir string
}

// Open creates (or reuses) a SQLite database at path and ensures the
// artifacts table exists. sessionsDir is the <log_dir>/sessions/
// directory FileSink writes into; SQLiteSink only records paths within
// it, so both sinks must agree on the same directory (cmd/miel wires
// them from the same config.Global.SessionsDirOrDefault()).
func Open(path, sessionsDir string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers per connection anyway

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create schema: %w", err)
	}
	return &SQLiteSink{db: db, sessionsDir: sessionsDir}, nil
}

// Append implements recorder.Storage.
func (s *SQLiteSink) Append(a recorder.Artifact) error {
	transcriptPath := sessionFilePath(s.sessionsDir, a.Meta.SessionID, "transcript")
	var pcapPath sql.NullString
	if len(a.Pcap) > 0 {
		pcapPath = sql.NullString{String: sessionFilePath(s.sessionsDir, a.Meta.SessionID, "pcap"), Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO artifacts
			(session_id, schema_version, service, remote_ip, remote_port, local_port,
			 container_id, template_id, started_at, ended_at, end_cause,
			 bytes_in, bytes_out, transcript_path, pcap_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Meta.SessionID, a.SchemaVersion, a.Meta.Service, a.Meta.RemoteIP, a.Meta.RemotePort, a.Meta.LocalPort,
		a.Meta.ContainerID, a.Meta.TemplateID, a.Meta.StartedAt, a.Meta.EndedAt, string(a.Meta.EndCause),
		a.Meta.BytesIn, a.Meta.BytesOut, transcriptPath, pcapPath,
	)
	if err != nil {
		// Most failures here (SQLITE_BUSY, disk I/O hiccups) are transient
		// under concurrent access; treat everything as retryable and let
		// Recorder's backoff and eventual spool absorb a truly wedged disk.
		return &recorder.StorageError{Kind: recorder.StorageRetryable, Err: fmt.Errorf("storage: insert artifact %s: %w", a.Meta.SessionID, err)}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteSink) Close() error { return s.db.Close() }
