package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"miel/internal/recorder"
)

// FileSink is the recorder.Storage implementation for spec.md §6's
// persisted state layout: one JSON metadata file, one framed transcript
// file, and an optional pcap file per session, all under
// <log_dir>/sessions/. This is the artifact's source of truth on disk;
// SQLiteSink only indexes it.
type FileSink struct {
	dir string
}

// OpenFileSink ensures sessionsDir exists and returns a FileSink rooted
// there.
func OpenFileSink(sessionsDir string) (*FileSink, error) {
	if err := os.MkdirAll(sessionsDir, 0755); err != nil {
		return nil, fmt.Errorf("storage: create sessions dir %s: %w", sessionsDir, err)
	}
	return &FileSink{dir: sessionsDir}, nil
}

// fileMeta is the on-disk shape of <session_id>.json.
type fileMeta struct {
	SchemaVersion int       `json:"schema_version"`
	SessionID     string    `json:"session_id"`
	Service       string    `json:"service"`
	RemoteIP      string    `json:"remote_ip"`
	RemotePort    int       `json:"remote_port"`
	LocalPort     int       `json:"local_port"`
	ContainerID   string    `json:"container_id"`
	TemplateID    string    `json:"template_id"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	EndCause      string    `json:"end_cause"`
	BytesIn       int64     `json:"bytes_in"`
	BytesOut      int64     `json:"bytes_out"`
}

// sessionFilePath is the shared naming convention both FileSink and
// SQLiteSink's path pointers use for one session's artifact files.
func sessionFilePath(sessionsDir, sessionID, ext string) string {
	return filepath.Join(sessionsDir, sessionID+"."+ext)
}

// Append implements recorder.Storage, writing the metadata, transcript,
// and (if present) pcap files with an atomic write-then-rename per
// file, so a reader polling the directory never observes a half-written
// artifact (spec.md §8 scenario S1: "Artifact file appears").
func (f *FileSink) Append(a recorder.Artifact) error {
	meta := fileMeta{
		SchemaVersion: a.SchemaVersion,
		SessionID:     a.Meta.SessionID,
		Service:       a.Meta.Service,
		RemoteIP:      a.Meta.RemoteIP,
		RemotePort:    a.Meta.RemotePort,
		LocalPort:     a.Meta.LocalPort,
		ContainerID:   a.Meta.ContainerID,
		TemplateID:    a.Meta.TemplateID,
		StartedAt:     a.Meta.StartedAt,
		EndedAt:       a.Meta.EndedAt,
		EndCause:      string(a.Meta.EndCause),
		BytesIn:       a.Meta.BytesIn,
		BytesOut:      a.Meta.BytesOut,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: marshal session metadata: %w", err)
	}

	// Transcript first: it's the largest and slowest write, and the JSON
	// file appearing is what S1 polls for, so it should land last.
	if err := writeFileAtomic(sessionFilePath(f.dir, a.Meta.SessionID, "transcript"), a.Transcript); err != nil {
		return f.retryable(err)
	}
	if len(a.Pcap) > 0 {
		if err := writeFileAtomic(sessionFilePath(f.dir, a.Meta.SessionID, "pcap"), a.Pcap); err != nil {
			return f.retryable(err)
		}
	}
	if err := writeFileAtomic(sessionFilePath(f.dir, a.Meta.SessionID, "json"), data); err != nil {
		return f.retryable(err)
	}
	return nil
}

func (f *FileSink) retryable(err error) error {
	return &recorder.StorageError{Kind: recorder.StorageRetryable, Err: err}
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// Close is a no-op; FileSink holds no persistent handle between calls.
func (f *FileSink) Close() error { return nil }
