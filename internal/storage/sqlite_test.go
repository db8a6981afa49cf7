package storage

import (
	"path/filepath"
	"testing"
	"time"

	"miel/internal/recorder"
)

func TestSQLiteSinkAppendAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifacts.db")
	sessionsDir := filepath.Join(t.TempDir(), "sessions")

	sink, err := Open(path, sessionsDir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	artifact := recorder.Artifact{
		SchemaVersion: 1,
		Meta: recorder.Metadata{
			SessionID:  "sess-abc",
			Service:    "fake-ssh",
			RemoteIP:   "203.0.113.9",
			RemotePort: 51000,
			LocalPort:  2222,
			StartedAt:  time.Now(),
			EndedAt:    time.Now(),
			EndCause:   recorder.EndPeerClose,
			BytesIn:    12,
			BytesOut:   34,
		},
		Transcript: []byte("fake transcript bytes"),
	}

	if err := sink.Append(artifact); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// Overwriting the same session id must not error (idempotent seal-once
	// writes from a retried Recorder.commit).
	if err := sink.Append(artifact); err != nil {
		t.Fatalf("Append (retry): %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, sessionsDir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	var count int
	var transcriptPath string
	if err := reopened.db.QueryRow("SELECT COUNT(*), transcript_path FROM artifacts WHERE session_id = ?", "sess-abc").Scan(&count, &transcriptPath); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
	want := filepath.Join(sessionsDir, "sess-abc.transcript")
	if transcriptPath != want {
		t.Errorf("transcript_path = %q, want %q", transcriptPath, want)
	}
}
