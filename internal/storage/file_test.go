package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"miel/internal/recorder"
)

func TestFileSinkWritesSessionArtifactFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sessions")
	sink, err := OpenFileSink(dir)
	if err != nil {
		t.Fatalf("OpenFileSink: %v", err)
	}

	artifact := recorder.Artifact{
		SchemaVersion: 1,
		Meta: recorder.Metadata{
			SessionID:  "sess-file-1",
			Service:    "fake-ssh",
			RemoteIP:   "203.0.113.9",
			RemotePort: 51000,
			LocalPort:  2222,
			StartedAt:  time.Now(),
			EndedAt:    time.Now(),
			EndCause:   recorder.EndPeerClose,
			BytesIn:    5,
			BytesOut:   6,
		},
		Transcript: []byte("framed chunk bytes"),
		Pcap:       []byte("fake pcap bytes"),
	}

	if err := sink.Append(artifact); err != nil {
		t.Fatalf("Append: %v", err)
	}

	transcript, err := os.ReadFile(filepath.Join(dir, "sess-file-1.transcript"))
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if string(transcript) != "framed chunk bytes" {
		t.Errorf("transcript = %q", transcript)
	}

	pcap, err := os.ReadFile(filepath.Join(dir, "sess-file-1.pcap"))
	if err != nil {
		t.Fatalf("read pcap: %v", err)
	}
	if string(pcap) != "fake pcap bytes" {
		t.Errorf("pcap = %q", pcap)
	}

	metaBytes, err := os.ReadFile(filepath.Join(dir, "sess-file-1.json"))
	if err != nil {
		t.Fatalf("read json: %v", err)
	}
	var meta fileMeta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		t.Fatalf("unmarshal meta: %v", err)
	}
	if meta.SessionID != "sess-file-1" || meta.EndCause != string(recorder.EndPeerClose) {
		t.Errorf("unexpected meta: %+v", meta)
	}
}

func TestFileSinkOmitsPcapFileWhenNotCaptured(t *testing.T) {
	dir := t.TempDir()
	sink, err := OpenFileSink(dir)
	if err != nil {
		t.Fatalf("OpenFileSink: %v", err)
	}

	if err := sink.Append(recorder.Artifact{Meta: recorder.Metadata{SessionID: "sess-file-2"}, Transcript: []byte("x")}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "sess-file-2.pcap")); !os.IsNotExist(err) {
		t.Errorf("expected no pcap file, stat err = %v", err)
	}
}
