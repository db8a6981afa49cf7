package recorder

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// spoolEntry is the JSON envelope written per artifact file, mirroring
// the teacher's audit log's one-JSON-object-per-file convention rather
// than JSON-lines, since here each artifact is its own eventual Storage
// row and needs to be individually re-tried and removed.
type spoolEntry struct {
	SchemaVersion int      `json:"schema_version"`
	Meta          Metadata `json:"meta"`
	Transcript    []byte   `json:"transcript"`
	Pcap          []byte   `json:"pcap,omitempty"`
}

// spool is the bounded local staging directory Recorder falls back to
// when Storage.Append keeps failing (spec.md §4.5). Oldest artifact is
// dropped when capacity is exceeded; Sessions are never blocked by it.
type spool struct {
	dir      string
	capacity int
	logger   *slog.Logger

	mu sync.Mutex
}

func newSpool(dir string, capacity int, logger *slog.Logger) (*spool, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if capacity <= 0 {
		capacity = 256
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("recorder: create spool dir %s: %w", dir, err)
	}
	return &spool{dir: dir, capacity: capacity, logger: logger}, nil
}

func (s *spool) put(a Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := spoolEntry{SchemaVersion: a.SchemaVersion, Meta: a.Meta, Transcript: a.Transcript, Pcap: a.Pcap}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("recorder: marshal spool entry: %w", err)
	}

	name := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), a.Meta.SessionID)
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("recorder: write spool file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("recorder: rename spool file: %w", err)
	}

	return s.evictOverCapacity()
}

// evictOverCapacity drops the oldest spooled artifacts once the
// directory holds more than capacity files. Caller holds s.mu.
func (s *spool) evictOverCapacity() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("recorder: read spool dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	if len(names) <= s.capacity {
		return nil
	}

	sort.Strings(names) // filenames are UnixNano-prefixed, so lexical == chronological
	toDrop := names[:len(names)-s.capacity]
	for _, name := range toDrop {
		path := filepath.Join(s.dir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to evict spooled artifact", "path", path, "err", err)
			continue
		}
		s.logger.Warn("dropped oldest spooled artifact under capacity pressure", "path", path)
	}
	return nil
}

// Drain attempts to replay every spooled artifact into storage,
// removing each file that succeeds. Intended to be called periodically
// by Controller once storage is believed healthy again.
func (s *spool) Drain(storage Storage) (drained int, remaining int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, 0, fmt.Errorf("recorder: read spool dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			remaining++
			continue
		}
		var entry spoolEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			s.logger.Warn("dropping unreadable spool file", "path", path, "err", err)
			os.Remove(path)
			continue
		}
		artifact := Artifact{SchemaVersion: entry.SchemaVersion, Meta: entry.Meta, Transcript: entry.Transcript, Pcap: entry.Pcap}
		if err := storage.Append(artifact); err != nil {
			remaining++
			continue
		}
		os.Remove(path)
		drained++
	}
	return drained, remaining, nil
}
