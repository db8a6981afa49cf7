package recorder

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"miel/pkg/wire"
)

type fakeStorage struct {
	mu       sync.Mutex
	appended []Artifact
	failWith error
	delay    time.Duration
}

func (f *fakeStorage) Append(a Artifact) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.appended = append(f.appended, a)
	return nil
}

func (f *fakeStorage) appendedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.appended)
}

// waitFor polls cond until it's true or timeout elapses. Recorder's
// commit worker runs off the caller's goroutine, so tests that assert
// on its effects can't check immediately after Close returns.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

func newTestRecorder(t *testing.T, storage Storage) *Recorder {
	t.Helper()
	r, err := New(storage, t.TempDir(), 4, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestWriterAssemblesArtifactOnClose(t *testing.T) {
	fs := &fakeStorage{}
	r := newTestRecorder(t, fs)

	meta := Metadata{SessionID: "sess-1", Service: "fake-ssh", StartedAt: time.Now()}
	w, err := r.Open(meta)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := w.WriteChunk(wire.Chunk{TimestampNS: 1, Dir: wire.DirIn, Data: []byte("hello")}); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	meta.EndCause = EndPeerClose
	meta.EndedAt = time.Now()
	if err := w.Close(meta); err != nil {
		t.Fatalf("Close: %v", err)
	}

	waitFor(t, time.Second, func() bool { return fs.appendedCount() == 1 })

	fs.mu.Lock()
	defer fs.mu.Unlock()
	got := fs.appended[0]
	if got.Meta.SessionID != "sess-1" || got.Meta.EndCause != EndPeerClose {
		t.Errorf("unexpected meta: %+v", got.Meta)
	}
	in, _, err := wire.Decode(bytes.NewReader(got.Transcript))
	if err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if string(in) != "hello" {
		t.Errorf("transcript in = %q, want hello", in)
	}
}

func TestCloseDoesNotBlockOnSlowStorage(t *testing.T) {
	fs := &fakeStorage{delay: 300 * time.Millisecond}
	r := newTestRecorder(t, fs)

	w, _ := r.Open(Metadata{SessionID: "sess-slow"})
	w.WriteChunk(wire.Chunk{TimestampNS: 1, Dir: wire.DirIn, Data: []byte("x")})

	start := time.Now()
	if err := w.Close(Metadata{SessionID: "sess-slow"}); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("Close took %v, want it to return before Storage.Append finishes", elapsed)
	}

	waitFor(t, time.Second, func() bool { return fs.appendedCount() == 1 })
}

func TestSetPcapIsSealedIntoArtifact(t *testing.T) {
	fs := &fakeStorage{}
	r := newTestRecorder(t, fs)

	w, err := r.Open(Metadata{SessionID: "sess-pcap"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sw, ok := w.(interface{ SetPcap([]byte) })
	if !ok {
		t.Fatal("Writer does not implement SetPcap")
	}
	sw.SetPcap([]byte("pcap bytes"))

	if err := w.Close(Metadata{SessionID: "sess-pcap"}); err != nil {
		t.Fatalf("Close: %v", err)
	}

	waitFor(t, time.Second, func() bool { return fs.appendedCount() == 1 })

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if string(fs.appended[0].Pcap) != "pcap bytes" {
		t.Errorf("Pcap = %q, want %q", fs.appended[0].Pcap, "pcap bytes")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	fs := &fakeStorage{}
	r := newTestRecorder(t, fs)
	w, _ := r.Open(Metadata{SessionID: "sess-2"})
	w.Close(Metadata{SessionID: "sess-2"})
	if err := w.Close(Metadata{SessionID: "sess-2"}); err != nil {
		t.Errorf("second Close: %v", err)
	}
	waitFor(t, time.Second, func() bool { return fs.appendedCount() >= 1 })
	if n := fs.appendedCount(); n != 1 {
		t.Errorf("appended = %d, want 1 (idempotent close)", n)
	}
}

func TestCommitSpoolsWhenStorageFails(t *testing.T) {
	fs := &fakeStorage{failWith: fmt.Errorf("disk gone")}
	r := newTestRecorder(t, fs)
	r.commitMaxElapsed = 20 * time.Millisecond

	w, _ := r.Open(Metadata{SessionID: "sess-3"})
	w.WriteChunk(wire.Chunk{TimestampNS: 1, Dir: wire.DirOut, Data: []byte("x")})
	w.Close(Metadata{SessionID: "sess-3", EndCause: EndIdleTimeout})

	// commit's backoff.Retry runs on the recorder's own goroutine now, so
	// wait for it to exhaust MaxElapsedTime and fall through to spool.put.
	waitFor(t, 2*time.Second, func() bool {
		entries, err := readSpoolDir(t, r)
		return err == nil && len(entries) == 1
	})

	if n := fs.appendedCount(); n != 0 {
		t.Fatalf("expected no successful appends, got %d", n)
	}

	drained, remaining, err := r.DrainSpool()
	if err != nil {
		t.Fatalf("DrainSpool: %v", err)
	}
	if remaining != 1 {
		t.Errorf("remaining = %d, want 1 (storage still failing)", remaining)
	}
	if drained != 0 {
		t.Errorf("drained = %d, want 0", drained)
	}

	fs.mu.Lock()
	fs.failWith = nil
	fs.mu.Unlock()

	drained, remaining, err = r.DrainSpool()
	if err != nil {
		t.Fatalf("DrainSpool: %v", err)
	}
	if drained != 1 || remaining != 0 {
		t.Errorf("drained=%d remaining=%d, want 1,0", drained, remaining)
	}
}

func TestSpoolEvictsOldestOverCapacity(t *testing.T) {
	fs := &fakeStorage{failWith: fmt.Errorf("down")}
	r, err := New(fs, t.TempDir(), 2, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Skip the full retry/backoff wait per commit; only spool.put's
	// eviction behavior is under test here.
	r.commitMaxElapsed = time.Millisecond

	for i := 0; i < 5; i++ {
		w, _ := r.Open(Metadata{SessionID: fmt.Sprintf("sess-%d", i)})
		w.Close(Metadata{SessionID: fmt.Sprintf("sess-%d", i)})
		time.Sleep(time.Millisecond) // ensure distinct nanosecond-prefixed filenames
	}

	// commitLoop processes all 5 serially; wait for the spool to settle
	// at exactly its capacity rather than checking after the first
	// commit lands.
	var entries []string
	waitFor(t, 2*time.Second, func() bool {
		entries, err = readSpoolDir(t, r)
		return err == nil && len(entries) == 2
	})
	if err != nil {
		t.Fatalf("readSpoolDir: %v", err)
	}
	if len(entries) > 2 {
		t.Errorf("spool has %d entries, want <= 2 capacity", len(entries))
	}
}

// helpers

func readSpoolDir(t *testing.T, r *Recorder) ([]string, error) {
	t.Helper()
	entries, err := os.ReadDir(r.spool.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
