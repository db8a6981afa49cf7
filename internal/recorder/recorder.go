package recorder

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"miel/pkg/wire"
)

// commitQueueCapacity bounds how many sealed artifacts can wait for a
// slow or down Storage before commit itself starts spooling directly
// instead of queuing, per spec.md §4.5's "sessions are never blocked
// by Storage".
const commitQueueCapacity = 256

// Recorder is the concrete Sink implementation. One process-wide
// instance fans in every Session's chunks, seals them into Artifacts,
// and hands them to Storage with spool-on-unavailable semantics
// (spec.md §4.5). Sealing happens on the caller's goroutine; the
// actual Storage.Append (with its retry/backoff) runs on a single
// Recorder-owned goroutine consuming commitCh, so a slow or dead
// Storage never delays a Session's teardown.
type Recorder struct {
	storage Storage
	spool   *spool
	logger  *slog.Logger

	backoffMax       time.Duration
	commitMaxElapsed time.Duration

	commitCh chan Artifact
	wg       sync.WaitGroup
}

// New constructs the Recorder Sink and starts its commit worker.
// spoolDir is the bounded local staging area used when storage is
// unavailable; spoolCapacity bounds how many artifacts it may hold
// before dropping the oldest.
func New(storage Storage, spoolDir string, spoolCapacity int, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sp, err := newSpool(spoolDir, spoolCapacity, logger)
	if err != nil {
		return nil, err
	}
	r := &Recorder{
		storage:          storage,
		spool:            sp,
		logger:           logger,
		backoffMax:       30 * time.Second,
		commitMaxElapsed: 5 * time.Second,
		commitCh:         make(chan Artifact, commitQueueCapacity),
	}
	r.wg.Add(1)
	go r.commitLoop()
	return r, nil
}

// Shutdown closes the commit queue and waits for the worker to drain
// whatever is already queued, up to ctx's deadline.
func (r *Recorder) Shutdown(ctx context.Context) {
	close(r.commitCh)
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("recorder shutdown deadline exceeded, pending commits may be lost")
	}
}

// DrainSpool replays every spooled artifact into Storage, removing
// each one that succeeds. Controller calls this periodically once
// storage is believed healthy again.
func (r *Recorder) DrainSpool() (drained int, remaining int, err error) {
	return r.spool.Drain(r.storage)
}

// Open implements Sink.
func (r *Recorder) Open(meta Metadata) (Writer, error) {
	return &sessionWriter{sink: r, meta: meta}, nil
}

// commit hands a sealed Artifact to the commit worker without
// blocking the calling Session. If the queue is already full — the
// worker is stuck retrying a dead Storage — it spools directly rather
// than waiting for room.
func (r *Recorder) commit(a Artifact) {
	select {
	case r.commitCh <- a:
	default:
		r.logger.Warn("commit queue full, spooling artifact directly", "session_id", a.Meta.SessionID)
		if err := r.spool.put(a); err != nil {
			r.logger.Error("spool write failed, artifact dropped", "session_id", a.Meta.SessionID, "err", err)
		}
	}
}

// commitLoop is the sole goroutine that ever talks to Storage.
func (r *Recorder) commitLoop() {
	defer r.wg.Done()
	for a := range r.commitCh {
		r.commitNow(a)
	}
}

// commitNow seals an Artifact into Storage, spooling on failure.
func (r *Recorder) commitNow(a Artifact) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = r.commitMaxElapsed
	b.MaxInterval = r.backoffMax

	err := backoff.Retry(func() error {
		err := r.storage.Append(a)
		if err == nil {
			return nil
		}
		var serr *StorageError
		if asStorageError(err, &serr) && serr.Kind == StorageFatal {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, context.Background()))

	if err == nil {
		return
	}

	r.logger.Warn("storage append failed, spooling artifact", "session_id", a.Meta.SessionID, "err", err)
	if err := r.spool.put(a); err != nil {
		r.logger.Error("spool write failed, artifact dropped", "session_id", a.Meta.SessionID, "err", err)
	}
}

func asStorageError(err error, out **StorageError) bool {
	se, ok := err.(*StorageError)
	if ok {
		*out = se
	}
	return ok
}

// sessionWriter is the per-session live recording handle.
type sessionWriter struct {
	sink *Recorder
	meta Metadata

	mu     sync.Mutex
	buf    bytes.Buffer
	pcap   []byte
	sealed bool
}

// SetPcap attaches the session's synthesized pcap capture, if any, to be
// sealed into the Artifact on Close. Session calls this after the byte
// pump ends and before Close, only when capture.pcap is enabled for the
// service; a no-op once the writer is already sealed.
func (w *sessionWriter) SetPcap(data []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.sealed {
		w.pcap = data
	}
}

// WriteChunk implements Writer. Called from the byte pump for every
// captured chunk; must never block on Storage.
func (w *sessionWriter) WriteChunk(c wire.Chunk) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sealed {
		return nil
	}
	return wire.WriteChunk(&w.buf, c)
}

// Close implements Writer: seals the transcript and hands the Artifact
// to the sink's commit path.
func (w *sessionWriter) Close(meta Metadata) error {
	w.mu.Lock()
	if w.sealed {
		w.mu.Unlock()
		return nil
	}
	w.sealed = true
	transcript := make([]byte, w.buf.Len())
	copy(transcript, w.buf.Bytes())
	pcap := w.pcap
	w.mu.Unlock()

	w.sink.commit(Artifact{
		SchemaVersion: currentSchemaVersion,
		Meta:          meta,
		Transcript:    transcript,
		Pcap:          pcap,
	})
	return nil
}
