// Package recorder assembles per-session Artifacts from the byte pump's
// captured chunks and hands sealed Artifacts to a Storage backend,
// spooling locally when storage is unavailable.
package recorder

import (
	"time"

	"miel/pkg/wire"
)

// EndCause is why a Session left Attached, per spec.md §3.
type EndCause string

const (
	EndPeerClose      EndCause = "peer_close"
	EndIdleTimeout    EndCause = "idle_timeout"
	EndHardTimeout    EndCause = "hard_timeout"
	EndSizeCap        EndCause = "size_cap"
	EndContainerFault EndCause = "container_fault"
	EndLocalShutdown  EndCause = "local_shutdown"
	EndRecordOverflow EndCause = "record_overflow"
)

// Metadata is the minimum fields spec.md §4.3 requires for every Session,
// recorded even when no transcript bytes were ever captured.
type Metadata struct {
	SessionID   string
	Service     string
	RemoteIP    string
	RemotePort  int
	LocalPort   int
	ContainerID string
	TemplateID  string
	StartedAt   time.Time
	EndedAt     time.Time
	EndCause    EndCause
	BytesIn     int64
	BytesOut    int64
}

// Artifact is the sealed record of one Session: metadata, the wire
// transcript, and an optional pcap blob. Written once, append-only
// during the Session, sealed at Session end.
type Artifact struct {
	SchemaVersion int
	Meta          Metadata
	Transcript    []byte // wire-framed chunks, see pkg/wire
	Pcap          []byte // nil unless capture.pcap was enabled
}

const currentSchemaVersion = 1

// Writer is the live, append-only handle a Session records chunks
// through. One Writer per Session; obtained from Sink.Open and sealed
// with Close.
type Writer interface {
	WriteChunk(c wire.Chunk) error
	Close(meta Metadata) error
}

// Sink is the Recorder's contract with the rest of miel: Session code
// never talks to Storage directly.
type Sink interface {
	Open(meta Metadata) (Writer, error)
}

// StorageErrKind classifies a Storage failure so Recorder knows whether
// to retry it or to spool the artifact at once without retrying.
type StorageErrKind int

const (
	StorageRetryable StorageErrKind = iota
	StorageFatal
)

// StorageError wraps a Storage failure with its retry classification.
type StorageError struct {
	Kind StorageErrKind
	Err  error
}

func (e *StorageError) Error() string { return e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

// Storage is the externally specified persistence backend. Recorder
// depends only on this interface; internal/storage provides FileSink and
// SQLiteSink, which cmd/miel combines with storage.Multi.
type Storage interface {
	Append(artifact Artifact) error
}
