package session

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/oklog/ulid/v2"

	"miel/internal/config"
	"miel/internal/pool"
	"miel/internal/pump"
	"miel/internal/recorder"
	"miel/pkg/wire"
)

// Session drives one attacker connection from Accept to Ended. It owns
// its ContainerHandle exclusively: for every Session there is at most
// one live handle, and the handle is Destroyed before the Session is
// dropped (spec.md §3's invariant).
type Session struct {
	id      string
	svc     config.ServiceConfig
	limits  Limits
	pool    ContainerSource
	rec     recorder.Sink
	logger  *slog.Logger
	remote  remoteEndpoint

	state State
}

// New constructs a Session for one accepted connection. The connection
// itself is passed to Run, not stored here, so a Session can be built
// before the attacker socket is fully classified (e.g. by the shared
// port detector).
func New(svc config.ServiceConfig, limits Limits, src ContainerSource, rec recorder.Sink, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:     ulid.Make().String(),
		svc:    svc,
		limits: limits,
		pool:   src,
		rec:    rec,
		logger: logger.With("session_id", "pending"),
		state:  StateNew,
	}
}

// ID returns the session's ULID, assigned at construction.
func (s *Session) ID() string { return s.id }

// Run executes the full session lifecycle against an already-accepted
// attacker connection and blocks until the session reaches Ended.
func (s *Session) Run(ctx context.Context, attacker net.Conn) {
	defer attacker.Close()
	s.logger = s.logger.With("session_id", s.id, "service", s.svc.Name)

	s.remote = remoteEndpointOf(attacker)
	startedAt := time.Now()
	meta := recorder.Metadata{
		SessionID:  s.id,
		Service:    s.svc.Name,
		RemoteIP:   s.remote.ip.String(),
		RemotePort: s.remote.port,
		LocalPort:  s.remote.localPort,
		StartedAt:  startedAt,
	}

	s.state = StateAcquiringContainer
	acquireCtx, cancel := context.WithTimeout(ctx, s.limits.AcquireDeadline)
	handle, err := s.pool.Acquire(acquireCtx, s.svc.Name)
	cancel()

	if err != nil {
		s.logger.Info("acquire failed, ending with container_fault", "err", err)
		meta.EndCause = recorder.EndContainerFault
		meta.EndedAt = time.Now()
		s.sealMetadataOnly(meta)
		s.state = StateEnded
		return
	}
	meta.ContainerID = handle.MachineID
	meta.TemplateID = handle.Template

	defer func() {
		s.pool.Release(context.Background(), s.svc.Name, handle)
	}()

	attachment, err := attach(handle, s.svc.Capture.PTY)
	if err != nil {
		s.logger.Info("attach failed, ending with container_fault", "err", err)
		meta.EndCause = recorder.EndContainerFault
		meta.EndedAt = time.Now()
		s.sealMetadataOnly(meta)
		s.state = StateEnded
		return
	}
	defer attachment.Close()

	writer, err := s.rec.Open(meta)
	if err != nil {
		s.logger.Warn("recorder open failed, proceeding unrecorded", "err", err)
		writer = discardWriter{}
	}

	s.state = StateAttached

	var tee io.Writer
	if attachment.Kind == AttachPTY {
		tee = attachment.PTYMaster
	}

	recWriter, pcapBuf := s.withPcapCapture(writer, attacker)

	result := pump.Run(ctx, attacker, attachment.Container, recWriter, pump.Limits{
		IdleTimeout: s.limits.IdleTimeout,
		HardTimeout: s.limits.HardTimeout,
		MaxBytes:    s.limits.MaxBytes,
	}, s.limits.drainGrace(), tee)

	s.state = StateDraining
	meta.EndCause = result.EndCause
	meta.EndedAt = time.Now()
	meta.BytesIn = result.BytesIn
	meta.BytesOut = result.BytesOut

	if pcapBuf != nil {
		if ps, ok := writer.(pcapSetter); ok {
			ps.SetPcap(pcapBuf.Bytes())
		}
	}

	if err := writer.Close(meta); err != nil {
		s.logger.Warn("recorder close failed", "err", err)
	}

	s.state = StateEnded
	s.logger.Info("session ended", "cause", meta.EndCause, "bytes_in", meta.BytesIn, "bytes_out", meta.BytesOut)
}

func (l Limits) drainGrace() time.Duration {
	if l.DrainGrace <= 0 {
		return 2 * time.Second
	}
	return l.DrainGrace
}

// sealMetadataOnly records an Artifact with no transcript, for sessions
// that never reached Attached (spec.md §3: "for every Session that
// reached Attached an Artifact reaches Storage"; sessions that never
// attach still get their metadata recorded).
func (s *Session) sealMetadataOnly(meta recorder.Metadata) {
	w, err := s.rec.Open(meta)
	if err != nil {
		s.logger.Warn("recorder open failed for metadata-only artifact", "err", err)
		return
	}
	if err := w.Close(meta); err != nil {
		s.logger.Warn("recorder close failed for metadata-only artifact", "err", err)
	}
}

// pcapSetter is implemented by recorder.Writer values that can accept a
// synthesized pcap capture ahead of Close (currently only Recorder's own
// sessionWriter); checked with a type assertion rather than widening
// recorder.Writer itself, since most writers (including discardWriter)
// have no use for it.
type pcapSetter interface {
	SetPcap(data []byte)
}

// withPcapCapture wraps writer with a pcapTeeWriter when the service has
// capture.pcap enabled and the attacker connection exposes TCP
// addresses, per spec.md §6's `capture = { pcap: bool }`. The returned
// buffer, if non-nil, holds the finished pcap file once the pump run
// ends and should be handed to writer via pcapSetter before Close.
func (s *Session) withPcapCapture(writer recorder.Writer, attacker net.Conn) (recorder.Writer, *bytes.Buffer) {
	if !s.svc.Capture.Pcap {
		return writer, nil
	}
	local, ok1 := attacker.LocalAddr().(*net.TCPAddr)
	remote, ok2 := attacker.RemoteAddr().(*net.TCPAddr)
	if !ok1 || !ok2 {
		s.logger.Warn("pcap capture requested on non-TCP connection, skipping")
		return writer, nil
	}

	buf := &bytes.Buffer{}
	pw, err := wire.NewPcapWriter(buf, local, remote)
	if err != nil {
		s.logger.Warn("pcap writer init failed, continuing without pcap capture", "err", err)
		return writer, nil
	}
	return pcapTeeWriter{Writer: writer, pcap: pw, logger: s.logger}, buf
}

// pcapTeeWriter tees every chunk written through it into a
// wire.PcapWriter before forwarding to the underlying recorder.Writer.
// Close is inherited unchanged via the embedded interface.
type pcapTeeWriter struct {
	recorder.Writer
	pcap   *wire.PcapWriter
	logger *slog.Logger
}

func (w pcapTeeWriter) WriteChunk(c wire.Chunk) error {
	if err := w.pcap.WriteChunk(c); err != nil {
		w.logger.Warn("pcap capture failed for chunk, continuing without it", "err", err)
	}
	return w.Writer.WriteChunk(c)
}

func remoteEndpointOf(conn net.Conn) remoteEndpoint {
	var re remoteEndpoint
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		re.ip = tcp.IP
		re.port = tcp.Port
	} else {
		re.ip = net.IPv4zero
	}
	if tcp, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		re.localPort = tcp.Port
	}
	return re
}

// discardWriter is used when the Recorder Sink itself fails to open a
// writer; the Session still runs so attacker traffic keeps flowing to
// the container, it just isn't captured.
type discardWriter struct{}

func (discardWriter) WriteChunk(wire.Chunk) error      { return nil }
func (discardWriter) Close(recorder.Metadata) error    { return nil }
