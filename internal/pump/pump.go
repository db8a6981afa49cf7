// Package pump implements the Byte Pump & Capture component: it copies
// bytes bidirectionally between the attacker's socket and a container's
// endpoint while tee-ing every chunk to a Recorder writer, and enforces
// the idle/hard timeout, size cap, and record-backpressure limits that
// decide when a Session leaves Attached.
package pump

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"miel/internal/recorder"
	"miel/pkg/wire"
)

const bufferSize = 32 * 1024

// Limits bounds a single pump run, sourced from config.ServiceConfig
// and config.Global for one Session.
type Limits struct {
	IdleTimeout                time.Duration
	HardTimeout                time.Duration
	MaxBytes                   int64 // 0 means unlimited
	RecordBackpressureDeadline time.Duration
}

func (l Limits) recordDeadline() time.Duration {
	if l.RecordBackpressureDeadline <= 0 {
		return 100 * time.Millisecond
	}
	return l.RecordBackpressureDeadline
}

// Result is the outcome of one pump run.
type Result struct {
	BytesIn  int64 // attacker -> container
	BytesOut int64 // container -> attacker
	EndCause recorder.EndCause
}

// halfCloser is satisfied by *net.TCPConn and lets one direction FIN
// without tearing down the whole duplex connection.
type halfCloser interface {
	CloseWrite() error
}

// Run copies attacker<->container bidirectionally until one of the
// spec.md §4.4 exit conditions fires, recording every chunk to rec.
// grace bounds how long the surviving direction is given to finish
// after the other side closes (half-close). tee, if non-nil, receives
// a best-effort raw copy of every byte moved in either direction — used
// by Session's PTY-capture attach variant; a nil tee is the common case.
func Run(ctx context.Context, attacker, container net.Conn, rec recorder.Writer, limits Limits, grace time.Duration, tee io.Writer) Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if limits.HardTimeout > 0 {
		var hardCancel context.CancelFunc
		ctx, hardCancel = context.WithTimeout(ctx, limits.HardTimeout)
		defer hardCancel()
	}

	var bytesTotal atomic.Int64
	var bytesIn atomic.Int64
	var bytesOut atomic.Int64

	idle := newIdleTimer(limits.IdleTimeout)
	defer idle.stop()

	var causeOnce sync.Once
	var cause recorder.EndCause
	setCause := func(c recorder.EndCause) {
		causeOnce.Do(func() {
			cause = c
			cancel()
		})
	}

	go func() {
		select {
		case <-idle.expired():
			setCause(recorder.EndIdleTimeout)
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		copyDirection(ctx, attacker, container, wire.DirIn, rec, limits, idle, &bytesTotal, &bytesIn, setCause, grace, tee)
	}()
	go func() {
		defer wg.Done()
		copyDirection(ctx, container, attacker, wire.DirOut, rec, limits, idle, &bytesTotal, &bytesOut, setCause, grace, tee)
	}()

	wg.Wait()

	if cause == "" {
		if ctx.Err() != nil {
			select {
			case <-ctx.Done():
			default:
			}
			cause = classifyContextErr(ctx, limits)
		} else {
			cause = recorder.EndPeerClose
		}
	}

	return Result{BytesIn: bytesIn.Load(), BytesOut: bytesOut.Load(), EndCause: cause}
}

func classifyContextErr(ctx context.Context, limits Limits) recorder.EndCause {
	if limits.HardTimeout > 0 && ctx.Err() == context.DeadlineExceeded {
		return recorder.EndHardTimeout
	}
	return recorder.EndLocalShutdown
}

// copyDirection reads from src and writes to dst, tee-ing each chunk
// to rec, until src returns an error/EOF, ctx is cancelled, or a limit
// is breached. On a natural src EOF (the peer closed its write side
// before anything else ended the pump) it half-closes dst's write side
// and gives the mirror direction up to grace to finish on its own; if
// grace elapses with the mirror direction still running, it force-ends
// the whole pump so a half-closed peer that never sends its own FIN
// doesn't pin the Session open indefinitely.
func copyDirection(
	ctx context.Context,
	src, dst net.Conn,
	dir wire.Direction,
	rec recorder.Writer,
	limits Limits,
	idle *idleTimer,
	total, dirCounter *atomic.Int64,
	setCause func(recorder.EndCause),
	grace time.Duration,
	tee io.Writer,
) {
	buf := make([]byte, bufferSize)
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		src.SetReadDeadline(time.Now())
		close(done)
	}()

readLoop:
	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := wire.Chunk{TimestampNS: time.Now().UnixNano(), Dir: dir, Data: append([]byte(nil), buf[:n]...)}
			dirCounter.Add(int64(n))
			idle.reset()

			if tee != nil {
				_, _ = tee.Write(buf[:n])
			}

			if !writeWithDeadline(rec, chunk, limits.recordDeadline()) {
				setCause(recorder.EndRecordOverflow)
			}

			if limits.MaxBytes > 0 && total.Add(int64(n)) > limits.MaxBytes {
				setCause(recorder.EndSizeCap)
				break readLoop
			}
		}
		if err != nil {
			break readLoop
		}
		select {
		case <-ctx.Done():
			break readLoop
		default:
		}
	}

	// ctx is only already Done here if something else (idle timeout, size
	// cap, record overflow, or the mirror direction's own EOF) already
	// called setCause. Otherwise this direction is the first to end, via
	// a natural peer close, and owns the half-close grace period.
	naturalEnd := ctx.Err() == nil

	if hc, ok := dst.(halfCloser); ok {
		_ = hc.CloseWrite()
	} else {
		_ = dst.Close()
	}

	select {
	case <-done:
	case <-time.After(grace):
		if naturalEnd {
			setCause(recorder.EndPeerClose)
		}
	}
}

// writeWithDeadline enforces the record_backpressure_deadline contract:
// recording an incomplete transcript beats dropping attacker traffic,
// so a slow Recorder never stalls the copy loop.
func writeWithDeadline(rec recorder.Writer, chunk wire.Chunk, deadline time.Duration) bool {
	done := make(chan error, 1)
	go func() { done <- rec.WriteChunk(chunk) }()

	select {
	case <-done:
		return true
	case <-time.After(deadline):
		return false
	}
}
