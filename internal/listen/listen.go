// Package listen implements the Listener Set: it binds one net.Listener
// per advertised service (or a shared listener for services multiplexed
// on one port), applies the connection filter and optional service
// detector, enforces the global admission cap, and hands each accepted
// connection to a Handler. It owns no container or session state itself.
package listen

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"miel/internal/config"
)

// Per-source admission rate limiting, independent of the IP/port filter:
// a single attacker hammering the listener with reconnects shouldn't be
// able to starve the Pool's acquire queue for everyone else.
const (
	perSourceRateLimit = 5 // connections/sec
	perSourceBurst     = 10
)

// Handler is invoked once per admitted connection, already matched to a
// service name. It owns the connection's lifetime from here on.
type Handler func(ctx context.Context, conn net.Conn, service config.ServiceConfig)

// peekTimeout bounds how long the shared-port path will wait for the
// first bytes before giving up on detection.
const peekTimeout = 2 * time.Second

// Set owns every bound listener for the process.
type Set struct {
	logger  *slog.Logger
	filter  ConnectionFilter
	handler Handler

	maxSessions int
	admitted    chan struct{} // capacity == maxSessions, a counting semaphore

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup

	filterRejected   atomic.Int64
	admissionDropped atomic.Int64
	rateLimited      atomic.Int64

	rateLimiters sync.Map // netip.Addr -> *rateEntry

	ctx    context.Context
	cancel context.CancelFunc
}

// rateEntry tracks last-use so the janitor can evict addresses that
// haven't connected in a while; otherwise a listener facing the open
// internet accumulates one limiter per scanner IP forever.
type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix seconds
}

const rateEntryIdleEvict = 10 * time.Minute

// Stats is a point-in-time snapshot of admission counters.
type Stats struct {
	FilterRejected   int64
	AdmissionDropped int64
	RateLimited      int64
}

// Snapshot returns the current admission counters.
func (s *Set) Snapshot() Stats {
	return Stats{
		FilterRejected:   s.filterRejected.Load(),
		AdmissionDropped: s.admissionDropped.Load(),
		RateLimited:      s.rateLimited.Load(),
	}
}

// New builds a Set. maxSessions <= 0 means unbounded admission.
func New(filter ConnectionFilter, maxSessions int, handler Handler, logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Set{
		logger:      logger,
		filter:      filter,
		handler:     handler,
		maxSessions: maxSessions,
		ctx:         ctx,
		cancel:      cancel,
	}
	if maxSessions > 0 {
		s.admitted = make(chan struct{}, maxSessions)
	}
	go s.rateLimiterJanitor()
	return s
}

func (s *Set) rateLimiterJanitor() {
	ticker := time.NewTicker(rateEntryIdleEvict)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			cutoff := now.Add(-rateEntryIdleEvict).Unix()
			s.rateLimiters.Range(func(key, value any) bool {
				if value.(*rateEntry).lastSeen.Load() < cutoff {
					s.rateLimiters.Delete(key)
				}
				return true
			})
		}
	}
}

// Bind opens listeners for every service in cfg.Services and starts
// accepting. Services sharing a port (SharedPort == true) share one
// net.Listener and are resolved with a Detector at accept time.
func (s *Set) Bind(bindAddress string, services []config.ServiceConfig) error {
	byPort := make(map[string][]config.ServiceConfig)
	for _, svc := range services {
		key := fmt.Sprintf("%s:%d/%s", bindAddress, svc.Port, svc.Protocol)
		byPort[key] = append(byPort[key], svc)
	}

	detector := NewDetector(services)

	for _, group := range byPort {
		addr := fmt.Sprintf("%s:%d", bindAddress, group[0].Port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.closeAll()
			return fmt.Errorf("listen: bind %s: %w", addr, err)
		}
		s.mu.Lock()
		s.listeners = append(s.listeners, ln)
		s.mu.Unlock()

		group := group
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.acceptLoop(ln, group, detector)
		}()
	}
	return nil
}

func remoteAddrOf(conn net.Conn) (netip.Addr, bool) {
	remote, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(remote.IP)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func (s *Set) shouldAccept(conn net.Conn) bool {
	addr, ok := remoteAddrOf(conn)
	if !ok {
		return true
	}
	local, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return true
	}
	return s.filter.ShouldAccept(addr, uint16(local.Port))
}

// allowRate applies a per-source-IP token bucket independent of the
// static filter, so accept-rate abuse from one address doesn't need a
// config change to contain. Unknown remote address types (non-TCP) are
// always allowed, matching shouldAccept's fail-open behavior.
func (s *Set) allowRate(conn net.Conn) bool {
	addr, ok := remoteAddrOf(conn)
	if !ok {
		return true
	}
	v, _ := s.rateLimiters.LoadOrStore(addr, &rateEntry{limiter: rate.NewLimiter(rate.Limit(perSourceRateLimit), perSourceBurst)})
	entry := v.(*rateEntry)
	entry.lastSeen.Store(time.Now().Unix())
	return entry.limiter.Allow()
}

func (s *Set) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
}

func (s *Set) acceptLoop(ln net.Listener, group []config.ServiceConfig, detector *Detector) {
	single := len(group) == 1
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Warn("accept error", "addr", ln.Addr(), "err", err)
				continue
			}
		}

		if !s.shouldAccept(conn) {
			s.filterRejected.Add(1)
			s.logger.Info("connection rejected by filter", "remote", conn.RemoteAddr())
			conn.Close()
			continue
		}

		if !s.allowRate(conn) {
			s.rateLimited.Add(1)
			s.logger.Info("connection rejected by rate limiter", "remote", conn.RemoteAddr())
			conn.Close()
			continue
		}

		if !s.tryAdmit() {
			s.admissionDropped.Add(1)
			s.logger.Warn("admission cap reached, dropping connection", "remote", conn.RemoteAddr())
			conn.Close()
			continue
		}

		var svc config.ServiceConfig
		var resolvedConn net.Conn = conn
		if single {
			svc = group[0]
		} else {
			resolved, matched, err := s.resolveShared(conn, group, detector)
			if err != nil {
				s.logger.Info("service detection failed", "remote", conn.RemoteAddr(), "err", err)
				conn.Close()
				s.release()
				continue
			}
			svc, resolvedConn = matched, resolved
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release()
			s.handler(s.ctx, resolvedConn, svc)
		}()
	}
}

// resolveShared peeks the connection's leading bytes without consuming
// them from the eventual Handler's point of view, using a buffered
// wrapper so detection is transparent to the session layer.
func (s *Set) resolveShared(conn net.Conn, group []config.ServiceConfig, detector *Detector) (net.Conn, config.ServiceConfig, error) {
	br := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(peekTimeout))
	peeked, _ := br.Peek(1024)
	_ = conn.SetReadDeadline(time.Time{})

	port := group[0].Port
	name, err := detector.Identify(port, peeked)
	if err != nil {
		return nil, config.ServiceConfig{}, err
	}
	for _, svc := range group {
		if svc.Name == name {
			return &peekedConn{Conn: conn, r: br}, svc, nil
		}
	}
	return nil, config.ServiceConfig{}, fmt.Errorf("listen: detector matched unknown service %q", name)
}

func (s *Set) tryAdmit() bool {
	if s.admitted == nil {
		return true
	}
	select {
	case s.admitted <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Set) release() {
	if s.admitted == nil {
		return
	}
	select {
	case <-s.admitted:
	default:
	}
}

// Shutdown closes every listener and waits for in-flight accept loops
// and handler goroutines to return. It does not itself drain live
// sessions; that is Controller's job via the session registry.
func (s *Set) Shutdown(ctx context.Context) error {
	s.cancel()
	s.closeAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New("listen: shutdown deadline exceeded waiting for accept loops")
	}
}

// peekedConn re-plays bytes already consumed by a bufio.Reader during
// service detection so the Handler sees an unmodified byte stream.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (p *peekedConn) Read(b []byte) (int, error) { return p.r.Read(b) }
