package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"miel/internal/config"
)

const (
	burstAllowance   = 1 // epsilon in spec.md §3's |Q|+S <= T+epsilon invariant
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// Pool maintains one warm ready-queue per service. It exclusively owns
// Ready containers; once a handle is acquired it is never returned to a
// queue, only destroyed (spec.md §3, "Ownership summary").
type Pool struct {
	runtime         Runtime
	logger          *slog.Logger
	acquireDeadline time.Duration

	mu     sync.RWMutex
	queues map[string]*serviceQueue
}

// New constructs a Pool. acquireDeadline is the bounded wait spec.md
// §4.1 specifies for Acquire when the ready queue is empty.
func New(runtime Runtime, acquireDeadline time.Duration, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		runtime:         runtime,
		logger:          logger,
		acquireDeadline: acquireDeadline,
		queues:          make(map[string]*serviceQueue),
	}
}

// Start provisions a service queue and launches its replenishment task.
// Safe to call multiple times for different services; calling it twice
// for the same service name is a no-op after the first.
func (p *Pool) Start(ctx context.Context, svc config.ServiceConfig) {
	p.mu.Lock()
	if _, exists := p.queues[svc.Name]; exists {
		p.mu.Unlock()
		return
	}
	q := newServiceQueue(ctx, svc, p.runtime, p.logger.With("service", svc.Name))
	p.queues[svc.Name] = q
	p.mu.Unlock()

	q.start()
}

// StopService tears down a single service's queue and destroys every
// container still sitting Ready in it. Used by Controller's SIGHUP diff
// when a [[service]] block is removed.
func (p *Pool) StopService(ctx context.Context, name string) {
	p.mu.Lock()
	q, exists := p.queues[name]
	if exists {
		delete(p.queues, name)
	}
	p.mu.Unlock()
	if exists {
		q.stop(ctx)
	}
}

// Acquire pops a Ready container for service, waiting up to the
// configured acquire deadline for replenishment if the queue is
// momentarily empty. Returns *Error with Kind ErrExhausted or
// ErrSpawnFailed on failure — never a bare error, so callers can switch.
func (p *Pool) Acquire(ctx context.Context, service string) (*ContainerHandle, error) {
	p.mu.RLock()
	q, exists := p.queues[service]
	p.mu.RUnlock()
	if !exists {
		return nil, &Error{Kind: ErrExhausted, Service: service, Err: errServiceUnknown}
	}
	return q.acquire(ctx, p.acquireDeadline)
}

// Release always destroys the handle; it never returns to a ready
// queue (sanitation guarantee, spec.md §3). Calling Release twice on
// the same handle is a no-op the second time.
func (p *Pool) Release(ctx context.Context, service string, h *ContainerHandle) {
	p.mu.RLock()
	q, exists := p.queues[service]
	p.mu.RUnlock()
	if !exists {
		_ = p.runtime.Terminate(ctx, h)
		return
	}
	q.release(ctx, h)
}

// Stats returns the health snapshot for one service, or the zero value
// if the service is unknown.
func (p *Pool) Stats(service string) Stats {
	p.mu.RLock()
	q, exists := p.queues[service]
	p.mu.RUnlock()
	if !exists {
		return Stats{Service: service}
	}
	return q.stats()
}

// AllStats returns a snapshot for every currently running service queue.
func (p *Pool) AllStats() []Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Stats, 0, len(p.queues))
	for _, q := range p.queues {
		out = append(out, q.stats())
	}
	return out
}

// Shutdown stops every replenishment task and destroys every Ready
// container. Containers already Attached to a live Session are the
// Controller's responsibility (it drains Sessions first).
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	queues := p.queues
	p.queues = make(map[string]*serviceQueue)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, q := range queues {
		wg.Add(1)
		go func(q *serviceQueue) {
			defer wg.Done()
			q.stop(ctx)
		}(q)
	}
	wg.Wait()
}

// WarmDeadline blocks until service has at least one Ready container,
// or the deadline elapses. Used by Controller boot per spec.md §4.6.
func (p *Pool) WarmDeadline(ctx context.Context, service string, deadline time.Duration) error {
	p.mu.RLock()
	q, exists := p.queues[service]
	p.mu.RUnlock()
	if !exists {
		return errServiceUnknown
	}
	return q.waitForFirstReady(ctx, deadline)
}
