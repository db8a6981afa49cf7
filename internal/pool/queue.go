package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"miel/internal/config"
)

var errServiceUnknown = errors.New("service not registered with pool")

// serviceQueue is the single-producer (replenisher)/multi-consumer
// (acquirers) ready queue for one service, per spec.md §5.
type serviceQueue struct {
	svc     config.ServiceConfig
	runtime Runtime
	logger  *slog.Logger

	ready    chan *ContainerHandle
	spawning atomic.Int32
	breaker  *breaker

	wakeup chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	firstReady chan struct{}
	closeOnce  sync.Once
}

func newServiceQueue(parent context.Context, svc config.ServiceConfig, runtime Runtime, logger *slog.Logger) *serviceQueue {
	ctx, cancel := context.WithCancel(parent)
	target := svc.PoolTargetSize()
	return &serviceQueue{
		svc:        svc,
		runtime:    runtime,
		logger:     logger,
		ready:      make(chan *ContainerHandle, target+burstAllowance),
		breaker:    newBreaker(breakerThreshold, breakerCooldown),
		wakeup:     make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		firstReady: make(chan struct{}),
	}
}

func (q *serviceQueue) start() {
	q.wg.Add(1)
	go q.replenishLoop()
	q.signal() // startup event
}

func (q *serviceQueue) stop(ctx context.Context) {
	q.cancel()
	q.wg.Wait()

	// Drain and destroy every still-Ready container.
	for {
		select {
		case h := <-q.ready:
			_ = q.runtime.Terminate(ctx, h)
		default:
			return
		}
	}
}

// signal wakes the replenishment loop; non-blocking, coalesces bursts.
func (q *serviceQueue) signal() {
	select {
	case q.wakeup <- struct{}{}:
	default:
	}
}

func (q *serviceQueue) markFirstReady() {
	q.closeOnce.Do(func() { close(q.firstReady) })
}

func (q *serviceQueue) waitForFirstReady(ctx context.Context, deadline time.Duration) error {
	if len(q.ready) > 0 {
		return nil
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case <-q.firstReady:
		return nil
	case <-timer.C:
		return fmt.Errorf("pool: warm deadline exceeded for service %s", q.svc.Name)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// replenishLoop wakes on startup, successful acquire, and successful
// destroy (spec.md §4.1's three trigger events) and spawns until
// |Q| + S >= T.
func (q *serviceQueue) replenishLoop() {
	defer q.wg.Done()
	target := q.svc.PoolTargetSize()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.wakeup:
		}

		if q.breaker.open() {
			// Acquires fail fast while open and send no wakeup, so
			// schedule one for when the cooldown has run out.
			time.AfterFunc(q.breaker.cooldown, q.signal)
			continue
		}

		for len(q.ready)+int(q.spawning.Load()) < target {
			if q.ctx.Err() != nil {
				return
			}
			q.spawning.Add(1)
			go q.spawnOne()
		}
	}
}

func (q *serviceQueue) spawnOne() {
	defer q.spawning.Add(-1)
	defer q.signal() // re-check target after this attempt settles

	h, err := q.runtime.Spawn(q.ctx, q.svc)
	if err != nil {
		q.breaker.recordFailure(err)
		q.logger.Warn("spawn failed", "err", err)
		return
	}

	if err := q.runtime.Probe(q.ctx, h); err != nil {
		q.breaker.recordFailure(err)
		q.logger.Warn("liveness probe failed, destroying", "machine_id", h.MachineID, "err", err)
		_ = q.runtime.Terminate(context.Background(), h)
		return
	}

	q.breaker.recordSuccess()
	h.State = StateReady

	select {
	case q.ready <- h:
		q.markFirstReady()
	case <-q.ctx.Done():
		_ = q.runtime.Terminate(context.Background(), h)
	default:
		// Queue is at capacity (shouldn't happen given the target check,
		// but the loop and this goroutine can race); don't block forever.
		_ = q.runtime.Terminate(context.Background(), h)
	}
}

func (q *serviceQueue) acquire(ctx context.Context, deadline time.Duration) (*ContainerHandle, error) {
	if q.breaker.open() {
		return nil, &Error{Kind: ErrSpawnFailed, Service: q.svc.Name, Err: fmt.Errorf("circuit breaker open")}
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case h := <-q.ready:
		h.State = StateAttached
		q.signal() // successful acquire event
		return h, nil
	case <-timer.C:
		return nil, &Error{Kind: ErrExhausted, Service: q.svc.Name, Err: fmt.Errorf("acquire deadline of %s exceeded", deadline)}
	case <-ctx.Done():
		return nil, &Error{Kind: ErrExhausted, Service: q.svc.Name, Err: ctx.Err()}
	case <-q.ctx.Done():
		return nil, &Error{Kind: ErrExhausted, Service: q.svc.Name, Err: fmt.Errorf("pool shutting down")}
	}
}

func (q *serviceQueue) release(ctx context.Context, h *ContainerHandle) {
	if h.State == StateDestroyed {
		return
	}
	h.State = StateDraining
	_ = q.runtime.Terminate(ctx, h)
	q.signal() // successful destroy event
}

func (q *serviceQueue) stats() Stats {
	consecutive, open, lastErr := q.breaker.snapshot()
	s := Stats{
		Service:                  q.svc.Name,
		Ready:                    len(q.ready),
		Spawning:                 int(q.spawning.Load()),
		Target:                   q.svc.PoolTargetSize(),
		BreakerOpen:              open,
		ConsecutiveSpawnFailures: consecutive,
	}
	if lastErr != nil {
		s.LastError = lastErr.Error()
	}
	return s
}
