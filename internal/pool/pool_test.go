package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"miel/internal/config"
)

// fakeRuntime is an in-memory Runtime for exercising Pool logic without
// systemd-nspawn or Docker.
type fakeRuntime struct {
	mu          sync.Mutex
	spawnCount  atomic.Int64
	destroyed   []string
	failSpawn   bool
	failProbe   bool
	spawnDelay  time.Duration
}

func (f *fakeRuntime) Spawn(ctx context.Context, svc config.ServiceConfig) (*ContainerHandle, error) {
	if f.spawnDelay > 0 {
		select {
		case <-time.After(f.spawnDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.failSpawn {
		return nil, fmt.Errorf("simulated spawn failure")
	}
	n := f.spawnCount.Add(1)
	return &ContainerHandle{
		MachineID:  fmt.Sprintf("miel-%s-%d", svc.Name, n),
		Service:    svc.Name,
		State:      StateSpawning,
		AttachAddr: &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 22},
	}, nil
}

func (f *fakeRuntime) Probe(ctx context.Context, h *ContainerHandle) error {
	if f.failProbe {
		return fmt.Errorf("simulated probe failure")
	}
	return nil
}

func (f *fakeRuntime) Terminate(ctx context.Context, h *ContainerHandle) error {
	if h.State == StateDestroyed {
		return nil
	}
	h.State = StateDestroyed
	f.mu.Lock()
	f.destroyed = append(f.destroyed, h.MachineID)
	f.mu.Unlock()
	return nil
}

func testService(name string, target int) config.ServiceConfig {
	return config.ServiceConfig{
		Name:              name,
		Port:              2222,
		Protocol:          config.TransportTCP,
		ContainerTemplate: "t",
		PoolTarget:        target,
	}
}

func TestPoolWarmsToTarget(t *testing.T) {
	rt := &fakeRuntime{}
	p := New(rt, 250*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx, testService("fake-ssh", 2))

	if err := p.WarmDeadline(ctx, "fake-ssh", time.Second); err != nil {
		t.Fatalf("WarmDeadline: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		stats := p.Stats("fake-ssh")
		if stats.Ready == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("pool did not reach target: %+v", stats)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestAcquireReturnsReadyContainerAndReplenishes(t *testing.T) {
	rt := &fakeRuntime{}
	p := New(rt, 250*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx, testService("fake-ssh", 1))
	if err := p.WarmDeadline(ctx, "fake-ssh", time.Second); err != nil {
		t.Fatalf("WarmDeadline: %v", err)
	}

	h, err := p.Acquire(ctx, "fake-ssh")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if h.State != StateAttached {
		t.Errorf("state = %v, want Attached", h.State)
	}

	// Pool should replenish back to target after the acquire.
	deadline := time.After(time.Second)
	for {
		if p.Stats("fake-ssh").Ready == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("pool did not replenish after acquire")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestAcquireExhaustedWhenEmptyAndSlowToSpawn(t *testing.T) {
	rt := &fakeRuntime{spawnDelay: time.Second}
	p := New(rt, 50*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx, testService("slow-svc", 1))

	_, err := p.Acquire(ctx, "slow-svc")
	if err == nil {
		t.Fatal("expected exhausted error")
	}
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *pool.Error, got %T", err)
	}
	if perr.Kind != ErrExhausted {
		t.Errorf("kind = %v, want ErrExhausted", perr.Kind)
	}
}

func TestReleaseAlwaysDestroysAndIsIdempotent(t *testing.T) {
	rt := &fakeRuntime{}
	p := New(rt, 250*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx, testService("fake-ssh", 1))
	if err := p.WarmDeadline(ctx, "fake-ssh", time.Second); err != nil {
		t.Fatalf("WarmDeadline: %v", err)
	}

	h, err := p.Acquire(ctx, "fake-ssh")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	p.Release(ctx, "fake-ssh", h)
	p.Release(ctx, "fake-ssh", h) // idempotent: no panic, no double count

	rt.mu.Lock()
	destroyedCount := 0
	for _, id := range rt.destroyed {
		if id == h.MachineID {
			destroyedCount++
		}
	}
	rt.mu.Unlock()

	if destroyedCount != 1 {
		t.Errorf("destroyed count for %s = %d, want 1", h.MachineID, destroyedCount)
	}
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	rt := &fakeRuntime{failSpawn: true}
	p := New(rt, 50*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx, testService("broken-svc", 1))

	deadline := time.After(2 * time.Second)
	for {
		if p.Stats("broken-svc").BreakerOpen {
			break
		}
		select {
		case <-deadline:
			t.Fatal("breaker never opened")
		case <-time.After(20 * time.Millisecond):
		}
	}

	_, err := p.Acquire(ctx, "broken-svc")
	var perr *Error
	if !errors.As(err, &perr) || perr.Kind != ErrSpawnFailed {
		t.Fatalf("expected ErrSpawnFailed while breaker open, got %v", err)
	}
}

func TestPoolNeverExceedsTargetPlusBurst(t *testing.T) {
	rt := &fakeRuntime{}
	p := New(rt, 250*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const target = 3
	p.Start(ctx, testService("bounded-svc", target))

	time.Sleep(200 * time.Millisecond) // let replenishment settle
	stats := p.Stats("bounded-svc")
	if stats.Ready+stats.Spawning > target+burstAllowance {
		t.Errorf("Ready+Spawning = %d, exceeds target+burst = %d", stats.Ready+stats.Spawning, target+burstAllowance)
	}
}

func TestShutdownDestroysReadyContainers(t *testing.T) {
	rt := &fakeRuntime{}
	p := New(rt, 250*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx, testService("fake-ssh", 2))
	if err := p.WarmDeadline(ctx, "fake-ssh", time.Second); err != nil {
		t.Fatalf("WarmDeadline: %v", err)
	}

	p.Shutdown(context.Background())

	rt.mu.Lock()
	n := len(rt.destroyed)
	rt.mu.Unlock()
	if n == 0 {
		t.Error("expected containers to be destroyed on shutdown")
	}
}
