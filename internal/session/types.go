// Package session drives one attacker connection end to end: acquire a
// container, attach, pump bytes while recording, and tear down. It is
// the only component that touches both Pool and Recorder.
package session

import (
	"context"
	"net"
	"time"

	"miel/internal/config"
	"miel/internal/pool"
)

// State is a Session's position in the New -> AcquiringContainer ->
// Attached -> Draining -> Ended state machine (spec.md §4.3).
type State int

const (
	StateNew State = iota
	StateAcquiringContainer
	StateAttached
	StateDraining
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateAcquiringContainer:
		return "acquiring_container"
	case StateAttached:
		return "attached"
	case StateDraining:
		return "draining"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// ContainerSource is the subset of *pool.Pool a Session needs. Declaring
// it here (rather than depending on *pool.Pool directly) lets tests
// exercise Session against a fake without a real container runtime.
type ContainerSource interface {
	Acquire(ctx context.Context, service string) (*pool.ContainerHandle, error)
	Release(ctx context.Context, service string, h *pool.ContainerHandle)
}

// Limits bundles the per-service timing/volume bounds a Session enforces,
// mirroring config.ServiceConfig's session block plus the global
// acquire/drain deadlines.
type Limits struct {
	AcquireDeadline time.Duration
	IdleTimeout     time.Duration
	HardTimeout     time.Duration
	MaxBytes        int64
	DrainGrace      time.Duration
}

// LimitsFromConfig derives Limits from a service's config and the
// global deadlines.
func LimitsFromConfig(svc config.ServiceConfig, global config.Global) Limits {
	return Limits{
		AcquireDeadline: global.AcquireDeadline(),
		IdleTimeout:     svc.IdleTimeout(),
		HardTimeout:     0,
		MaxBytes:        svc.MaxSessionBytes(),
		DrainGrace:      2 * time.Second,
	}
}

// remoteEndpoint captures the attacker's identity at Accept time, since
// the connection itself may be replaced (e.g. by a peeking wrapper in
// internal/listen) before Session ever sees it.
type remoteEndpoint struct {
	ip        net.IP
	port      int
	localPort int
}
