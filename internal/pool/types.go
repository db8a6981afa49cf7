// Package pool maintains a warm pool of ephemeral, single-use containers
// per honeypot service, so that attaching an attacker's Session to a
// vulnerable service never waits on a cold container boot. Containers
// are never reused across Sessions: acquire hands one Ready container to
// exactly one caller, and release always destroys it.
package pool

import (
	"fmt"
	"net"
	"time"
)

// State is a ContainerHandle's lifecycle stage.
type State int

const (
	StateSpawning State = iota
	StateReady
	StateAttached
	StateDraining
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateReady:
		return "ready"
	case StateAttached:
		return "attached"
	case StateDraining:
		return "draining"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// ContainerHandle is an opaque reference to one nspawn (or Docker)
// machine instance. It carries no back-pointer to the Pool or the
// Session holding it — release happens by handing the handle back to
// Pool.Release, not through a method on the handle itself, so ownership
// stays one-directional (see spec.md §9, "Cyclic ownership").
type ContainerHandle struct {
	MachineID   string
	Service     string
	Template    string
	InternalIP  net.IP
	AttachAddr  *net.TCPAddr
	State       State
	CreatedAt   time.Time
	overlayPath string
	vethName    string
}

// ErrKind classifies a Pool failure per spec.md §7.
type ErrKind int

const (
	ErrExhausted ErrKind = iota
	ErrSpawnFailed
)

func (k ErrKind) String() string {
	switch k {
	case ErrExhausted:
		return "exhausted"
	case ErrSpawnFailed:
		return "spawn_failed"
	default:
		return "unknown"
	}
}

// Error wraps a Pool failure with its kind so callers can switch on it
// without string matching.
type Error struct {
	Kind    ErrKind
	Service string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pool: %s (%s): %v", e.Kind, e.Service, e.Err)
	}
	return fmt.Sprintf("pool: %s (%s)", e.Kind, e.Service)
}

func (e *Error) Unwrap() error { return e.Err }

// Stats is the per-service health snapshot exposed to Controller's
// probe interface: Ready and Spawning counts, target, breaker state,
// last error and the current run of spawn failures. Containers that are
// being destroyed are not counted.
type Stats struct {
	Service      string
	Ready        int
	Spawning     int
	Target       int
	BreakerOpen  bool
	LastError    string
	ConsecutiveSpawnFailures int
}
