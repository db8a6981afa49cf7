package pool

import (
	"context"

	"miel/internal/config"
)

// Runtime is the container-lifecycle backend Pool drives. spec.md §9's
// Open Question ("Docker 27+ vs systemd-nspawn") is resolved by making
// this the swap seam: NspawnRuntime is the primary backend, DockerRuntime
// is a second concrete implementation exercising the corpus's Docker SDK
// dependency, and Pool itself is runtime-agnostic.
type Runtime interface {
	// Spawn materializes and boots a new container for svc. The returned
	// handle is in StateSpawning; Pool transitions it to StateReady only
	// after Probe succeeds.
	Spawn(ctx context.Context, svc config.ServiceConfig) (*ContainerHandle, error)

	// Probe checks whether the container's internal service endpoint is
	// reachable yet.
	Probe(ctx context.Context, h *ContainerHandle) error

	// Terminate tears the container down. Must be idempotent: calling it
	// twice on the same handle has the same effect as calling it once.
	Terminate(ctx context.Context, h *ContainerHandle) error
}
