package pool

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"miel/internal/config"
)

// DockerRuntime is the alternate Runtime backend built on the Docker
// SDK, exercising the same client the corpus's Mirror/Ghost executor
// uses for container lifecycle verbs. It exists to make spec.md §9's
// "the Container Pool is the only component that changes" claim literal:
// Pool never imports this file's types directly, only the Runtime
// interface, so switching NewNspawnRuntime for NewDockerRuntime in
// Controller's wiring is the entire migration.
type DockerRuntime struct {
	client      *client.Client
	networkName string
	logger      *slog.Logger
}

// NewDockerRuntime creates a Docker-backed Runtime. Each service's
// container_template is used as-is as the Docker image reference.
func NewDockerRuntime(cli *client.Client, networkName string, logger *slog.Logger) *DockerRuntime {
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerRuntime{client: cli, networkName: networkName, logger: logger}
}

// Spawn implements Runtime.
func (d *DockerRuntime) Spawn(ctx context.Context, svc config.ServiceConfig) (*ContainerHandle, error) {
	machineID := fmt.Sprintf("miel-%s-%s", svc.Name, randomSuffix())

	containerCfg := &container.Config{
		Image:    svc.ContainerTemplate,
		Hostname: machineID,
	}
	hostCfg := &container.HostConfig{
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		CapAdd:         []string{"NET_BIND_SERVICE"},
		SecurityOpt:    []string{"no-new-privileges"},
		NetworkMode:    container.NetworkMode(d.networkName),
	}
	netCfg := &network.NetworkingConfig{}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, machineID)
	if err != nil {
		return nil, fmt.Errorf("docker: create %s: %w", machineID, err)
	}

	h := &ContainerHandle{
		MachineID: resp.ID,
		Service:   svc.Name,
		Template:  svc.ContainerTemplate,
		State:     StateSpawning,
		CreatedAt: time.Now(),
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return h, fmt.Errorf("docker: start %s: %w", machineID, err)
	}

	inspect, err := d.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return h, fmt.Errorf("docker: inspect %s: %w", machineID, err)
	}
	for _, ep := range inspect.NetworkSettings.Networks {
		if ip := net.ParseIP(ep.IPAddress); ip != nil {
			h.InternalIP = ip
			h.AttachAddr = &net.TCPAddr{IP: ip, Port: internalServicePort(svc)}
			break
		}
	}

	d.logger.Info("spawned docker container", "machine_id", machineID, "service", svc.Name)
	return h, nil
}

// Probe implements Runtime.
func (d *DockerRuntime) Probe(ctx context.Context, h *ContainerHandle) error {
	if h.AttachAddr == nil {
		return fmt.Errorf("docker: no attach address for %s", h.MachineID)
	}
	const attempts = 10
	backoff := 200 * time.Millisecond
	var lastErr error
	for i := 0; i < attempts; i++ {
		dialCtx, cancel := context.WithTimeout(ctx, backoff)
		conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", h.AttachAddr.String())
		cancel()
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("docker: liveness probe failed for %s: %w", h.MachineID, lastErr)
}

// Terminate implements Runtime. Idempotent per the Docker API's own
// tolerance of removing an already-removed container.
func (d *DockerRuntime) Terminate(ctx context.Context, h *ContainerHandle) error {
	if h.State == StateDestroyed {
		return nil
	}
	h.State = StateDestroyed

	timeout := 5
	_ = d.client.ContainerStop(ctx, h.MachineID, container.StopOptions{Timeout: &timeout})
	if err := d.client.ContainerRemove(ctx, h.MachineID, container.RemoveOptions{Force: true}); err != nil {
		d.logger.Warn("docker remove failed", "machine_id", h.MachineID, "err", err)
	}
	return nil
}
