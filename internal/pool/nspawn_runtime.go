package pool

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/vishvananda/netlink"

	"miel/internal/config"
)

// FirewallInstaller is the subset of netctl.Firewall the Pool needs: an
// egress-DROP rule set per veth, installed the moment the veth exists
// and removed before it's deleted. Declaring it here instead of
// depending on internal/netctl directly keeps Pool testable without a
// real nftables socket and keeps ownership of firewall state where
// spec.md §9 puts it — Controller constructs the concrete Firewall and
// hands it down, Pool never opens its own netlink connection.
type FirewallInstaller interface {
	Install(vethName string, logSink netip.Addr) error
	Remove(vethName string) error
}

// NspawnRuntime spawns containers via systemd-nspawn (through systemd-run,
// so lifecycle is unit-managed and `machinectl`/`poweroff` teardown works
// the way spec.md §4.1 describes), with a volatile overlay root and a
// veth pair peered onto the service's isolated bridge.
type NspawnRuntime struct {
	// TemplatesRoot holds one directory per container_template.
	TemplatesRoot string
	// OverlayRoot holds the per-container writable/volatile overlay dirs.
	OverlayRoot string
	// BridgePrefix + service name is the bridge each veth peers onto,
	// e.g. "miel-br-fake-ssh". attachVeth creates a missing bridge on
	// first use.
	BridgePrefix string

	// Firewall, if set, gets an Install call right after each veth is
	// attached and a Remove call right before it's torn down. Left nil
	// in tests that don't need egress enforcement.
	Firewall FirewallInstaller
	// LogSink is the one address exempted from a container's egress
	// DROP default (spec.md §2 step 4's "allow ... packets to the
	// declared log sink").
	LogSink netip.Addr

	Logger *slog.Logger

	// runCmd is overridden in tests to avoid shelling out for real.
	runCmd func(ctx context.Context, name string, args ...string) error
}

// NewNspawnRuntime constructs a runtime rooted at the given directories.
func NewNspawnRuntime(templatesRoot, overlayRoot, bridgePrefix string, logger *slog.Logger) *NspawnRuntime {
	if logger == nil {
		logger = slog.Default()
	}
	return &NspawnRuntime{
		TemplatesRoot: templatesRoot,
		OverlayRoot:   overlayRoot,
		BridgePrefix:  bridgePrefix,
		Logger:        logger,
		runCmd:        runCommand,
	}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w (%s)", name, args, err, string(out))
	}
	return nil
}

func randomSuffix() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Spawn implements Runtime.
func (r *NspawnRuntime) Spawn(ctx context.Context, svc config.ServiceConfig) (*ContainerHandle, error) {
	machineID := fmt.Sprintf("miel-%s-%s", svc.Name, randomSuffix())

	h := &ContainerHandle{
		MachineID: machineID,
		Service:   svc.Name,
		Template:  svc.ContainerTemplate,
		State:     StateSpawning,
		CreatedAt: time.Now(),
	}

	overlayUpper := filepath.Join(r.OverlayRoot, machineID, "upper")
	overlayWork := filepath.Join(r.OverlayRoot, machineID, "work")
	overlayMerged := filepath.Join(r.OverlayRoot, machineID, "merged")
	for _, d := range []string{overlayUpper, overlayWork, overlayMerged} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return nil, fmt.Errorf("nspawn: create overlay dir %s: %w", d, err)
		}
	}
	h.overlayPath = filepath.Join(r.OverlayRoot, machineID)

	templatePath := filepath.Join(r.TemplatesRoot, svc.ContainerTemplate)
	if err := mountOverlay(templatePath, overlayUpper, overlayWork, overlayMerged); err != nil {
		return nil, fmt.Errorf("nspawn: mount overlay for %s: %w", machineID, err)
	}

	vethHost, vethGuest := vethNames(machineID)
	h.vethName = vethHost
	ip, err := attachVeth(vethHost, vethGuest, r.bridgeName(svc.Name))
	if err != nil {
		return nil, fmt.Errorf("nspawn: attach veth for %s: %w", machineID, err)
	}
	h.InternalIP = ip
	h.AttachAddr = &net.TCPAddr{IP: ip, Port: internalServicePort(svc)}

	if r.Firewall != nil {
		if err := r.Firewall.Install(vethHost, r.LogSink); err != nil {
			return nil, fmt.Errorf("nspawn: install egress rules for %s: %w", machineID, err)
		}
	}

	args := []string{
		"--unit=" + machineID,
		"--property=NoNewPrivileges=yes",
		"--property=DevicePolicy=closed",
		fmt.Sprintf("--property=CPUQuota=%d%%", svc.CPUQuotaOrDefault()),
		fmt.Sprintf("--property=MemoryMax=%d", svc.MemoryMaxOrDefault()),
		"--", "systemd-nspawn",
		"--machine=" + machineID,
		"--directory=" + overlayMerged,
		"--private-network",
		"--network-veth-extra=" + vethGuest,
		"--capability=" + minimalCapabilities(svc),
		"--drop-capability=all",
		"-U", // user-namespacing, host UID mapped to unprivileged range
		"--read-only",
		"--bind=/dev/null:/dev/null",
	}

	if err := r.runCmd(ctx, "systemd-run", args...); err != nil {
		return h, fmt.Errorf("nspawn: boot %s: %w", machineID, err)
	}

	r.Logger.Info("spawned container", "machine_id", machineID, "service", svc.Name, "ip", ip.String())
	return h, nil
}

// Probe implements Runtime: bounded TCP-connect liveness check.
func (r *NspawnRuntime) Probe(ctx context.Context, h *ContainerHandle) error {
	if h.AttachAddr == nil {
		return fmt.Errorf("nspawn: no attach address for %s", h.MachineID)
	}
	const attempts = 10
	const window = 2 * time.Second
	backoff := window / attempts

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
	return fmt.Errorf("nspawn: liveness probe failed for %s: %w", h.MachineID, lastErr)
}

// Terminate implements Runtime. Idempotent: every step tolerates the
// resource already being gone.
func (r *NspawnRuntime) Terminate(ctx context.Context, h *ContainerHandle) error {
	if h.State == StateDestroyed {
		return nil
	}
	h.State = StateDestroyed

	const grace = 5 * time.Second
	termCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := r.runCmd(termCtx, "machinectl", "terminate", h.MachineID); err != nil {
		r.Logger.Warn("machinectl terminate failed, forcing poweroff", "machine_id", h.MachineID, "err", err)
		_ = r.runCmd(context.Background(), "systemctl", "kill", "-s", "SIGKILL", "systemd-nspawn@"+h.MachineID+".service")
	}

	if h.vethName != "" {
		if r.Firewall != nil {
			if err := r.Firewall.Remove(h.vethName); err != nil {
				r.Logger.Warn("remove egress rules failed", "machine_id", h.MachineID, "err", err)
			}
		}
		if link, err := netlink.LinkByName(h.vethName); err == nil {
			_ = netlink.LinkDel(link)
		}
	}
	if h.overlayPath != "" {
		if err := unmountOverlay(filepath.Join(h.overlayPath, "merged")); err != nil {
			r.Logger.Warn("unmount overlay failed", "machine_id", h.MachineID, "err", err)
		}
		if err := os.RemoveAll(h.overlayPath); err != nil {
			r.Logger.Warn("remove overlay failed", "machine_id", h.MachineID, "err", err)
		}
	}

	r.Logger.Info("destroyed container", "machine_id", h.MachineID)
	return nil
}

func (r *NspawnRuntime) bridgeName(service string) string {
	return r.BridgePrefix + service
}

func vethNames(machineID string) (host, guest string) {
	suffix := machineID
	if len(suffix) > 10 {
		suffix = suffix[len(suffix)-10:]
	}
	return "mv-" + suffix, "mg-" + suffix
}

// minimalCapabilities returns the CapabilityBoundingSet the embedded
// service needs — SSH and HTTP both only need to bind low ports and
// change credentials during their own auth flow, handled inside the
// container image, so the host-side bound stays fixed regardless of
// service.
func minimalCapabilities(svc config.ServiceConfig) string {
	return "CAP_NET_BIND_SERVICE,CAP_SETUID,CAP_SETGID"
}

func internalServicePort(svc config.ServiceConfig) int {
	if svc.Port > 0 {
		return svc.Port
	}
	return 22
}
