// Package controller owns everything spec.md §4.6 calls "global state":
// boot ordering, config fan-out to Pool/Listeners, SIGHUP-driven config
// diffing, shutdown drain sequencing, and firewall/bridge lifecycle. It
// is the only component that constructs a netctl.Firewall.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"miel/internal/config"
	"miel/internal/listen"
	"miel/internal/netctl"
	"miel/internal/pool"
	"miel/internal/recorder"
	"miel/internal/session"
)

// SessionFactory builds a Session for one accepted connection. Nothing
// in this package uses it: Boot takes the Listener Set's Handler
// directly from its caller.
type SessionFactory func(ctx context.Context, svc config.ServiceConfig, limits session.Limits) *session.Session

// Controller wires Pool, Listener Set, Recorder, and Firewall together
// and drives the boot/reload/shutdown sequence spec.md §4.6 describes.
type Controller struct {
	logger *slog.Logger

	configPath string
	watcher    *configWatcher

	firewall *netctl.Firewall
	pool     *pool.Pool
	listen   *listen.Set
	rec      *recorder.Recorder

	newRuntime func(cfg *config.Config, fw *netctl.Firewall) pool.Runtime

	mu  sync.RWMutex
	cfg *config.Config

	sessions sync.WaitGroup

	spoolTicker *time.Ticker
	stopSpool   chan struct{}
}

// Config bundles Controller's construction-time dependencies.
type Config struct {
	ConfigPath string
	Recorder   *recorder.Recorder
	Logger     *slog.Logger

	// NewRuntime constructs the pool.Runtime backend for the loaded
	// config, given the Firewall Controller already brought up. Lets
	// cmd/miel choose NspawnRuntime vs DockerRuntime without Controller
	// depending on either concretely.
	NewRuntime func(cfg *config.Config, fw *netctl.Firewall) pool.Runtime
}

// New constructs a Controller. It does not touch the network or the
// filesystem beyond an initial config Load — call Boot to boot.
func New(c Config) (*Controller, error) {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.NewRuntime == nil {
		return nil, fmt.Errorf("controller: NewRuntime is required")
	}
	cfg, err := config.Load(c.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("controller: load config: %w", err)
	}
	config.ApplyEnvOverrides(cfg)

	ctl := &Controller{
		logger:     c.Logger,
		configPath: c.ConfigPath,
		rec:        c.Recorder,
		newRuntime: c.NewRuntime,
		cfg:        cfg,
		stopSpool:  make(chan struct{}),
	}
	return ctl, nil
}

// currentConfig returns the currently active config under lock.
func (c *Controller) currentConfig() *config.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// CurrentConfig exposes the active config for the connection Handler
// cmd/miel builds, so per-service Limits stay correct across a SIGHUP
// reload without cmd/miel touching Controller's lock directly.
func (c *Controller) CurrentConfig() *config.Config {
	return c.currentConfig()
}

// Boot brings the process up in the order spec.md §4.6 mandates: init
// firewall, start Pool and wait for warm_deadline per service, start
// Listeners. It returns a wrapped error identifying which stage failed
// so cmd/miel can map it to the right exit code.
func (c *Controller) Boot(ctx context.Context, handler listen.Handler) error {
	cfg := c.currentConfig()

	fw, err := netctl.New()
	if err != nil {
		return &BootError{Stage: StageFirewall, Err: err}
	}
	c.firewall = fw

	runtime := c.newRuntime(cfg, fw)
	c.pool = pool.New(runtime, cfg.Global.AcquireDeadline(), c.logger.With("component", "pool"))

	for _, svc := range cfg.Services {
		c.pool.Start(ctx, svc)
	}
	for _, svc := range cfg.Services {
		if err := c.pool.WarmDeadline(ctx, svc.Name, cfg.Global.WarmDeadline()); err != nil {
			c.logger.Warn("service did not warm within deadline", "service", svc.Name, "err", err)
		}
	}

	c.listen = listen.New(buildFilter(cfg), cfg.Global.MaxSessions, handler, c.logger.With("component", "listen"))
	if err := c.listen.Bind(cfg.Global.BindAddress, cfg.Services); err != nil {
		return &BootError{Stage: StageBind, Err: err}
	}

	c.watcher, err = newConfigWatcher(c.configPath, c.logger.With("component", "config_watcher"), c.applyReload)
	if err != nil {
		return &BootError{Stage: StageWatch, Err: err}
	}
	if err := c.watcher.start(ctx); err != nil {
		return &BootError{Stage: StageWatch, Err: err}
	}

	c.spoolTicker = time.NewTicker(30 * time.Second)
	go c.drainSpoolPeriodically()

	c.logger.Info("controller booted", "services", len(cfg.Services))
	return nil
}

// TrackSession registers one running Session with the shutdown drain
// waitgroup. The returned func must be deferred by the caller.
func (c *Controller) TrackSession() func() {
	c.sessions.Add(1)
	return c.sessions.Done
}

// Pool exposes the running Pool for the Handler wiring in cmd/miel.
func (c *Controller) Pool() *pool.Pool { return c.pool }

// Recorder exposes the Recorder Sink for Session construction.
func (c *Controller) Recorder() *recorder.Recorder { return c.rec }

// ListenStats exposes admission counters for the status API.
func (c *Controller) ListenStats() listen.Stats {
	if c.listen == nil {
		return listen.Stats{}
	}
	return c.listen.Snapshot()
}

// Reload re-reads the config file immediately, independent of the
// filesystem watcher; wired to SIGHUP by cmd/miel.
func (c *Controller) Reload() {
	c.watcher.reload()
}

// applyReload diffs the newly loaded config's services against the
// running Pool's queues, per spec.md §4.6: additions and removals are
// applied, existing Sessions are unaffected. Newly added services also
// get a listener bound; removed services keep their listener bound
// (new connections will simply fail to acquire once the pool queue is
// gone) since Set has no safe way to close one listener among many
// without racing in-flight accepts on the others.
func (c *Controller) applyReload(newCfg *config.Config) {
	oldCfg := c.currentConfig()

	oldByName := make(map[string]config.ServiceConfig, len(oldCfg.Services))
	for _, svc := range oldCfg.Services {
		oldByName[svc.Name] = svc
	}
	newByName := make(map[string]config.ServiceConfig, len(newCfg.Services))
	for _, svc := range newCfg.Services {
		newByName[svc.Name] = svc
	}

	var added []config.ServiceConfig
	for name, svc := range newByName {
		if _, exists := oldByName[name]; !exists {
			added = append(added, svc)
		}
	}
	for name := range oldByName {
		if _, exists := newByName[name]; !exists {
			c.logger.Info("service removed on reload", "service", name)
			c.pool.StopService(context.Background(), name)
		}
	}

	c.mu.Lock()
	c.cfg = newCfg
	c.mu.Unlock()

	for _, svc := range added {
		c.logger.Info("service added on reload", "service", svc.Name)
		c.pool.Start(context.Background(), svc)
	}
	if len(added) > 0 {
		if err := c.listen.Bind(newCfg.Global.BindAddress, added); err != nil {
			c.logger.Warn("failed to bind listener for newly added service", "err", err)
		}
	}
}

func (c *Controller) drainSpoolPeriodically() {
	for {
		select {
		case <-c.spoolTicker.C:
			if c.rec == nil {
				continue
			}
			drained, remaining, err := c.rec.DrainSpool()
			if err != nil {
				c.logger.Warn("spool drain failed", "err", err)
				continue
			}
			if drained > 0 || remaining > 0 {
				c.logger.Info("spool drain", "drained", drained, "remaining", remaining)
			}
		case <-c.stopSpool:
			return
		}
	}
}

// Shutdown implements spec.md §4.6's drain sequence: stop accepting,
// wait for live Sessions up to drainDeadline, force-close the
// remainder via ctx cancellation (the caller's responsibility — see
// cmd/miel's use of a cancel-on-return context), destroy pool
// containers, remove firewall rules.
func (c *Controller) Shutdown(ctx context.Context) error {
	cfg := c.currentConfig()

	if c.watcher != nil {
		c.watcher.stop()
	}
	close(c.stopSpool)
	if c.spoolTicker != nil {
		c.spoolTicker.Stop()
	}

	if c.listen != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := c.listen.Shutdown(shutdownCtx); err != nil {
			c.logger.Warn("listener shutdown did not finish cleanly", "err", err)
		}
		cancel()
	}

	drainCtx, cancel := context.WithTimeout(ctx, cfg.Global.DrainDeadline())
	defer cancel()
	if !c.waitSessions(drainCtx) {
		c.logger.Warn("drain deadline exceeded, forcing remaining sessions closed")
	}

	if c.pool != nil {
		forceCtx, forceCancel := context.WithTimeout(context.Background(), cfg.Global.DrainDeadline()+2*time.Second)
		c.pool.Shutdown(forceCtx)
		forceCancel()
	}

	if c.firewall != nil {
		if err := c.firewall.Close(); err != nil {
			c.logger.Warn("firewall teardown failed", "err", err)
		}
	}

	if c.rec != nil {
		recorderCtx, recorderCancel := context.WithTimeout(context.Background(), 5*time.Second)
		c.rec.Shutdown(recorderCtx)
		recorderCancel()
	}

	c.logger.Info("controller shut down")
	return nil
}

func (c *Controller) waitSessions(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		c.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// buildFilter derives the process-wide connection filter from global
// config. The filter it returns is always permissive (blacklist mode,
// empty deny list, no port ranges): the config file has no keys for
// allow/deny lists, so cfg is not consulted.
func buildFilter(cfg *config.Config) listen.ConnectionFilter {
	return listen.NewConnectionFilter(
		listen.IPFilter{WhitelistMode: false},
		listen.PortFilter{},
	)
}

// LogSinkAddr resolves the configured log sink to a netip.Addr for the
// Firewall's egress allow-list, defaulting to unspecified (no sink
// exemption) when unset or malformed.
func LogSinkAddr(raw string) netip.Addr {
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}
	}
	return addr
}

// BootStage names which part of Boot failed, for exit-code mapping.
type BootStage int

const (
	StageFirewall BootStage = iota
	StagePool
	StageBind
	StageWatch
)

func (s BootStage) String() string {
	switch s {
	case StageFirewall:
		return "firewall"
	case StagePool:
		return "pool"
	case StageBind:
		return "bind"
	case StageWatch:
		return "watch"
	default:
		return "unknown"
	}
}

// BootError identifies which boot stage failed, letting cmd/miel map a
// bind failure to exit 4, a firewall failure to exit 3, and everything
// else to exit 64 per spec.md §6.
type BootError struct {
	Stage BootStage
	Err   error
}

func (e *BootError) Error() string { return fmt.Sprintf("controller: %s: %v", e.Stage, e.Err) }
func (e *BootError) Unwrap() error { return e.Err }
