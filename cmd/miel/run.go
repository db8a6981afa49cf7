package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"time"

	"github.com/docker/docker/client"
	"github.com/spf13/cobra"

	"miel/internal/config"
	"miel/internal/controller"
	"miel/internal/listen"
	"miel/internal/netctl"
	"miel/internal/pool"
	"miel/internal/recorder"
	"miel/internal/session"
	"miel/internal/statusapi"
	"miel/internal/storage"
)

func newRunCommand() *cobra.Command {
	var configPath string
	var backend string
	var templatesRoot string
	var overlayRoot string
	var bridgePrefix string
	var dockerNetwork string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "boot the honeypot daemon and serve until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(runOptions{
				configPath:    resolveConfigPath(configPath),
				backend:       backend,
				templatesRoot: templatesRoot,
				overlayRoot:   overlayRoot,
				bridgePrefix:  bridgePrefix,
				dockerNetwork: dockerNetwork,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the miel config file (default $MIEL_CONFIG or /etc/miel/miel.toml)")
	cmd.Flags().StringVar(&backend, "backend", "nspawn", "container backend: nspawn or docker")
	cmd.Flags().StringVar(&templatesRoot, "templates-root", "/var/lib/miel/templates", "nspawn: directory of container templates")
	cmd.Flags().StringVar(&overlayRoot, "overlay-root", "/var/lib/miel/overlays", "nspawn: directory for per-container writable overlays")
	cmd.Flags().StringVar(&bridgePrefix, "bridge-prefix", "miel-br-", "nspawn: bridge name prefix, one bridge per service")
	cmd.Flags().StringVar(&dockerNetwork, "docker-network", "miel", "docker: network new containers attach to")

	return cmd
}

type runOptions struct {
	configPath    string
	backend       string
	templatesRoot string
	overlayRoot   string
	bridgePrefix  string
	dockerNetwork string
}

func runDaemon(opts runOptions) error {
	bootCfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	config.ApplyEnvOverrides(bootCfg)

	logger := newLogger(bootCfg.Global.LogLevel, bootCfg.Global.LogDir)
	slog.SetDefault(logger)

	sessionsDir := bootCfg.Global.SessionsDirOrDefault()

	fileStore, err := storage.OpenFileSink(sessionsDir)
	if err != nil {
		return fmt.Errorf("open session artifact directory: %w", err)
	}
	sqliteStore, err := storage.Open(bootCfg.Global.DBPathOrDefault(), sessionsDir)
	if err != nil {
		return fmt.Errorf("open artifact index: %w", err)
	}

	rec, err := recorder.New(storage.Multi(fileStore, sqliteStore), bootCfg.Global.SpoolDirOrDefault(), 256, logger.With("component", "recorder"))
	if err != nil {
		return fmt.Errorf("start recorder: %w", err)
	}

	ctl, err := controller.New(controller.Config{
		ConfigPath: opts.configPath,
		Recorder:   rec,
		Logger:     logger,
		NewRuntime: newRuntimeFactory(opts, logger),
	})
	if err != nil {
		return err
	}

	handler := func(ctx context.Context, conn net.Conn, svc config.ServiceConfig) {
		release := ctl.TrackSession()
		defer release()

		limits := session.LimitsFromConfig(svc, ctl.CurrentConfig().Global)
		sess := session.New(svc, limits, ctl.Pool(), ctl.Recorder(), logger.With("service", svc.Name))
		sess.Run(ctx, conn)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctl.Boot(ctx, handler); err != nil {
		return err
	}

	statusSrv := statusapi.New(bootCfg.Global.StatusAddressOrDefault(), ctl.Pool(), listenStatsAdapter{ctl}, logger.With("component", "statusapi"))
	statusErrCh := make(chan error, 1)
	go func() {
		statusErrCh <- statusSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	logger.Info("miel running", "config", opts.configPath, "backend", opts.backend)

waitForShutdown:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				logger.Info("reloading config")
				ctl.Reload()
				continue
			}
			logger.Info("received signal, shutting down", "signal", sig.String())
			break waitForShutdown
		case err := <-statusErrCh:
			if err != nil {
				logger.Warn("status API stopped unexpectedly", "err", err)
			}
			break waitForShutdown
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), bootCfg.Global.DrainDeadline()+5*time.Second)
	defer shutdownCancel()
	if err := statusSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status API shutdown error", "err", err)
	}
	cancel()
	return ctl.Shutdown(shutdownCtx)
}

// listenStatsAdapter narrows Controller to statusapi.ListenSource
// without exposing the whole Controller surface to that package.
type listenStatsAdapter struct {
	ctl *controller.Controller
}

func (a listenStatsAdapter) Snapshot() listen.Stats { return a.ctl.ListenStats() }

func newRuntimeFactory(opts runOptions, logger *slog.Logger) func(cfg *config.Config, fw *netctl.Firewall) pool.Runtime {
	return func(cfg *config.Config, fw *netctl.Firewall) pool.Runtime {
		logSink := controller.LogSinkAddr(cfg.Global.LogSinkAddr)

		switch opts.backend {
		case "docker":
			cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
			if err != nil {
				logger.Error("failed to construct docker client, falling back to nspawn", "err", err)
				break
			}
			return pool.NewDockerRuntime(cli, opts.dockerNetwork, logger.With("component", "runtime"))
		}

		rt := pool.NewNspawnRuntime(opts.templatesRoot, opts.overlayRoot, opts.bridgePrefix, logger.With("component", "runtime"))
		rt.Firewall = fw
		rt.LogSink = logSink
		return rt
	}
}
