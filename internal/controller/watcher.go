package controller

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"miel/internal/config"
)

// configWatcher watches the config file for SIGHUP-triggered and
// filesystem-triggered reloads, debouncing bursty writes the way
// editors and config-management tools tend to produce them.
type configWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	onReload func(*config.Config)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

const debounceDuration = 500 * time.Millisecond

func newConfigWatcher(path string, logger *slog.Logger, onReload func(*config.Config)) (*configWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("controller: create fsnotify watcher: %w", err)
	}
	return &configWatcher{path: path, watcher: w, logger: logger, onReload: onReload}, nil
}

func (cw *configWatcher) start(ctx context.Context) error {
	cw.ctx, cw.cancel = context.WithCancel(ctx)

	if err := cw.watcher.Add(cw.path); err != nil {
		dir := filepath.Dir(cw.path)
		if err := cw.watcher.Add(dir); err != nil {
			return fmt.Errorf("controller: watch config file/dir: %w", err)
		}
		cw.logger.Info("watching config directory", "dir", dir)
	} else {
		cw.logger.Info("watching config file", "path", cw.path)
	}

	cw.wg.Add(1)
	go func() {
		defer cw.wg.Done()
		cw.loop()
	}()
	return nil
}

func (cw *configWatcher) stop() {
	if cw.cancel != nil {
		cw.cancel()
	}
	cw.watcher.Close()
	cw.wg.Wait()
}

func (cw *configWatcher) loop() {
	var debounce *time.Timer
	for {
		select {
		case <-cw.ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Name != cw.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDuration, cw.reload)

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warn("config watcher error", "err", err)
		}
	}
}

// reload triggers on SIGHUP as well as filesystem events (Controller
// calls it directly on receipt of the signal).
func (cw *configWatcher) reload() {
	cw.logger.Info("reloading config", "path", cw.path)
	cfg, err := config.Load(cw.path)
	if err != nil {
		cw.logger.Warn("config reload failed, keeping running config", "err", err)
		return
	}
	config.ApplyEnvOverrides(cfg)
	cw.onReload(cfg)
}
