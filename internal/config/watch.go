package config

import (
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ngoclaw/gro/internal/apperr"
	"github.com/ngoclaw/gro/pkg/safego"
)

// Watcher reloads config whenever the backing file changes and hands the
// fresh Config to its onLoad callback — the DOMAIN STACK's named use for
// fsnotify. Config carries no retry settings, and nothing in this module
// starts a Watcher.
type Watcher struct {
	w      *fsnotify.Watcher
	logger *zap.Logger
	onLoad func(*Config)
}

// WatchFile starts watching path (typically ~/.gro/config.yaml or
// ./config.yaml) and calls onLoad with a freshly-reloaded Config every
// time the file is written. Callers close the returned Watcher to stop.
func WatchFile(path string, logger *zap.Logger, onLoad func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, "create config watcher", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, apperr.Wrap(apperr.KindConfig, "watch config file", err)
	}

	watcher := &Watcher{w: fw, logger: logger, onLoad: onLoad}
	safego.Go(logger, "config-watch", watcher.loop)
	return watcher, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.w.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load()
			if err != nil {
				w.logger.Warn("config reload failed", zap.Error(err))
				continue
			}
			w.logger.Info("config reloaded", zap.String("file", event.Name))
			w.onLoad(cfg)

		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.w.Close()
}
