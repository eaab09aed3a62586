package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "wabatch/pkg/logx"
)

// settleDelay lets the burst of events an editor emits for one save die
// down before the file is re-read.
const settleDelay = 250 * time.Millisecond

// relevantOps is every fsnotify op that can mean the config content changed.
const relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// Watch reloads the config whenever its file changes, until ctx is done.
// The parent directory is watched so rename-into-place saves are seen. A
// broken watcher is returned as an error for supervisor.GoRestart.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch init: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watch add %s: %w", dir, err)
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", name))

	settle := time.NewTimer(settleDelay)
	if !settle.Stop() {
		<-settle.C
	}
	defer settle.Stop()
	kick := func() { settle.Reset(settleDelay) }

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("config watcher events closed")
			}
			if filepath.Base(ev.Name) == name && ev.Op&relevantOps != 0 {
				kick()
			}

		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("config watcher errors closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost; assume the file changed.
				m.log.Warn("config watch overflow, forcing reload", logx.String("dir", dir))
				kick()
				continue
			}
			m.log.Warn("config watch error", logx.String("dir", dir), logx.Err(err))

		case <-settle.C:
			m.reloadFromWatch(ctx)
		}
	}
}

func (m *ConfigManager) reloadFromWatch(ctx context.Context) {
	changed, err := m.Reload(ctx)
	switch {
	case err != nil:
		m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
	case changed:
		m.log.Info("config reloaded", logx.String("path", m.path))
	default:
		m.log.Debug("config unchanged, nothing published", logx.String("path", m.path))
	}
}
