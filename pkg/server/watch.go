package server

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the configuration when the config file changes, until ctx
// is done. The parent directory is watched so editors that replace the file
// by rename are seen too. A reload that fails validation keeps the previous
// configuration.
func (s *Server) Watch(ctx context.Context) error {
	path := s.dispatch.GetInventory().Path()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	go s.watchLoop(ctx, watcher, filepath.Clean(path))
	return nil
}

func (s *Server) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string) {
	defer watcher.Close()

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// 防抖：等待写入完成后再重载
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(s.reloadDelay, s.reload)
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.log.WithFields(nil).WithError(err).Warn("config watcher error")
		}
	}
}

func (s *Server) reload() {
	if err := s.dispatch.Reload(); err != nil {
		s.log.WithField("path", s.dispatch.GetInventory().Path()).WithError(err).Warn("config reload failed, keeping previous config")
		return
	}
	s.log.WithField("path", s.dispatch.GetInventory().Path()).Info("config reloaded")
}
