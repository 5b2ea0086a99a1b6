package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Roman-Samoilenko/dnsblock/internal/logger"
)

// reloadDelay collapses the burst of events an editor produces on save.
const reloadDelay = 500 * time.Millisecond

type filterWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	reload  func() error
	delay   time.Duration
}

// newFilterWatcher watches the directory of path so that files replaced by
// rename are still noticed.
func newFilterWatcher(path string, reload func() error) (*filterWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &filterWatcher{
		watcher: w,
		path:    abs,
		reload:  reload,
		delay:   reloadDelay,
	}, nil
}

func (fw *filterWatcher) run(ctx context.Context) {
	defer fw.watcher.Close()

	logger.Infof("Watching %s for changes", fw.path)

	timer := time.NewTimer(fw.delay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != fw.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				timer.Reset(fw.delay)
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("Filter watcher error: %v", err)
		case <-timer.C:
			logger.Infof("Filter file %s changed, reloading", fw.path)
			if err := fw.reload(); err != nil {
				logger.Errorf("Filter reload failed: %v", err)
			}
		}
	}
}
