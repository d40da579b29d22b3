// Package observer follows a job's state file from outside the process
// that writes it.
package observer

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hochfrequenz/claude-epic-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/logging"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/statestore"
)

// StateChangeCallback receives the state after a change settled
type StateChangeCallback func(job *domain.JobState)

// StateWatcher calls back with a fresh snapshot whenever the state file is
// rewritten. Writes are atomic renames, so the parent directory is watched
// and events are filtered by name.
type StateWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	callback StateChangeCallback
	logger   *logging.Logger
	debounce time.Duration

	timer *time.Timer
	mu    sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStateWatcher creates a watcher for the state file at path
func NewStateWatcher(path string, callback StateChangeCallback, logger *logging.Logger) (*StateWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	return &StateWatcher{
		path:     filepath.Clean(path),
		watcher:  watcher,
		callback: callback,
		logger:   logger.With("observer"),
		debounce: 500 * time.Millisecond, // a tick usually writes several times
	}, nil
}

// SetDebounce sets how long the file must stay quiet before the callback runs
func (sw *StateWatcher) SetDebounce(d time.Duration) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.debounce = d
}

// Start begins watching for changes
func (sw *StateWatcher) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)

	sw.wg.Add(1)
	go func() {
		defer sw.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sw.watcher.Events:
				if !ok {
					return
				}
				sw.handleEvent(event)
			case err, ok := <-sw.watcher.Errors:
				if !ok {
					return
				}
				sw.logger.Warnf("watch_error path=%s error=%v", sw.path, err)
			}
		}
	}()
}

// Stop stops watching; a pending callback is dropped
func (sw *StateWatcher) Stop() {
	if sw.cancel != nil {
		sw.cancel()
	}
	sw.watcher.Close()
	sw.wg.Wait()

	sw.mu.Lock()
	if sw.timer != nil {
		sw.timer.Stop()
	}
	sw.mu.Unlock()
}

func (sw *StateWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != sw.path {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.timer != nil {
		sw.timer.Stop()
	}
	sw.timer = time.AfterFunc(sw.debounce, sw.flush)
}

func (sw *StateWatcher) flush() {
	job, err := statestore.ReadFile(sw.path)
	if err != nil {
		sw.logger.Debugf("state_unreadable path=%s error=%v", sw.path, err)
		return
	}
	if sw.callback != nil {
		sw.callback(job)
	}
}
