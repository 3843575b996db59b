package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// signalPollInterval backs up fsnotify on filesystems that drop events.
const signalPollInterval = time.Second

// StopSignalPath returns the file whose creation stops a running orchestrator.
func StopSignalPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".crew", "signals", "stop")
}

// SendStop asks the orchestrator running on projectRoot to stop.
func SendStop(projectRoot string) error {
	path := StopSignalPath(projectRoot)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create signals directory: %w", err)
	}
	return os.WriteFile(path, []byte(time.Now().Format(time.RFC3339)), 0644)
}

// SignalWatcher calls onStop once when the stop file appears. A stop file
// left over from an earlier run is removed at construction.
type SignalWatcher struct {
	path    string
	onStop  func()
	once    sync.Once
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewSignalWatcher starts watching projectRoot's signals directory. When
// fsnotify is unavailable it falls back to polling.
func NewSignalWatcher(projectRoot string, onStop func()) (*SignalWatcher, error) {
	path := StopSignalPath(projectRoot)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create signals directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("clear stale stop signal: %w", err)
	}

	sw := &SignalWatcher{
		path:   path,
		onStop: onStop,
		done:   make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
		} else {
			sw.watcher = watcher
		}
	}

	sw.wg.Add(1)
	go sw.watch()
	return sw, nil
}

func (sw *SignalWatcher) watch() {
	defer sw.wg.Done()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if sw.watcher != nil {
		events = sw.watcher.Events
		errs = sw.watcher.Errors
	}
	ticker := time.NewTicker(signalPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sw.done:
			return
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(event.Name) == filepath.Base(sw.path) && event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				sw.fire()
			}
		case _, ok := <-errs:
			if !ok {
				errs = nil
			}
		case <-ticker.C:
			if _, err := os.Stat(sw.path); err == nil {
				sw.fire()
			}
		}
	}
}

func (sw *SignalWatcher) fire() {
	sw.once.Do(func() {
		os.Remove(sw.path)
		sw.onStop()
	})
}

// Close stops watching. Safe to call once.
func (sw *SignalWatcher) Close() {
	close(sw.done)
	if sw.watcher != nil {
		sw.watcher.Close()
	}
	sw.wg.Wait()
}
