package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/polisai/upsg/pkg/domain"
)

const defaultDebounce = 100 * time.Millisecond

// FileWatcher reloads a pipeline definition whenever its file changes and
// delivers each valid revision to subscribers. Invalid revisions are logged
// and skipped.
type FileWatcher struct {
	path        string
	logger      *slog.Logger
	debounce    time.Duration
	mu          sync.RWMutex
	current     *domain.PipelineSpec
	subscribers []chan *domain.PipelineSpec
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewFileWatcher loads path and starts watching its directory. The initial
// load must succeed.
func NewFileWatcher(path string, logger *slog.Logger) (*FileWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	spec, err := Load(absPath)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors replace files on save, so watch the directory.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &FileWatcher{
		path:     absPath,
		logger:   logger,
		debounce: defaultDebounce,
		current:  spec,
		watcher:  watcher,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go w.watchLoop(ctx)
	return w, nil
}

// Current returns the last valid definition.
func (w *FileWatcher) Current() *domain.PipelineSpec {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Subscribe returns a channel that receives the current definition
// immediately and every later valid revision. Slow subscribers miss
// intermediate revisions.
func (w *FileWatcher) Subscribe() <-chan *domain.PipelineSpec {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan *domain.PipelineSpec, 1)
	w.subscribers = append(w.subscribers, ch)
	ch <- w.current
	return ch
}

// Close stops watching and closes every subscriber channel.
func (w *FileWatcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subscribers {
		close(ch)
	}
	w.subscribers = nil
	return err
}

func (w *FileWatcher) watchLoop(ctx context.Context) {
	defer close(w.done)

	var debounceTimer *time.Timer
	reload := make(chan struct{}, 1)
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(w.debounce, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			}
		case <-reload:
			if err := w.reload(); err != nil {
				w.logger.Error("pipeline reload failed", "path", w.path, "error", err)
			} else {
				w.logger.Info("pipeline reloaded", "path", w.path)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *FileWatcher) reload() error {
	spec, err := Load(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.current = spec
	subscribers := make([]chan *domain.PipelineSpec, len(w.subscribers))
	copy(subscribers, w.subscribers)
	w.mu.Unlock()

	for _, ch := range subscribers {
		// Drop a stale undelivered revision so the newest one wins.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- spec:
		default:
		}
	}
	return nil
}
