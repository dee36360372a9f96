package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"rai/internal/logger"
)

const reloadDebounce = 500 * time.Millisecond

// Watcher reloads configuration when the file or one of its parents changes
type Watcher struct {
	configPath string
	watched    map[string]bool
	watcher    *fsnotify.Watcher
	onChange   func(*Config)
	stopCh     chan struct{}
	stopOnce   sync.Once
	mu         sync.Mutex
	debounce   *time.Timer
}

// NewWatcher creates a new configuration watcher
func NewWatcher(configPath string, onChange func(*Config)) (*Watcher, error) {
	if configPath == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	files, err := includeChain(configPath)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch directories: some editors delete and recreate files on save
	watched := make(map[string]bool, len(files))
	dirs := make(map[string]bool)
	for _, f := range files {
		watched[f] = true
		dir := filepath.Dir(f)
		if dirs[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
		}
		dirs[dir] = true
	}

	cw := &Watcher{
		configPath: configPath,
		watched:    watched,
		watcher:    watcher,
		onChange:   onChange,
		stopCh:     make(chan struct{}),
	}

	go cw.watch()

	logger.Infof("Config watcher started for: %s (%d files)", configPath, len(files))
	return cw, nil
}

func (cw *Watcher) watch() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}

			name, err := filepath.Abs(event.Name)
			if err != nil || !cw.watched[name] {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				logger.Debugf("Config file changed: %s (op: %s)", event.Name, event.Op)
				cw.debounceReload()
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("Config watcher error: %v", err)

		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) debounceReload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.debounce != nil {
		cw.debounce.Stop()
	}
	cw.debounce = time.AfterFunc(reloadDebounce, func() {
		if err := cw.TriggerReload(); err != nil {
			logger.Errorf("%v", err)
		}
	})
}

// TriggerReload re-reads and validates the configuration, calling onChange
// only for a valid result.
func (cw *Watcher) TriggerReload() error {
	cfg, err := LoadFrom(cw.configPath)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	logger.Infof("Configuration reloaded from %s", cw.configPath)
	if cw.onChange != nil {
		cw.onChange(cfg)
	}
	return nil
}

// Stop stops the watcher and cleans up resources
func (cw *Watcher) Stop() {
	cw.stopOnce.Do(func() {
		cw.mu.Lock()
		if cw.debounce != nil {
			cw.debounce.Stop()
		}
		cw.mu.Unlock()

		close(cw.stopCh)
		cw.watcher.Close()
		logger.Debugf("Config watcher stopped")
	})
}
