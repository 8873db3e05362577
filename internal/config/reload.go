package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader watches the config file and applies whitelist edits while the
// server runs. Other sections need a restart.
type Reloader struct {
	config   *Config
	path     string
	watcher  *fsnotify.Watcher
	onReload func()

	// Debouncing
	pending       time.Time
	hasPending    bool
	debounceMu    sync.Mutex
	debounceDelay time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// NewReloader creates a reloader for cfg.File. onReload, if set, runs after
// each successful reload.
func NewReloader(cfg *Config, onReload func()) (*Reloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	path, err := filepath.Abs(cfg.File)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	return &Reloader{
		config:        cfg,
		path:          path,
		watcher:       watcher,
		onReload:      onReload,
		debounceDelay: 100 * time.Millisecond,
		done:          make(chan struct{}),
	}, nil
}

// Start begins watching. The directory is watched rather than the file,
// since editors often replace the file on save.
func (r *Reloader) Start() error {
	if err := r.watcher.Add(filepath.Dir(r.path)); err != nil {
		return err
	}
	go r.eventLoop()
	go r.debounceLoop()
	r.config.Log(1, "ConfigReloader: watching %s for changes", r.path)
	return nil
}

// Stop stops the reloader.
func (r *Reloader) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		close(r.done)
		err = r.watcher.Close()
	})
	return err
}

func (r *Reloader) eventLoop() {
	for {
		select {
		case <-r.done:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.handleEvent(event)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.config.Log(1, "ConfigReloader: watcher error: %v", err)
		}
	}
}

func (r *Reloader) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != r.path {
		return
	}
	r.config.Log(3, "ConfigReloader: event %s on %s", event.Op, event.Name)
	if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
		r.debounceMu.Lock()
		r.pending = time.Now()
		r.hasPending = true
		r.debounceMu.Unlock()
	}
}

func (r *Reloader) debounceLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.debounceMu.Lock()
			due := r.hasPending && time.Since(r.pending) >= r.debounceDelay
			if due {
				r.hasPending = false
			}
			r.debounceMu.Unlock()
			if due {
				r.Reload()
			}
		}
	}
}

// Reload re-reads the whitelist from the file. A file that fails to parse
// leaves the current whitelist in place.
func (r *Reloader) Reload() error {
	fresh := &Config{}
	if err := fresh.loadFile(r.path); err != nil {
		r.config.Log(0, "ConfigReloader: keeping current whitelist, %s did not load: %v", r.path, err)
		return err
	}
	r.config.SetWhitelist(fresh.Whitelist)
	r.config.Log(1, "ConfigReloader: whitelist reloaded (%d collections)", len(fresh.Whitelist))
	if r.onReload != nil {
		r.onReload()
	}
	return nil
}
