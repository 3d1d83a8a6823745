package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

// DynamicConfig serves an immutable configuration snapshot to concurrent
// readers and swaps it wholesale when the backing file changes. A failed
// reload keeps the previous good snapshot authoritative.
type DynamicConfig struct {
	logger     hclog.Logger
	configPath string

	lock    sync.RWMutex
	current *Config

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewDynamicConfig loads the initial configuration from configPath. A
// missing file yields the default (empty allowlist) configuration.
func NewDynamicConfig(logger hclog.Logger, configPath string) (*DynamicConfig, error) {
	cfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, err
	}

	return &DynamicConfig{
		logger:     logger.Named("config"),
		configPath: configPath,
		current:    cfg,
	}, nil
}

// StartWatching begins monitoring the configuration file and reloading
// it on modification. Editors commonly replace files instead of writing
// them in place, so the file's directory is watched and events are
// filtered by name. Failure to set the watch up is returned
// synchronously; reload failures afterwards are logged and the previous
// snapshot stays in effect.
func (d *DynamicConfig) StartWatching() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	configDir := filepath.Dir(d.configPath)

	if err := watcher.Add(configDir); err != nil {
		watcher.Close()

		return err
	}

	d.watcher = watcher
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})

	go d.run()

	d.logger.Info("started watching config file", "path", d.configPath)

	return nil
}

// Stop shuts the watcher down and waits for the watch loop to exit. It
// is a no-op if StartWatching was never called.
func (d *DynamicConfig) Stop() {
	if d.watcher == nil {
		return
	}

	close(d.stopCh)
	<-d.doneCh

	if err := d.watcher.Close(); err != nil {
		d.logger.Error("unable to close config watcher", "error", err)
	}

	d.watcher = nil
}

func (d *DynamicConfig) run() {
	defer close(d.doneCh)

	for {
		select {
		case <-d.stopCh:
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != filepath.Clean(d.configPath) {
				continue
			}

			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}

			d.logger.Info("detected config file change, reloading", "path", d.configPath)
			d.reload()
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}

			d.logger.Error("config watcher error", "error", err)
		}
	}
}

func (d *DynamicConfig) reload() {
	cfg, err := LoadFromFile(d.configPath)
	if err != nil {
		d.logger.Error("unable to reload config, keeping previous snapshot", "error", err)

		return
	}

	d.lock.Lock()
	d.current = cfg
	d.lock.Unlock()

	d.logger.Info("config reloaded", "entry functions", hclog.Fmt("%v", cfg.EntryFunctions))
}

// Current returns the active configuration snapshot. The snapshot is
// never mutated after the swap; callers must not modify it.
func (d *DynamicConfig) Current() *Config {
	d.lock.RLock()
	defer d.lock.RUnlock()

	return d.current
}

// GetEntryFunctionsForFile returns the entry functions permitted for the
// given guest module path, or an empty list if the path has no entry in
// the current snapshot.
func (d *DynamicConfig) GetEntryFunctionsForFile(filePath string) []string {
	snapshot := d.Current()

	functions, found := snapshot.EntryFunctions[filePath]
	if !found {
		return nil
	}

	out := make([]string, len(functions))
	copy(out, functions)

	return out
}
