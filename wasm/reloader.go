package wasm

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

// moduleExtension is the file suffix the hot reloader reacts to.
const moduleExtension = ".wasm"

// reloadTrigger is the slice of the instance cache the reloader drives.
type reloadTrigger interface {
	HotReload(modulePath string) (*InstanceEntry, error)
}

// HotReloader watches a directory tree for guest module changes and hot
// reloads the corresponding cache entries. Individual reload failures
// are logged and monitoring continues; only closing the watcher (or its
// event channel) stops the loop.
type HotReloader struct {
	logger    hclog.Logger
	cache     reloadTrigger
	watchPath string

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewHotReloader(logger hclog.Logger, cache reloadTrigger, watchPath string) *HotReloader {
	return &HotReloader{
		logger:    logger.Named("hot-reload"),
		cache:     cache,
		watchPath: watchPath,
	}
}

// Start begins watching. Watch setup failure is reported synchronously;
// after that the loop runs until Stop is called or the event channel
// closes. fsnotify watches are not recursive, so every subdirectory is
// added explicitly, including ones created while watching.
func (r *HotReloader) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	err = filepath.Walk(r.watchPath, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if info.IsDir() {
			return watcher.Add(path)
		}

		return nil
	})
	if err != nil {
		watcher.Close()

		return err
	}

	r.watcher = watcher
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	go r.run()

	r.logger.Info("started watching", "path", r.watchPath)

	return nil
}

// Stop shuts the watcher down and waits for the watch loop to exit.
func (r *HotReloader) Stop() {
	if r.watcher == nil {
		return
	}

	close(r.stopCh)
	<-r.doneCh

	if err := r.watcher.Close(); err != nil {
		r.logger.Error("unable to close watcher", "error", err)
	}

	r.watcher = nil
}

func (r *HotReloader) run() {
	defer close(r.doneCh)

	for {
		select {
		case <-r.stopCh:
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

			r.logger.Error("watcher error", "error", err)
		}
	}
}

func (r *HotReloader) handleEvent(event fsnotify.Event) {
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := r.watcher.Add(event.Name); err != nil {
				r.logger.Error("unable to watch new directory", "path", event.Name, "error", err)
			}

			return
		}
	}

	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
		return
	}

	if !strings.HasSuffix(event.Name, moduleExtension) {
		return
	}

	r.logger.Info("detected WASM change", "module", event.Name)

	if _, err := r.cache.HotReload(event.Name); err != nil {
		r.logger.Error("unable to hot reload", "module", event.Name, "error", err)

		return
	}

	r.logger.Info("successfully hot reloaded", "module", event.Name)
}
