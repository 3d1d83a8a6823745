// Package wasm manages guest module instances for a long-running host:
// a two-tier module/instance cache, a filesystem hot-reload watcher and
// the allowlist-gated invocation entry point.
package wasm

import (
	"fmt"
	"sync"
	"time"

	"github.com/bluele/gcache"
	"github.com/hashicorp/go-hclog"

	"github.com/dlinkwm/wasm-manager/config"
	"github.com/dlinkwm/wasm-manager/wasm/interfaces"
)

// InstanceEntry pairs an instantiated module with the lock serializing
// access to its execution context. The context is not safe for two
// threads; every call runs under the entry's write lock.
type InstanceEntry struct {
	lock     sync.RWMutex
	closed   bool
	instance interfaces.WasmInstance
}

// Exec runs fn with exclusive access to the instance. It fails with
// ErrInstanceClosed if the entry was disposed after the caller obtained
// it.
func (e *InstanceEntry) Exec(fn func(interfaces.WasmInstance) error) error {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.closed {
		return ErrInstanceClosed
	}

	return fn(e.instance)
}

// dispose interrupts the instance, waits for in-flight calls to drain,
// then releases it. Stop runs before the lock is taken so a guest stuck
// in a long or infinite loop is kicked out instead of holding the drain
// forever. Runs off the caller's goroutine so Invalidate never blocks
// behind a guest call.
func (e *InstanceEntry) dispose() {
	e.instance.Stop()

	e.lock.Lock()
	defer e.lock.Unlock()

	if e.closed {
		return
	}

	e.closed = true
	e.instance.Cleanup()
}

// InstanceCache keeps at most one live instance per module path on top
// of the engine's compiled-module cache. Instances are replaced, never
// mutated: invalidation detaches the old entry and the next load builds
// a fresh one.
type InstanceCache struct {
	logger hclog.Logger
	engine interfaces.Engine

	lock      sync.RWMutex
	instances map[string]*InstanceEntry
}

func NewInstanceCache(logger hclog.Logger, engine interfaces.Engine) *InstanceCache {
	return &InstanceCache{
		logger:    logger.Named("instance-cache"),
		engine:    engine,
		instances: make(map[string]*InstanceEntry),
	}
}

// GetOrLoad returns the cached instance for modulePath, instantiating it
// on a miss. The read-check / compile / insert sequence is a single
// critical section: concurrent first loads of the same path compile
// exactly once.
func (c *InstanceCache) GetOrLoad(modulePath string) (*InstanceEntry, error) {
	c.lock.RLock()
	entry, found := c.instances[modulePath]
	c.lock.RUnlock()

	if found {
		return entry, nil
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	if entry, found := c.instances[modulePath]; found {
		return entry, nil
	}

	instance, err := c.engine.InstantiateModule(modulePath)
	if err != nil {
		return nil, err
	}

	entry = &InstanceEntry{instance: instance}
	c.instances[modulePath] = entry

	c.logger.Debug("cached new instance", "module", modulePath)

	return entry, nil
}

// Invalidate removes both the compiled module and the instance for
// modulePath from cache, if present. Invalidating an uncached path is a
// no-op. Holders of the old entry may finish their in-flight call; the
// entry is released once they drain.
func (c *InstanceCache) Invalidate(modulePath string) {
	c.lock.Lock()
	entry, found := c.instances[modulePath]
	delete(c.instances, modulePath)
	c.lock.Unlock()

	c.engine.RemoveModule(modulePath)

	if found {
		go entry.dispose()

		c.logger.Debug("invalidated cache entry", "module", modulePath)
	}
}

// HotReload invalidates modulePath and rebuilds it from the current file
// contents. Handles returned before this call are stale and are never
// handed out again.
func (c *InstanceCache) HotReload(modulePath string) (*InstanceEntry, error) {
	c.Invalidate(modulePath)

	return c.GetOrLoad(modulePath)
}

// BuildModuleCache constructs the compiled-module cache an engine is
// initialized with from the module cache configuration. Returns nil when
// the cache is disabled.
func BuildModuleCache(cacheConf config.CacheConfig) (gcache.Cache, error) {
	if !cacheConf.Enabled {
		return nil, nil
	}

	cacheBuilder := gcache.New(cacheConf.Size)

	if cacheConf.Expiration.Enabled {
		cacheBuilder.Expiration(time.Second * time.Duration(cacheConf.Expiration.EntryTTL))
	}

	switch cacheConf.Type {
	case gcache.TYPE_LFU:
		cacheBuilder.LFU()
	case gcache.TYPE_ARC:
		cacheBuilder.ARC()
	case gcache.TYPE_LRU:
		cacheBuilder.LRU()
	case gcache.TYPE_SIMPLE:
		cacheBuilder.Simple()
	default:
		return nil, fmt.Errorf("unexpected cache type specified, expected types: [lfu, arc, lru, simple], but specified %s",
			cacheConf.Type)
	}

	return cacheBuilder.Build(), nil
}
