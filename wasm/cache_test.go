package wasm

import (
	"sync"
	"testing"
	"time"

	"github.com/bluele/gcache"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlinkwm/wasm-manager/config"
	"github.com/dlinkwm/wasm-manager/wasm/engines"
	"github.com/dlinkwm/wasm-manager/wasm/hostcall"
	"github.com/dlinkwm/wasm-manager/wasm/interfaces"
)

type stubInstance struct {
	lock    sync.Mutex
	memory  []byte
	results map[string]interface{}
	cleaned bool
	stopped bool
}

func (i *stubInstance) CallFunc(funcName string, _args ...interface{}) (interface{}, error) {
	result, found := i.results[funcName]
	if !found {
		return nil, errors.Wrapf(engines.ErrNotFound, "no %s export in module", funcName)
	}

	return result, nil
}

func (i *stubInstance) GetMemoryRange(start, size int32) ([]byte, error) {
	if start < 0 || size < 0 || int(start)+int(size) > len(i.memory) {
		return nil, errors.Errorf("memory range [%d, %d) is out of bounds", start, start+size)
	}

	out := make([]byte, size)
	copy(out, i.memory[start:start+size])

	return out, nil
}

func (i *stubInstance) Stop() {
	i.lock.Lock()
	defer i.lock.Unlock()

	i.stopped = true
}

func (i *stubInstance) Cleanup() {
	i.lock.Lock()
	defer i.lock.Unlock()

	i.cleaned = true
}

func (i *stubInstance) isCleaned() bool {
	i.lock.Lock()
	defer i.lock.Unlock()

	return i.cleaned
}

func (i *stubInstance) isStopped() bool {
	i.lock.Lock()
	defer i.lock.Unlock()

	return i.stopped
}

// stubEngine counts compilations per path, simulating the two-tier
// behavior of real engines: a path compiles once and stays compiled
// until RemoveModule evicts it.
type stubEngine struct {
	lock             sync.Mutex
	compiled         map[string]bool
	compileCount     map[string]int
	instantiateCount int
	instantiateDelay time.Duration
	failWith         error
	makeInstance     func(modulePath string) *stubInstance
}

func newStubEngine() *stubEngine {
	return &stubEngine{
		compiled:     make(map[string]bool),
		compileCount: make(map[string]int),
		makeInstance: func(_modulePath string) *stubInstance {
			return &stubInstance{}
		},
	}
}

func (e *stubEngine) Name() string {
	return "stub"
}

func (e *stubEngine) Init(_logger hclog.Logger, _moduleCache gcache.Cache, _hostMethods *hostcall.Registry) {
}

func (e *stubEngine) InstantiateModule(modulePath string) (interfaces.WasmInstance, error) {
	if e.instantiateDelay > 0 {
		time.Sleep(e.instantiateDelay)
	}

	e.lock.Lock()
	defer e.lock.Unlock()

	if e.failWith != nil {
		return nil, e.failWith
	}

	if !e.compiled[modulePath] {
		e.compiled[modulePath] = true
		e.compileCount[modulePath]++
	}

	e.instantiateCount++

	return e.makeInstance(modulePath), nil
}

func (e *stubEngine) RemoveModule(modulePath string) {
	e.lock.Lock()
	defer e.lock.Unlock()

	delete(e.compiled, modulePath)
}

func (e *stubEngine) PrePopulateCache(_modulesDir string) (int, error) {
	return 0, nil
}

func (e *stubEngine) compiles(modulePath string) int {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.compileCount[modulePath]
}

func (e *stubEngine) instantiations() int {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.instantiateCount
}

func TestGetOrLoadReusesInstance(t *testing.T) {
	engine := newStubEngine()
	cache := NewInstanceCache(hclog.NewNullLogger(), engine)

	first, err := cache.GetOrLoad("a.wasm")
	require.NoError(t, err)

	second, err := cache.GetOrLoad("a.wasm")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, engine.compiles("a.wasm"))
	assert.Equal(t, 1, engine.instantiations())
}

func TestGetOrLoadDistinctPaths(t *testing.T) {
	engine := newStubEngine()
	cache := NewInstanceCache(hclog.NewNullLogger(), engine)

	first, err := cache.GetOrLoad("a.wasm")
	require.NoError(t, err)

	second, err := cache.GetOrLoad("b.wasm")
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, 1, engine.compiles("a.wasm"))
	assert.Equal(t, 1, engine.compiles("b.wasm"))
}

func TestGetOrLoadPropagatesEngineFailure(t *testing.T) {
	engine := newStubEngine()
	engine.failWith = errors.Wrapf(engines.ErrModuleRead, "a.wasm")

	cache := NewInstanceCache(hclog.NewNullLogger(), engine)

	_, err := cache.GetOrLoad("a.wasm")
	require.Error(t, err)
	assert.True(t, errors.Is(err, engines.ErrModuleRead))

	// Failed loads must not leave entries behind.
	engine.failWith = nil

	_, err = cache.GetOrLoad("a.wasm")
	assert.NoError(t, err)
}

func TestHotReloadReplacesInstance(t *testing.T) {
	engine := newStubEngine()
	cache := NewInstanceCache(hclog.NewNullLogger(), engine)

	stale, err := cache.GetOrLoad("a.wasm")
	require.NoError(t, err)

	fresh, err := cache.HotReload("a.wasm")
	require.NoError(t, err)

	assert.NotSame(t, stale, fresh)
	assert.Equal(t, 2, engine.compiles("a.wasm"))

	// The stale entry is disposed once in-flight calls drain, and
	// further calls through it are refused.
	assert.Eventually(t, func() bool {
		return stale.Exec(func(interfaces.WasmInstance) error { return nil }) == ErrInstanceClosed
	}, time.Second, 10*time.Millisecond)

	assert.NoError(t, fresh.Exec(func(interfaces.WasmInstance) error { return nil }))
}

func TestInvalidateIsIdempotent(t *testing.T) {
	engine := newStubEngine()
	cache := NewInstanceCache(hclog.NewNullLogger(), engine)

	// Invalidating a path that was never loaded is a no-op.
	cache.Invalidate("absent.wasm")

	_, err := cache.GetOrLoad("a.wasm")
	require.NoError(t, err)

	cache.Invalidate("a.wasm")
	cache.Invalidate("a.wasm")

	_, err = cache.GetOrLoad("a.wasm")
	require.NoError(t, err)
	assert.Equal(t, 2, engine.compiles("a.wasm"))
}

func TestInvalidateCleansUpInstance(t *testing.T) {
	var instance *stubInstance

	engine := newStubEngine()
	engine.makeInstance = func(_modulePath string) *stubInstance {
		instance = &stubInstance{}

		return instance
	}

	cache := NewInstanceCache(hclog.NewNullLogger(), engine)

	_, err := cache.GetOrLoad("a.wasm")
	require.NoError(t, err)

	cache.Invalidate("a.wasm")

	assert.Eventually(t, instance.isCleaned, time.Second, 10*time.Millisecond)
	assert.True(t, instance.isStopped(), "instance must be interrupted before cleanup")
}

func TestInvalidateInterruptsBusyInstance(t *testing.T) {
	var instance *stubInstance

	engine := newStubEngine()
	engine.makeInstance = func(_modulePath string) *stubInstance {
		instance = &stubInstance{}

		return instance
	}

	cache := NewInstanceCache(hclog.NewNullLogger(), engine)

	entry, err := cache.GetOrLoad("a.wasm")
	require.NoError(t, err)

	// Simulate a guest call that only returns once the engine interrupts
	// it: Exec holds the entry lock until Stop is observed.
	execStarted := make(chan struct{})
	execDone := make(chan error, 1)

	go func() {
		execDone <- entry.Exec(func(interfaces.WasmInstance) error {
			close(execStarted)

			for !instance.isStopped() {
				time.Sleep(time.Millisecond)
			}

			return nil
		})
	}()

	<-execStarted
	cache.Invalidate("a.wasm")

	select {
	case err := <-execDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight call was never interrupted")
	}

	assert.Eventually(t, instance.isCleaned, time.Second, 10*time.Millisecond)
}

func TestConcurrentFirstLoadCompilesOnce(t *testing.T) {
	engine := newStubEngine()
	engine.instantiateDelay = 10 * time.Millisecond

	cache := NewInstanceCache(hclog.NewNullLogger(), engine)

	const workers = 16

	var (
		wg      sync.WaitGroup
		lock    sync.Mutex
		entries = make(map[*InstanceEntry]bool)
	)

	for n := 0; n < workers; n++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			entry, err := cache.GetOrLoad("a.wasm")
			assert.NoError(t, err)

			lock.Lock()
			entries[entry] = true
			lock.Unlock()
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, engine.compiles("a.wasm"))
	assert.Equal(t, 1, engine.instantiations())
	assert.Len(t, entries, 1)
}

func TestBuildModuleCache(t *testing.T) {
	tCases := []struct {
		name           string
		cacheConf      config.CacheConfig
		expectedErrMsg string
		expectedNil    bool
	}{
		{
			name:        "disabled cache",
			cacheConf:   config.CacheConfig{Enabled: false},
			expectedNil: true,
		},
		{
			name:      "lfu cache",
			cacheConf: config.CacheConfig{Enabled: true, Type: gcache.TYPE_LFU, Size: 5},
		},
		{
			name:      "lru cache with expiration",
			cacheConf: config.CacheConfig{Enabled: true, Type: gcache.TYPE_LRU, Size: 5, Expiration: config.ExpirationConfig{Enabled: true, EntryTTL: 600}},
		},
		{
			name:      "arc cache",
			cacheConf: config.CacheConfig{Enabled: true, Type: gcache.TYPE_ARC, Size: 5},
		},
		{
			name:      "simple cache",
			cacheConf: config.CacheConfig{Enabled: true, Type: gcache.TYPE_SIMPLE, Size: 5},
		},
		{
			name:           "unknown cache type",
			cacheConf:      config.CacheConfig{Enabled: true, Type: "fifo", Size: 5},
			expectedErrMsg: "unexpected cache type specified, expected types: [lfu, arc, lru, simple], but specified fifo",
		},
	}

	for _, tCase := range tCases {
		t.Run(tCase.name, func(t *testing.T) {
			moduleCache, err := BuildModuleCache(tCase.cacheConf)

			if tCase.expectedErrMsg != "" {
				assert.EqualError(t, err, tCase.expectedErrMsg)

				return
			}

			assert.NoError(t, err)

			if tCase.expectedNil {
				assert.Nil(t, moduleCache)
			} else {
				assert.NotNil(t, moduleCache)
			}
		})
	}
}
