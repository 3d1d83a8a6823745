package interfaces

import (
	"github.com/bluele/gcache"
	"github.com/hashicorp/go-hclog"

	"github.com/dlinkwm/wasm-manager/wasm/hostcall"
)

// Engine is the opaque compile/instantiate capability behind the
// instance cache. Implementations register themselves with the engines
// registry at init time and receive their compiled-module cache and the
// host method registry through Init before the first InstantiateModule
// call.
type Engine interface {
	Name() string
	Init(logger hclog.Logger, moduleCache gcache.Cache, hostMethods *hostcall.Registry)
	InstantiateModule(modulePath string) (WasmInstance, error)
	// RemoveModule drops the compiled module for modulePath from the
	// engine's module cache, if cached. Used by hot reload so the next
	// instantiation recompiles from the current file contents.
	RemoveModule(modulePath string)
	// PrePopulateCache compiles every module in modulesDir into the
	// module cache and returns the number of modules cached.
	PrePopulateCache(modulesDir string) (int, error)
}

// WasmInstance is a single instantiated guest module together with its
// private execution context. An instance is not safe for concurrent
// calls; callers serialize access through the cache's instance entry.
type WasmInstance interface {
	CallFunc(funcName string, args ...interface{}) (interface{}, error)
	GetMemoryRange(start int32, size int32) ([]byte, error)
	// Stop interrupts guest execution in flight; the cache calls it when
	// disposing an invalidated instance so a looping guest cannot stall
	// the drain. Cleanup releases the instance's resources afterwards.
	Stop()
	Cleanup()
}
