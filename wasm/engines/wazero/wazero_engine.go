// Package wazero provides a pure-Go engine backed by the wazero runtime.
// It is the default engine: unlike wasmtime it needs no cgo and no shared
// libraries on the host.
package wazero

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bluele/gcache"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/dlinkwm/wasm-manager/wasm/engines"
	"github.com/dlinkwm/wasm-manager/wasm/hostcall"
	"github.com/dlinkwm/wasm-manager/wasm/interfaces"
)

const engineExtensionName = "wazero"

func init() {
	engines.Register(&wazeroEngine{})
}

type wazeroEngine struct {
	logger       hclog.Logger
	modulesCache gcache.Cache
	hostMethods  *hostcall.Registry

	// compilationCache is shared across the per-instance runtimes so a
	// module recompiled after hot reload only pays for codegen when its
	// bytes actually changed.
	compilationCache wazero.CompilationCache
}

func (e *wazeroEngine) Name() string {
	return engineExtensionName
}

func (e *wazeroEngine) Init(logger hclog.Logger, moduleCache gcache.Cache, hostMethods *hostcall.Registry) {
	e.logger = logger
	e.modulesCache = moduleCache
	e.hostMethods = hostMethods
	e.compilationCache = wazero.NewCompilationCache()
}

// PrePopulateCache precache all wasm modules in specified directory
// and return number of precached modules and error.
func (e *wazeroEngine) PrePopulateCache(modulesDir string) (int, error) {
	if e.modulesCache == nil {
		return 0, fmt.Errorf("unable to pre populate modules: cache is not created")
	}

	var (
		modulesPath            []string
		preCachedModulesNumber int
	)

	err := filepath.Walk(modulesDir, func(path string, info fs.FileInfo, _err error) error {
		if !info.IsDir() && strings.HasSuffix(info.Name(), ".wasm") {
			modulesPath = append(modulesPath, path)
		}

		return nil
	})

	if err != nil {
		return 0, fmt.Errorf("unable to get WASM modules for pre-cache from %s directory: %v",
			modulesDir, err)
	}

	ctx := context.Background()
	loadRuntime := wazero.NewRuntimeWithConfig(ctx, e.runtimeConfig())

	defer loadRuntime.Close(ctx)

	for _, modulePath := range modulesPath {
		moduleBytes, err := loadModuleBytes(loadRuntime, modulePath)
		if err != nil {
			return 0, err
		}

		if err := e.modulesCache.Set(modulePath, moduleBytes); err != nil {
			return 0, fmt.Errorf("unable to cache WASM module (%v)", modulePath)
		}

		preCachedModulesNumber++

		e.logger.Trace("WASM module pre-cached", "module", modulePath)
	}

	return preCachedModulesNumber, nil
}

func (e *wazeroEngine) InstantiateModule(modulePath string) (interfaces.WasmInstance, error) {
	e.logger.Debug("instantiate new module", "module path", modulePath)

	ctx := context.Background()
	runtime := wazero.NewRuntimeWithConfig(ctx, e.runtimeConfig())

	wasi_snapshot_preview1.MustInstantiate(ctx, runtime)

	alloc := hostcall.NewAllocator(hostcall.DefaultHeapBase, hostcall.DefaultHeapSize)

	if err := instantiateHostModule(ctx, runtime, e.hostMethods, alloc, e.logger); err != nil {
		runtime.Close(ctx)

		return nil, errors.Wrapf(engines.ErrInstantiate, "unable to define host imports: %v", err)
	}

	moduleBytes, err := e.getModuleBytes(modulePath)
	if err != nil {
		runtime.Close(ctx)

		return nil, err
	}

	compiledModule, err := runtime.CompileModule(ctx, moduleBytes)
	if err != nil {
		runtime.Close(ctx)

		return nil, errors.Wrapf(engines.ErrCompile, "%s: %v", modulePath, err)
	}

	moduleConfig := wazero.NewModuleConfig().
		WithName(modulePath).
		WithStartFunctions().
		WithStdout(os.Stdout).
		WithStderr(os.Stderr)

	module, err := runtime.InstantiateModule(ctx, compiledModule, moduleConfig)
	if err != nil {
		runtime.Close(ctx)

		return nil, errors.Wrapf(engines.ErrInstantiate, "unable to create new instance from module %s: %v", modulePath, err)
	}

	return &wazeroInstance{
		ctx:     ctx,
		runtime: runtime,
		module:  module,
	}, nil
}

func (e *wazeroEngine) RemoveModule(modulePath string) {
	if e.modulesCache != nil {
		e.modulesCache.Remove(modulePath)
	}
}

func (e *wazeroEngine) runtimeConfig() wazero.RuntimeConfig {
	runtimeConfig := wazero.NewRuntimeConfig()

	if e.compilationCache != nil {
		runtimeConfig = runtimeConfig.WithCompilationCache(e.compilationCache)
	}

	return runtimeConfig
}

func (e *wazeroEngine) getModuleBytes(modulePath string) ([]byte, error) {
	if e.modulesCache == nil {
		e.logger.Debug("modules cache disabled loading WASM module from file", "module", modulePath)

		moduleBytes, err := os.ReadFile(modulePath)
		if err != nil {
			return nil, errors.Wrapf(engines.ErrModuleRead, "%s: %v", modulePath, err)
		}

		return moduleBytes, nil
	}

	mod, getCacheErr := e.modulesCache.Get(modulePath)
	switch getCacheErr {
	case nil:
		return mod.([]byte), nil
	case gcache.KeyNotFoundError:
		moduleBytes, err := os.ReadFile(modulePath)
		if err != nil {
			e.logger.Error("unable to read WASM module", "error", hclog.Fmt("%+v", err))

			return nil, errors.Wrapf(engines.ErrModuleRead, "%s: %v", modulePath, err)
		}

		if err := e.modulesCache.Set(modulePath, moduleBytes); err != nil {
			e.logger.Error("unable to cache WASM module", "error", hclog.Fmt("%+v", err))

			return nil, fmt.Errorf("unable to cache WASM module: %w", err)
		}

		e.logger.Debug("cached WASM module", "module", modulePath)

		return moduleBytes, nil
	default:
		e.logger.Error("unable to get module from cache", "error", hclog.Fmt("%+v", getCacheErr))

		return nil, fmt.Errorf("unable to get WASM module from cache: %w", getCacheErr)
	}
}

// loadModuleBytes reads and validates a module by compiling it with the
// shared compilation cache, so pre-cached modules skip codegen later.
func loadModuleBytes(runtime wazero.Runtime, modulePath string) ([]byte, error) {
	moduleBytes, err := os.ReadFile(modulePath)
	if err != nil {
		return nil, errors.Wrapf(engines.ErrModuleRead, "%s: %v", modulePath, err)
	}

	compiledModule, err := runtime.CompileModule(context.Background(), moduleBytes)
	if err != nil {
		return nil, errors.Wrapf(engines.ErrCompile, "%s: %v", modulePath, err)
	}

	compiledModule.Close(context.Background())

	return moduleBytes, nil
}
