package wasmtime

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bluele/gcache"
	"github.com/bytecodealliance/wasmtime-go"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/dlinkwm/wasm-manager/wasm/engines"
	"github.com/dlinkwm/wasm-manager/wasm/hostcall"
	"github.com/dlinkwm/wasm-manager/wasm/interfaces"
)

const engineExtensionName = "wasmtime"

func init() {
	engines.Register(&wasmtimeEngine{})
}

type wasmtimeEngine struct {
	logger       hclog.Logger
	modulesCache gcache.Cache
	hostMethods  *hostcall.Registry
}

func (e *wasmtimeEngine) Name() string {
	return engineExtensionName
}

func (e *wasmtimeEngine) Init(logger hclog.Logger, moduleCache gcache.Cache, hostMethods *hostcall.Registry) {
	e.logger = logger
	e.modulesCache = moduleCache
	e.hostMethods = hostMethods
}

// PrePopulateCache precache all wasm modules in specified directory
// and return number of precached modules and error.
func (e *wasmtimeEngine) PrePopulateCache(modulesDir string) (int, error) {
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

	loadEngineConfig := wasmtime.NewConfig()
	loadEngineConfig.SetEpochInterruption(true)
	loadEngine := wasmtime.NewEngineWithConfig(loadEngineConfig)

	for _, modulePath := range modulesPath {
		serModule, err := compileAndSerialize(loadEngine, modulePath)
		if err != nil {
			return 0, err
		}

		if err := e.modulesCache.Set(modulePath, serModule); err != nil {
			return 0, fmt.Errorf("unable to cache WASM module (%v)", modulePath)
		}

		preCachedModulesNumber++

		e.logger.Trace("WASM module pre-cached", "module", modulePath)
	}

	return preCachedModulesNumber, nil
}

func (e *wasmtimeEngine) InstantiateModule(modulePath string) (interfaces.WasmInstance, error) {
	e.logger.Debug("instantiate new module", "module path", modulePath)

	engineConfig := wasmtime.NewConfig()
	engineConfig.SetEpochInterruption(true)

	engine := wasmtime.NewEngineWithConfig(engineConfig)

	store := wasmtime.NewStore(engine)
	store.SetEpochDeadline(1)

	wasiConfig := wasmtime.NewWasiConfig()
	wasiConfig.InheritStdout()
	wasiConfig.InheritStderr()
	store.SetWasi(wasiConfig)

	module, err := e.getModule(store, modulePath)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to get module: %s", modulePath)
	}

	linker := wasmtime.NewLinker(engine)
	if err := linker.DefineWasi(); err != nil {
		return nil, errors.Wrapf(engines.ErrInstantiate, "unable to define WASI imports: %v", err)
	}

	alloc := hostcall.NewAllocator(hostcall.DefaultHeapBase, hostcall.DefaultHeapSize)
	if err := defineHostImports(linker, e.hostMethods, alloc, e.logger); err != nil {
		return nil, errors.Wrapf(engines.ErrInstantiate, "unable to define host imports: %v", err)
	}

	instance, err := linker.Instantiate(store, module)
	if err != nil {
		return nil, errors.Wrapf(engines.ErrInstantiate, "unable to create new instance from module %s: %v", modulePath, err)
	}

	return &wasmtimeInstance{
		store:    store,
		instance: instance,
	}, nil
}

func (e *wasmtimeEngine) RemoveModule(modulePath string) {
	if e.modulesCache != nil {
		e.modulesCache.Remove(modulePath)
	}
}

func (e *wasmtimeEngine) getModule(store *wasmtime.Store, modulePath string) (*wasmtime.Module, error) {
	var (
		err    error
		module *wasmtime.Module
	)

	if e.modulesCache != nil {
		mod, getCacheErr := e.modulesCache.Get(modulePath)
		switch getCacheErr {
		case nil:
			module, err = wasmtime.NewModuleDeserialize(store.Engine, mod.([]byte))
			if err != nil {
				e.logger.Error("unable to deserialize WASM module", "error", hclog.Fmt("%+v", err))

				return nil, errors.Wrapf(engines.ErrCompile, "unable to deserialize WASM module: %v", err)
			}
		case gcache.KeyNotFoundError:
			serModule, loadErr := compileAndSerialize(store.Engine, modulePath)
			if loadErr != nil {
				e.logger.Error("unable to load WASM module", "error", hclog.Fmt("%+v", loadErr))

				return nil, loadErr
			}

			module, err = wasmtime.NewModuleDeserialize(store.Engine, serModule)
			if err != nil {
				return nil, errors.Wrapf(engines.ErrCompile, "unable to deserialize WASM module: %v", err)
			}

			if err := e.modulesCache.Set(modulePath, serModule); err != nil {
				e.logger.Error("unable to cache WASM module", "error", hclog.Fmt("%+v", err))

				return nil, fmt.Errorf("unable to cache WASM module: %w", err)
			}

			e.logger.Debug("cached WASM module", "module", modulePath)
		default:
			e.logger.Error("unable to get module from cache", "error", hclog.Fmt("%+v", getCacheErr))

			return nil, fmt.Errorf("unable to get WASM module from cache: %w", getCacheErr)
		}
	} else {
		e.logger.Debug("modules cache disabled loading WASM module from file", "module", modulePath)

		moduleBytes, readErr := os.ReadFile(modulePath)
		if readErr != nil {
			return nil, errors.Wrapf(engines.ErrModuleRead, "%s: %v", modulePath, readErr)
		}

		module, err = wasmtime.NewModule(store.Engine, moduleBytes)
		if err != nil {
			e.logger.Error("unable to compile WASM module", "error", hclog.Fmt("%+v", err))

			return nil, errors.Wrapf(engines.ErrCompile, "%s: %v", modulePath, err)
		}
	}

	return module, nil
}

func compileAndSerialize(engine *wasmtime.Engine, modulePath string) ([]byte, error) {
	moduleBytes, err := os.ReadFile(modulePath)
	if err != nil {
		return nil, errors.Wrapf(engines.ErrModuleRead, "%s: %v", modulePath, err)
	}

	module, err := wasmtime.NewModule(engine, moduleBytes)
	if err != nil {
		return nil, errors.Wrapf(engines.ErrCompile, "%s: %v", modulePath, err)
	}

	serModule, err := module.Serialize()
	if err != nil {
		return nil, errors.Wrapf(engines.ErrCompile, "unable to serialize WASM module %s: %v", modulePath, err)
	}

	return serModule, nil
}
