package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/dlinkwm/wasm-manager/config"
	"github.com/dlinkwm/wasm-manager/wasm"
	"github.com/dlinkwm/wasm-manager/wasm/engines"
	"github.com/dlinkwm/wasm-manager/wasm/hostcall"

	// Register the available engines.
	_ "github.com/dlinkwm/wasm-manager/wasm/engines/wasmtime"
	_ "github.com/dlinkwm/wasm-manager/wasm/engines/wazero"
)

func main() {
	var (
		modulePath = flag.String("module", "wasm/wasm_test.wasm", "path to the WASM module to call")
		funcName   = flag.String("func", "dlinkwm_print_hello_wasm", "entry function to call")
		engineName = flag.String("engine", "wazero", "engine to run the module with (wazero or wasmtime)")
		configPath = flag.String("config", config.DefaultConfigPath, "path to the TOML config file")
		watchDir   = flag.String("watch", "wasm", "directory to watch for module changes")
		logLevel   = flag.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	)

	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "wasm-manager",
		Level: hclog.LevelFromString(*logLevel),
	})

	if err := run(logger, *modulePath, *funcName, *engineName, *configPath, *watchDir); err != nil {
		logger.Error("exiting with failure", "error", err)
		os.Exit(1)
	}
}

func run(logger hclog.Logger, modulePath, funcName, engineName, configPath, watchDir string) error {
	if configPath == config.DefaultConfigPath {
		if err := config.EnsureDefaultConfig(); err != nil {
			return errors.Wrap(err, "unable to create default config")
		}
	}

	dynamicConfig, err := config.NewDynamicConfig(logger, configPath)
	if err != nil {
		return errors.Wrap(err, "unable to load config")
	}

	if err := dynamicConfig.StartWatching(); err != nil {
		return errors.Wrap(err, "unable to watch config")
	}
	defer dynamicConfig.Stop()

	hostMethods := hostcall.NewRegistry(logger)

	if !hostMethods.Register("custom_greet", hostcall.HandlerFunc(customGreetHandler)) {
		logger.Warn("custom_greet host method is already registered")
	}

	engine, err := engines.Get(engineName)
	if err != nil {
		return err
	}

	cacheConf := dynamicConfig.Current().ModuleCache

	moduleCache, err := wasm.BuildModuleCache(cacheConf)
	if err != nil {
		return errors.Wrap(err, "unable to build module cache")
	}

	engine.Init(logger, moduleCache, hostMethods)

	if moduleCache != nil && cacheConf.PreCache.Enabled {
		preCachedModulesNum, err := engine.PrePopulateCache(cacheConf.PreCache.ModulesDir)
		if err != nil {
			return errors.Wrap(err, "unable to pre populate module cache")
		}

		logger.Info("pre-cached WASM modules", "count", preCachedModulesNum)
	}

	instanceCache := wasm.NewInstanceCache(logger, engine)

	reloader := wasm.NewHotReloader(logger, instanceCache, watchDir)
	if err := reloader.Start(); err != nil {
		logger.Warn("hot reload disabled, unable to watch modules directory", "dir", watchDir, "error", err)
	} else {
		defer reloader.Stop()
	}

	gate := wasm.NewGate(logger, instanceCache, dynamicConfig, true)

	result, err := gate.CallEntry(modulePath, funcName)
	if err != nil {
		return err
	}

	if result != "" {
		logger.Info("entry function returned", "module", modulePath, "function", funcName, "result", result)
	} else {
		logger.Info("entry function completed", "module", modulePath, "function", funcName)
	}

	return nil
}

// customGreetHandler is a sample host method guest modules can invoke
// through universal_invoke. It only speaks JSON.
func customGreetHandler(params []byte, format hostcall.SerializationFormat) (bool, []byte, error) {
	if format != hostcall.FormatJSON {
		return false, []byte(fmt.Sprintf(`{"error":"format %s not supported for custom_greet"}`, format)), nil
	}

	var request struct {
		Data struct {
			Name string `json:"name"`
		} `json:"data"`
	}

	if err := json.Unmarshal(params, &request); err != nil {
		return false, []byte(`{"error":"invalid greet params"}`), nil
	}

	response, err := json.Marshal(fmt.Sprintf("Hello from custom handler, %s!", request.Data.Name))
	if err != nil {
		return false, nil, err
	}

	return true, response, nil
}
