package wasm

import (
	"unicode/utf8"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/dlinkwm/wasm-manager/config"
	"github.com/dlinkwm/wasm-manager/wasm/interfaces"
)

// Gate is the host-side entry point for calling guest exports. Every
// call is checked against the configured allowlist before dispatch.
type Gate struct {
	logger hclog.Logger
	cache  *InstanceCache
	config *config.DynamicConfig

	// reloadOnCall forces a fresh instance for every authorized call, so
	// callers always run the latest module bytes at the cost of
	// re-instantiation. When false, freshness is left to the hot-reload
	// watcher.
	reloadOnCall bool
}

func NewGate(logger hclog.Logger, cache *InstanceCache, dynamicConfig *config.DynamicConfig, reloadOnCall bool) *Gate {
	return &Gate{
		logger:       logger.Named("gate"),
		cache:        cache,
		config:       dynamicConfig,
		reloadOnCall: reloadOnCall,
	}
}

// CallEntry invokes funcName on the module at modulePath, provided the
// current configuration lists it as an entry function for that path.
//
// Two calling conventions are supported, tried in order: no arguments
// with a single i32 result, treated as a pointer to a null-terminated
// UTF-8 string in guest memory which becomes the returned value; and no
// arguments with no result, which returns the empty string. Anything
// else fails with a descriptive error.
func (g *Gate) CallEntry(modulePath, funcName string) (string, error) {
	entryFunctions := g.config.GetEntryFunctionsForFile(modulePath)

	if !containsString(entryFunctions, funcName) {
		return "", &AuthorizationError{
			FuncName:   funcName,
			ModulePath: modulePath,
			Allowed:    entryFunctions,
		}
	}

	var (
		entry *InstanceEntry
		err   error
	)

	if g.reloadOnCall {
		entry, err = g.cache.HotReload(modulePath)
	} else {
		entry, err = g.cache.GetOrLoad(modulePath)
	}

	if err != nil {
		return "", errors.Wrapf(err, "unable to load module %s", modulePath)
	}

	var out string

	err = entry.Exec(func(instance interfaces.WasmInstance) error {
		result, callErr := instance.CallFunc(funcName)
		if callErr != nil {
			return errors.Wrapf(callErr, "unable to call entry function %s of module %s", funcName, modulePath)
		}

		switch value := result.(type) {
		case nil:
			g.logger.Debug("entry function returned no value", "module", modulePath, "function", funcName)

			return nil
		case int32:
			str, readErr := readCString(instance, value)
			if readErr != nil {
				return errors.Wrapf(readErr, "unable to read string returned by %s of module %s", funcName, modulePath)
			}

			g.logger.Debug("entry function returned string", "module", modulePath, "function", funcName,
				"length", hclog.Fmt("%d bytes", len(str)))

			out = str

			return nil
		default:
			return errors.Errorf("entry function %s of module %s returned unsupported result of type %T",
				funcName, modulePath, result)
		}
	})

	return out, err
}

// readCString reads guest memory byte by byte starting at ptr until a
// zero byte and decodes the result as UTF-8.
func readCString(instance interfaces.WasmInstance, ptr int32) (string, error) {
	var buffer []byte

	for offset := int32(0); ; offset++ {
		chunk, err := instance.GetMemoryRange(ptr+offset, 1)
		if err != nil {
			return "", err
		}

		if chunk[0] == 0 {
			break
		}

		buffer = append(buffer, chunk[0])
	}

	if !utf8.Valid(buffer) {
		return "", errors.Errorf("string at guest memory offset %d is not valid UTF-8", ptr)
	}

	return string(buffer), nil
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}

	return false
}
