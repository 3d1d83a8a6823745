package wazero

import (
	"context"

	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/dlinkwm/wasm-manager/wasm/engines"
)

type wazeroInstance struct {
	ctx     context.Context
	runtime wazero.Runtime
	module  api.Module
}

func (i *wazeroInstance) CallFunc(funcName string, args ...interface{}) (interface{}, error) {
	moduleFunc := i.module.ExportedFunction(funcName)
	if moduleFunc == nil {
		return nil, errors.Wrapf(engines.ErrNotFound, "no %s export in module", funcName)
	}

	definition := moduleFunc.Definition()

	paramTypes := definition.ParamTypes()
	if len(paramTypes) != len(args) {
		return nil, errors.Wrapf(engines.ErrBadSignature,
			"function %s expects %d arguments, got %d", funcName, len(paramTypes), len(args))
	}

	rawArgs := make([]uint64, len(args))

	for n, arg := range args {
		switch value := arg.(type) {
		case int32:
			rawArgs[n] = api.EncodeI32(value)
		case int64:
			rawArgs[n] = api.EncodeI64(value)
		default:
			return nil, errors.Wrapf(engines.ErrBadSignature,
				"function %s: unsupported argument type %T", funcName, arg)
		}
	}

	rawResults, err := moduleFunc.Call(i.ctx, rawArgs...)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to call function: %s", funcName)
	}

	resultTypes := definition.ResultTypes()

	switch len(resultTypes) {
	case 0:
		return nil, nil
	case 1:
		switch resultTypes[0] {
		case api.ValueTypeI32:
			return api.DecodeI32(rawResults[0]), nil
		case api.ValueTypeI64:
			return int64(rawResults[0]), nil
		case api.ValueTypeF32:
			return api.DecodeF32(rawResults[0]), nil
		case api.ValueTypeF64:
			return api.DecodeF64(rawResults[0]), nil
		default:
			return rawResults[0], nil
		}
	default:
		return rawResults, nil
	}
}

func (i *wazeroInstance) GetMemoryRange(start, size int32) ([]byte, error) {
	memory := i.module.Memory()
	if memory == nil {
		return nil, errors.Wrapf(engines.ErrNotFound, "no memory export in module")
	}

	if start < 0 || size < 0 {
		return nil, errors.Errorf("memory range [%d, %d) is invalid", start, start+size)
	}

	view, ok := memory.Read(uint32(start), uint32(size))
	if !ok {
		return nil, errors.Errorf("memory range [%d, %d) is out of bounds (memory size %d)",
			start, start+size, memory.Size())
	}

	out := make([]byte, size)
	copy(out, view)

	return out, nil
}

func (i *wazeroInstance) Stop() {
	_ = i.module.CloseWithExitCode(i.ctx, 1)
}

func (i *wazeroInstance) Cleanup() {
	_ = i.runtime.Close(i.ctx)
}
