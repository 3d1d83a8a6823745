package wasmtime

import (
	"github.com/bytecodealliance/wasmtime-go"
	"github.com/pkg/errors"

	"github.com/dlinkwm/wasm-manager/wasm/engines"
)

type wasmtimeInstance struct {
	store    *wasmtime.Store
	instance *wasmtime.Instance
}

func (i *wasmtimeInstance) CallFunc(funcName string, args ...interface{}) (interface{}, error) {
	export := i.instance.GetExport(i.store, funcName)
	if export == nil {
		return nil, errors.Wrapf(engines.ErrNotFound, "no %s export in module", funcName)
	}

	moduleFunc := export.Func()
	if moduleFunc == nil {
		return nil, errors.Wrapf(engines.ErrNotFunction, "export %s", funcName)
	}

	funcType := moduleFunc.Type(i.store)
	if len(funcType.Params()) != len(args) {
		return nil, errors.Wrapf(engines.ErrBadSignature,
			"function %s expects %d arguments, got %d", funcName, len(funcType.Params()), len(args))
	}

	funcResult, err := moduleFunc.Call(i.store, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to call function: %s", funcName)
	}

	return funcResult, nil
}

func (i *wasmtimeInstance) GetMemoryRange(start, size int32) ([]byte, error) {
	memoryExport := i.instance.GetExport(i.store, "memory")
	if memoryExport == nil || memoryExport.Memory() == nil {
		return nil, errors.Wrapf(engines.ErrNotFound, "no memory export in module")
	}

	data := memoryExport.Memory().UnsafeData(i.store)
	if start < 0 || size < 0 || int(start)+int(size) > len(data) {
		return nil, errors.Errorf("memory range [%d, %d) is out of bounds (memory size %d)",
			start, start+size, len(data))
	}

	out := make([]byte, size)
	copy(out, data[start:start+size])

	return out, nil
}

func (i *wasmtimeInstance) Stop() {
	i.store.Engine.IncrementEpoch()
}

func (i *wasmtimeInstance) Cleanup() {}
