package wazero

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/dlinkwm/wasm-manager/wasm/hostcall"
)

// hostImportModule is the import module name guest modules link against.
// The function names and signatures below are part of the guest-visible
// ABI and must not change.
const hostImportModule = "dlinkwm_host"

// moduleMemory adapts wazero's api.Memory to hostcall.GuestMemory.
type moduleMemory struct {
	module api.Module
}

func (m *moduleMemory) Read(offset, length int32) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, errors.Errorf("guest memory read [%d, %d) is invalid", offset, offset+length)
	}

	view, ok := m.module.Memory().Read(uint32(offset), uint32(length))
	if !ok {
		return nil, errors.Errorf("guest memory read [%d, %d) out of bounds (memory size %d)",
			offset, offset+length, m.module.Memory().Size())
	}

	out := make([]byte, length)
	copy(out, view)

	return out, nil
}

func (m *moduleMemory) Write(offset int32, data []byte) error {
	if offset < 0 {
		return errors.Errorf("guest memory write at %d is invalid", offset)
	}

	if !m.module.Memory().Write(uint32(offset), data) {
		return errors.Errorf("guest memory write [%d, %d) out of bounds (memory size %d)",
			offset, int(offset)+len(data), m.module.Memory().Size())
	}

	return nil
}

func instantiateHostModule(ctx context.Context, runtime wazero.Runtime, hostMethods *hostcall.Registry, alloc *hostcall.Allocator, logger hclog.Logger) error {
	builder := runtime.NewHostModuleBuilder(hostImportModule)

	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, module api.Module, stack []uint64) {
			if hostMethods == nil {
				logger.Error("no host method registry wired, unable to dispatch host call")

				stack[0] = api.EncodeI32(hostcall.InvokeErrNotFound)

				return
			}

			mem := &moduleMemory{module: module}

			ret := hostMethods.Dispatch(mem,
				api.DecodeI32(stack[0]), api.DecodeI32(stack[1]), api.DecodeI32(stack[2]),
				api.DecodeI32(stack[3]), api.DecodeI32(stack[4]), api.DecodeI32(stack[5]))

			stack[0] = api.EncodeI32(ret)
		}),
			[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32},
			[]api.ValueType{api.ValueTypeI32}).
		Export("universal_invoke")

	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, _ api.Module, stack []uint64) {
			stack[0] = api.EncodeI32(alloc.Alloc(api.DecodeI32(stack[0])))
		}),
			[]api.ValueType{api.ValueTypeI32},
			[]api.ValueType{api.ValueTypeI32}).
		Export("host_malloc")

	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, _ api.Module, stack []uint64) {
			alloc.Free(api.DecodeI32(stack[0]))
		}),
			[]api.ValueType{api.ValueTypeI32},
			[]api.ValueType{}).
		Export("host_free")

	_, err := builder.Instantiate(ctx)

	return err
}
