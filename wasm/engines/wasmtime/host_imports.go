package wasmtime

import (
	"github.com/bytecodealliance/wasmtime-go"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/dlinkwm/wasm-manager/wasm/hostcall"
)

// hostImportModule is the import module name guest modules link against.
// The function names and signatures below are part of the guest-visible
// ABI and must not change.
const hostImportModule = "dlinkwm_host"

// callerMemory adapts the caller's exported linear memory to the
// hostcall.GuestMemory interface. Only valid for the duration of a single
// host call.
type callerMemory struct {
	caller *wasmtime.Caller
	memory *wasmtime.Memory
}

func (m *callerMemory) Read(offset, length int32) ([]byte, error) {
	data := m.memory.UnsafeData(m.caller)
	if offset < 0 || length < 0 || int(offset)+int(length) > len(data) {
		return nil, errors.Errorf("guest memory read [%d, %d) out of bounds (memory size %d)",
			offset, offset+length, len(data))
	}

	out := make([]byte, length)
	copy(out, data[offset:offset+length])

	return out, nil
}

func (m *callerMemory) Write(offset int32, data []byte) error {
	memoryData := m.memory.UnsafeData(m.caller)
	if offset < 0 || int(offset)+len(data) > len(memoryData) {
		return errors.Errorf("guest memory write [%d, %d) out of bounds (memory size %d)",
			offset, int(offset)+len(data), len(memoryData))
	}

	copy(memoryData[offset:], data)

	return nil
}

func defineHostImports(linker *wasmtime.Linker, hostMethods *hostcall.Registry, alloc *hostcall.Allocator, logger hclog.Logger) error {
	err := linker.FuncWrap(hostImportModule, "universal_invoke",
		func(caller *wasmtime.Caller, methodNamePtr, methodNameLen, formatType, paramsPtr, paramsLen, retPtr int32) int32 {
			if hostMethods == nil {
				logger.Error("no host method registry wired, unable to dispatch host call")

				return hostcall.InvokeErrNotFound
			}

			memoryExport := caller.GetExport("memory")
			if memoryExport == nil || memoryExport.Memory() == nil {
				logger.Error("guest module exports no memory, unable to dispatch host call")

				return hostcall.InvokeErrNotFound
			}

			mem := &callerMemory{caller: caller, memory: memoryExport.Memory()}

			return hostMethods.Dispatch(mem, methodNamePtr, methodNameLen, formatType, paramsPtr, paramsLen, retPtr)
		})
	if err != nil {
		return err
	}

	err = linker.FuncWrap(hostImportModule, "host_malloc", func(_caller *wasmtime.Caller, size int32) int32 {
		return alloc.Alloc(size)
	})
	if err != nil {
		return err
	}

	return linker.FuncWrap(hostImportModule, "host_free", func(_caller *wasmtime.Caller, ptr int32) {
		alloc.Free(ptr)
	})
}
