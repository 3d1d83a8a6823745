package hostcall

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/hashicorp/go-hclog"
)

// Protocol-level return codes of Dispatch. These are distinct from the
// handler-level success flag, which travels inside the response payload.
const (
	InvokeOK          int32 = 0
	InvokeErrNotFound int32 = 1
	InvokeErrFormat   int32 = 2
	InvokeErrExec     int32 = 3
)

// GuestMemory is the view of a guest module's linear memory the protocol
// codec needs: bounded reads and writes at guest-supplied offsets. Each
// engine adapts its own memory primitive to this interface.
type GuestMemory interface {
	Read(offset, length int32) ([]byte, error)
	Write(offset int32, data []byte) error
}

// Dispatch implements the guest-to-host invocation protocol. The guest
// supplies the offsets of a UTF-8 method name and a parameter byte string
// in its linear memory, a serialization format discriminant, and an
// offset to write the response to.
//
// The response layout at retPtr is fixed: 4 bytes handler status
// (unsigned little-endian, 1 = success, 0 = failure), 4 bytes payload
// length (unsigned little-endian), then the payload bytes. Dispatch
// returns InvokeOK whenever a handler ran and its response was written,
// regardless of the handler's own success flag.
func (r *Registry) Dispatch(mem GuestMemory, methodNamePtr, methodNameLen, formatType, paramsPtr, paramsLen, retPtr int32) int32 {
	methodNameBytes, err := mem.Read(methodNamePtr, methodNameLen)
	if err != nil {
		r.logger.Error("unable to read method name from guest memory", "error", err)

		return InvokeErrNotFound
	}

	if !utf8.Valid(methodNameBytes) {
		r.logger.Error("method name is not valid UTF-8")

		return InvokeErrNotFound
	}

	methodName := string(methodNameBytes)

	format, valid := FormatFromDiscriminant(formatType)
	if !valid {
		r.logger.Error("invalid serialization format discriminant", "method", methodName, "discriminant", formatType)

		return InvokeErrFormat
	}

	paramsBytes, err := mem.Read(paramsPtr, paramsLen)
	if err != nil {
		r.logger.Error("unable to read parameters from guest memory", "method", methodName, "error", err)

		return InvokeErrFormat
	}

	handler, found := r.lookup(methodName)
	if !found {
		r.logger.Error("host method not registered", "method", methodName)

		return InvokeErrNotFound
	}

	success, retBytes, err := handler.Invoke(paramsBytes, format)
	if err != nil {
		r.logger.Error("host method handler failed", "method", methodName, "format", format, "error", err)

		return InvokeErrExec
	}

	var status uint32
	if success {
		status = 1
	}

	statusBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(statusBytes, status)

	if err := mem.Write(retPtr, statusBytes); err != nil {
		r.logger.Error("unable to write response status to guest memory", "method", methodName, "error", err)

		return InvokeErrExec
	}

	lenBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBytes, uint32(len(retBytes)))

	if err := mem.Write(retPtr+4, lenBytes); err != nil {
		r.logger.Error("unable to write response length to guest memory", "method", methodName, "error", err)

		return InvokeErrExec
	}

	if err := mem.Write(retPtr+8, retBytes); err != nil {
		r.logger.Error("unable to write response payload to guest memory", "method", methodName, "error", err)

		return InvokeErrExec
	}

	r.logger.Trace("dispatched host method", "method", methodName, "format", format,
		"params", hclog.Fmt("%d bytes", len(paramsBytes)), "response", hclog.Fmt("%d bytes", len(retBytes)))

	return InvokeOK
}
