// Package hostcall implements the universal invocation interface: the
// registry of host methods callable from guest modules and the wire
// protocol used to dispatch those calls across the guest memory boundary.
package hostcall

import (
	"sync"

	"github.com/hashicorp/go-hclog"
)

// SerializationFormat identifies the encoding of the parameter and
// response byte strings exchanged with a host method. The payload is
// opaque to the dispatch layer; the format is a contract between a
// handler and its caller.
type SerializationFormat int32

const (
	FormatJSON SerializationFormat = iota
	FormatBincode
	FormatProtobuf
	FormatFlatBuffers
)

func (f SerializationFormat) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatBincode:
		return "bincode"
	case FormatProtobuf:
		return "protobuf"
	case FormatFlatBuffers:
		return "flatbuffers"
	default:
		return "unknown"
	}
}

// FormatFromDiscriminant maps a wire discriminant to a SerializationFormat.
// Discriminant values are part of the guest-visible protocol and must not
// be renumbered.
func FormatFromDiscriminant(value int32) (SerializationFormat, bool) {
	switch value {
	case 0, 1, 2, 3:
		return SerializationFormat(value), true
	default:
		return 0, false
	}
}

// Handler processes a single host method invocation. It receives the raw
// parameter bytes and the format they are encoded in, and returns the
// handler-level success flag together with the serialized response.
// Handlers that do not support the requested format must return
// success=false (or an error) instead of attempting to decode.
type Handler interface {
	Invoke(params []byte, format SerializationFormat) (bool, []byte, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(params []byte, format SerializationFormat) (bool, []byte, error)

func (f HandlerFunc) Invoke(params []byte, format SerializationFormat) (bool, []byte, error) {
	return f(params, format)
}

// Registry holds the host methods exposed to guest modules. It is safe
// for concurrent use; registration, removal and lookups performed during
// dispatch are mutually exclusive. Construct one per host process (or per
// test) and pass it to the engines at Init time.
type Registry struct {
	logger  hclog.Logger
	lock    sync.RWMutex
	methods map[string]Handler
}

func NewRegistry(logger hclog.Logger) *Registry {
	return &Registry{
		logger:  logger.Named("hostcall"),
		methods: make(map[string]Handler),
	}
}

// Register adds a host method under the given name. It returns true if
// the method was newly registered, false if the name is already taken;
// an existing handler is never replaced.
func (r *Registry) Register(methodName string, handler Handler) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, found := r.methods[methodName]; found {
		return false
	}

	r.methods[methodName] = handler
	r.logger.Debug("registered host method", "method", methodName)

	return true
}

// Unregister removes a host method. It returns true if an entry existed
// and was removed.
func (r *Registry) Unregister(methodName string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, found := r.methods[methodName]; !found {
		return false
	}

	delete(r.methods, methodName)
	r.logger.Debug("unregistered host method", "method", methodName)

	return true
}

// Has reports whether a host method with the given name is registered.
func (r *Registry) Has(methodName string) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()

	_, found := r.methods[methodName]

	return found
}

func (r *Registry) lookup(methodName string) (Handler, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	handler, found := r.methods[methodName]

	return handler, found
}
