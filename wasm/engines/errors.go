package engines

import "github.com/pkg/errors"

// Failure classes shared by all engines. Callers match with errors.Is to
// tell apart why a load or call failed; engines wrap these with the
// module path and function name involved.
var (
	// ErrNotFound reports a missing engine or a missing guest export.
	ErrNotFound = errors.New("not found")

	// ErrModuleRead reports that the module file could not be read.
	ErrModuleRead = errors.New("unable to read module file")

	// ErrCompile reports that the module bytes are not a valid module.
	ErrCompile = errors.New("invalid module binary")

	// ErrInstantiate reports that import resolution or instantiation failed.
	ErrInstantiate = errors.New("unable to instantiate module")

	// ErrNotFunction reports that a guest export exists but is not callable.
	ErrNotFunction = errors.New("export is not a function")

	// ErrBadSignature reports that a guest function exists but its
	// signature matches none of the supported calling conventions.
	ErrBadSignature = errors.New("incompatible function signature")
)
