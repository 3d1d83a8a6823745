package wasm

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInstanceClosed reports a call on an instance entry that was already
// disposed by Invalidate or HotReload. Callers should re-request the
// instance from the cache.
var ErrInstanceClosed = errors.New("instance has been invalidated")

// AuthorizationError reports an entry function call rejected by the
// allowlist. The message names the rejected function and lists the
// permitted set; callers rely on that content for diagnostics.
type AuthorizationError struct {
	FuncName   string
	ModulePath string
	Allowed    []string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("function '%s' is not configured as an entry function for WASM file '%s', allowed functions: %v",
		e.FuncName, e.ModulePath, e.Allowed)
}
