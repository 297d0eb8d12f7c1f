// Package wasm wraps the WASM compile/run capability behind a narrow
// interface. The host treats the runtime as a black box: compile raw code
// into an artifact, run an artifact against parameters, and classify
// structural failures apart from resource faults.
package wasm

import (
	"context"
	"errors"
)

// ErrInvalidModule wraps reproducible structural compile failures:
// malformed WASM, disallowed instructions, missing exports. These can never
// succeed on retry and are cached as permanent tombstones.
var ErrInvalidModule = errors.New("wasm: invalid module")

// IsInvalidModule reports whether err is a structural compile failure.
func IsInvalidModule(err error) bool {
	return errors.Is(err, ErrInvalidModule)
}

// Result is the outcome of running validation logic to completion.
// A deterministic trap inside the module is a rejection, not an error:
// the code itself decided (or guaranteed) the candidate cannot be valid.
type Result struct {
	// Accepted is true when the validation logic accepted the candidate.
	Accepted bool
	// Output is the validation output payload when accepted.
	Output []byte
	// Reason explains a rejection.
	Reason string
}

// Engine is the compile/run capability used by worker processes.
type Engine interface {
	// Precheck compiles and instantiates code under the stricter
	// pre-upgrade rules. Returns ErrInvalidModule-wrapped errors for
	// structural failures.
	Precheck(ctx context.Context, code []byte) error
	// Compile turns raw code into artifact bytes. Returns
	// ErrInvalidModule-wrapped errors for structural failures; any other
	// error is a host-side fault.
	Compile(ctx context.Context, code []byte) ([]byte, error)
	// Execute runs a compiled artifact against encoded parameters. The
	// context deadline carries the wall-clock budget; a deadline error is
	// returned as such, never folded into the Result.
	Execute(ctx context.Context, artifact []byte, params []byte) (Result, error)
}
