package wasm

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Embedded module ABI. Validation code exports linear memory, an allocator,
// and the entrypoint. The entrypoint returns a packed pointer/length pair
// addressing an output buffer whose first byte is the accept flag; the rest
// is the output payload (accepted) or the rejection reason (rejected).
const (
	exportMemory   = "memory"
	exportAlloc    = "alloc"
	exportValidate = "validate"
)

// WazeroEngine implements Engine on the wazero runtime. Compiled native
// code lands in wazero's on-disk compilation cache under cacheDir, so the
// artifact bytes handed back from Compile are the validated module itself;
// executors recompile from the shared cache at near-zero cost.
type WazeroEngine struct {
	cacheDir string
}

// NewWazeroEngine creates an engine. cacheDir may be empty to disable the
// on-disk compilation cache (tests, precheck-only workers).
func NewWazeroEngine(cacheDir string) *WazeroEngine {
	return &WazeroEngine{cacheDir: cacheDir}
}

// newRuntime builds a runtime that aborts in-flight calls when the context
// is done, so the wall-clock budget cuts off a spinning module.
func (e *WazeroEngine) newRuntime(ctx context.Context) (wazero.Runtime, error) {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if e.cacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(e.cacheDir)
		if err != nil {
			return nil, fmt.Errorf("open compilation cache: %w", err)
		}
		cfg = cfg.WithCompilationCache(cache)
	}
	return wazero.NewRuntimeWithConfig(ctx, cfg), nil
}

// Compile validates and compiles raw code. The returned artifact is the
// module bytes; the native compilation output is persisted in the shared
// cache as a side effect.
func (e *WazeroEngine) Compile(ctx context.Context, code []byte) ([]byte, error) {
	r, err := e.newRuntime(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close(ctx)

	compiled, err := r.CompileModule(ctx, code)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidModule, err)
	}
	if err := checkExports(compiled); err != nil {
		return nil, err
	}

	out := make([]byte, len(code))
	copy(out, code)
	return out, nil
}

// Precheck compiles and instantiates the module, catching construction
// errors that plain compilation misses.
func (e *WazeroEngine) Precheck(ctx context.Context, code []byte) error {
	r, err := e.newRuntime(ctx)
	if err != nil {
		return err
	}
	defer r.Close(ctx)

	compiled, err := r.CompileModule(ctx, code)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrInvalidModule, err)
	}
	if err := checkExports(compiled); err != nil {
		return err
	}

	mod, err := r.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: instantiation: %v", ErrInvalidModule, err)
	}
	return mod.Close(ctx)
}

// Execute runs the artifact's validate export against params.
func (e *WazeroEngine) Execute(ctx context.Context, artifact []byte, params []byte) (Result, error) {
	r, err := e.newRuntime(ctx)
	if err != nil {
		return Result{}, err
	}
	defer r.Close(ctx)

	compiled, err := r.CompileModule(ctx, artifact)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		// The artifact was validated at prepare time; failing here means
		// the blob on disk does not match what was prepared.
		return Result{}, fmt.Errorf("recompile artifact: %w", err)
	}

	mod, err := r.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{Reason: fmt.Sprintf("instantiation trap: %v", err)}, nil
	}
	defer mod.Close(ctx)

	ptr, err := writeParams(ctx, mod, params)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{Reason: fmt.Sprintf("parameter transfer: %v", err)}, nil
	}

	ret, err := mod.ExportedFunction(exportValidate).Call(ctx, uint64(ptr), uint64(len(params)))
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		// A trap is a deterministic property of (artifact, params): the
		// candidate is invalid, not the host at fault.
		return Result{Reason: fmt.Sprintf("validation trap: %v", err)}, nil
	}
	if len(ret) != 1 {
		return Result{Reason: "validate returned no value"}, nil
	}

	outPtr := uint32(ret[0] >> 32)
	outLen := uint32(ret[0])
	if outLen == 0 {
		return Result{Reason: "empty validation output"}, nil
	}
	buf, ok := mod.Memory().Read(outPtr, outLen)
	if !ok {
		return Result{Reason: "validation output out of bounds"}, nil
	}

	out := make([]byte, len(buf))
	copy(out, buf)
	if out[0] == 1 {
		return Result{Accepted: true, Output: out[1:]}, nil
	}
	return Result{Reason: string(out[1:])}, nil
}

// writeParams copies params into the module's linear memory via its
// exported allocator.
func writeParams(ctx context.Context, mod api.Module, params []byte) (uint32, error) {
	if len(params) == 0 {
		return 0, nil
	}
	ret, err := mod.ExportedFunction(exportAlloc).Call(ctx, uint64(len(params)))
	if err != nil {
		return 0, fmt.Errorf("alloc: %w", err)
	}
	if len(ret) != 1 {
		return 0, fmt.Errorf("alloc returned no value")
	}
	ptr := uint32(ret[0])
	if !mod.Memory().Write(ptr, params) {
		return 0, fmt.Errorf("alloc returned out-of-bounds pointer %d", ptr)
	}
	return ptr, nil
}

// checkExports verifies the module exposes the embedded ABI.
func checkExports(compiled wazero.CompiledModule) error {
	fns := compiled.ExportedFunctions()
	if _, ok := fns[exportValidate]; !ok {
		return fmt.Errorf("%w: missing %q export", ErrInvalidModule, exportValidate)
	}
	if _, ok := fns[exportAlloc]; !ok {
		return fmt.Errorf("%w: missing %q export", ErrInvalidModule, exportAlloc)
	}
	return nil
}

// Verify WazeroEngine implements Engine at compile time.
var _ Engine = (*WazeroEngine)(nil)
