package wasm

import (
	"bytes"
	"context"
	"fmt"
	"time"
)

// wasmMagic is the module preamble the fake engine checks for, standing in
// for real structural validation.
var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// artifactPrefix marks blobs produced by the fake engine.
var artifactPrefix = []byte("fakeart:")

// FakeEngine is a deterministic Engine for tests and smoke runs. Code is
// "valid" when it starts with the WASM magic; parameter payloads select the
// execution outcome:
//
//	"accept:<output>"  -> accepted with the given output
//	"reject:<reason>"  -> rejected with the given reason
//	anything else      -> rejected
type FakeEngine struct {
	// CompileDelay stalls Compile/Precheck, for exercising budgets.
	CompileDelay time.Duration
	// ExecuteDelay stalls Execute, for exercising budgets.
	ExecuteDelay time.Duration
}

// NewFakeEngine creates a FakeEngine with no artificial delays.
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{}
}

func (e *FakeEngine) Compile(ctx context.Context, code []byte) ([]byte, error) {
	if err := e.stall(ctx, e.CompileDelay); err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(code, wasmMagic) {
		return nil, fmt.Errorf("%w: bad preamble", ErrInvalidModule)
	}
	return append(append([]byte{}, artifactPrefix...), code...), nil
}

func (e *FakeEngine) Precheck(ctx context.Context, code []byte) error {
	_, err := e.Compile(ctx, code)
	return err
}

func (e *FakeEngine) Execute(ctx context.Context, artifact []byte, params []byte) (Result, error) {
	if err := e.stall(ctx, e.ExecuteDelay); err != nil {
		return Result{}, err
	}
	if !bytes.HasPrefix(artifact, artifactPrefix) {
		return Result{}, fmt.Errorf("recompile artifact: %w", ErrInvalidModule)
	}

	switch {
	case bytes.HasPrefix(params, []byte("accept:")):
		return Result{Accepted: true, Output: params[len("accept:"):]}, nil
	case bytes.HasPrefix(params, []byte("reject:")):
		return Result{Reason: string(params[len("reject:"):])}, nil
	default:
		return Result{Reason: "unrecognized parameters"}, nil
	}
}

// stall sleeps for d or until the context expires.
func (e *FakeEngine) stall(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Verify FakeEngine implements Engine at compile time.
var _ Engine = (*FakeEngine)(nil)
