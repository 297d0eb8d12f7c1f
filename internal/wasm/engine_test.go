package wasm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFakeEngine_CompileClassification(t *testing.T) {
	e := NewFakeEngine()
	ctx := context.Background()

	if _, err := e.Compile(ctx, []byte{0x00, 0x61, 0x73, 0x6d, 0x01}); err != nil {
		t.Fatalf("valid preamble should compile: %v", err)
	}

	_, err := e.Compile(ctx, []byte("not wasm at all"))
	if !IsInvalidModule(err) {
		t.Errorf("malformed code should classify as invalid module, got %v", err)
	}
}

func TestFakeEngine_ExecuteOutcomes(t *testing.T) {
	e := NewFakeEngine()
	ctx := context.Background()

	artifact, err := e.Compile(ctx, []byte{0x00, 0x61, 0x73, 0x6d})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	res, err := e.Execute(ctx, artifact, []byte("accept:head-data"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Accepted || string(res.Output) != "head-data" {
		t.Errorf("accept params should accept with output, got %+v", res)
	}

	res, err = e.Execute(ctx, artifact, []byte("reject:bad pov"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Accepted || res.Reason != "bad pov" {
		t.Errorf("reject params should reject with reason, got %+v", res)
	}
}

func TestFakeEngine_ExecuteDeterministic(t *testing.T) {
	e := NewFakeEngine()
	ctx := context.Background()

	artifact, err := e.Compile(ctx, []byte{0x00, 0x61, 0x73, 0x6d})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	first, err := e.Execute(ctx, artifact, []byte("accept:x"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := e.Execute(ctx, artifact, []byte("accept:x"))
		if err != nil {
			t.Fatalf("Execute repeat %d: %v", i, err)
		}
		if again.Accepted != first.Accepted || string(again.Output) != string(first.Output) {
			t.Fatalf("verdict flipped on repeat %d: %+v vs %+v", i, again, first)
		}
	}
}

func TestFakeEngine_DeadlineSurfacesAsContextError(t *testing.T) {
	e := &FakeEngine{ExecuteDelay: 200 * time.Millisecond}

	artifact, err := e.Compile(context.Background(), []byte{0x00, 0x61, 0x73, 0x6d})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = e.Execute(ctx, artifact, []byte("accept:x"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded (never a verdict)", err)
	}
}

func TestFakeEngine_CorruptArtifact(t *testing.T) {
	e := NewFakeEngine()

	_, err := e.Execute(context.Background(), []byte("garbage"), []byte("accept:x"))
	if err == nil {
		t.Error("corrupt artifact must error, not produce a verdict")
	}
}
