package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/strandchain/pvfhost/internal/ipc"
	"github.com/strandchain/pvfhost/internal/wasm"
	"github.com/strandchain/pvfhost/pkg/models"
)

// startRuntime runs the worker loop over pipes and consumes the hello
// frame, returning the host side of the channel.
func startRuntime(t *testing.T, phase models.WorkerPhase, engine wasm.Engine) (io.WriteCloser, io.Reader) {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	go func() {
		_ = Run(phase, engine, "test", inR, outW)
		outW.Close()
	}()
	t.Cleanup(func() { inW.Close() })

	env, err := ipc.ReadFrame(outR)
	if err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if env.Kind != ipc.KindHello {
		t.Fatalf("first frame = %s, want hello", env.Kind)
	}
	hello := ipc.Hello{}
	if err := env.Decode(&hello); err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	if hello.Version != "test" || hello.Phase != phase {
		t.Fatalf("hello = %+v", hello)
	}
	return inW, outR
}

func roundTrip[T any](t *testing.T, in io.Writer, out io.Reader, kind ipc.MessageKind, payload any, want ipc.MessageKind) T {
	t.Helper()
	if err := ipc.Send(in, kind, payload); err != nil {
		t.Fatalf("send %s: %v", kind, err)
	}
	env, err := ipc.ReadFrame(out)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if env.Kind != want {
		t.Fatalf("response kind = %s, want %s", env.Kind, want)
	}
	var resp T
	if err := env.Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func validCode(t *testing.T) []byte {
	t.Helper()
	return append([]byte{0x00, 0x61, 0x73, 0x6d}, []byte("module body")...)
}

func TestRun_PrepareWritesArtifact(t *testing.T) {
	in, out := startRuntime(t, models.PhasePrepare, wasm.NewFakeEngine())
	artifactPath := filepath.Join(t.TempDir(), "artifact.tmp")

	resp := roundTrip[ipc.PrepareResponse](t, in, out, ipc.KindPrepareRequest, ipc.PrepareRequest{
		Code:            validCode(t),
		ArtifactPath:    artifactPath,
		CPUBudgetMillis: 60_000,
	}, ipc.KindPrepareResponse)

	if !resp.OK {
		t.Fatalf("prepare failed: %s %s", resp.ErrorKind, resp.Error)
	}
	blob, err := os.ReadFile(artifactPath)
	if err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
	sum := sha256.Sum256(blob)
	if got := hex.EncodeToString(sum[:]); got != resp.Checksum {
		t.Errorf("checksum %s does not match on-disk artifact %s", resp.Checksum, got)
	}
	if resp.SizeBytes != int64(len(blob)) {
		t.Errorf("SizeBytes = %d, want %d", resp.SizeBytes, len(blob))
	}
	if resp.Usage.WallTime <= 0 {
		t.Error("usage wall time not recorded")
	}
}

func TestRun_PrepareInvalidModule(t *testing.T) {
	in, out := startRuntime(t, models.PhasePrepare, wasm.NewFakeEngine())

	resp := roundTrip[ipc.PrepareResponse](t, in, out, ipc.KindPrepareRequest, ipc.PrepareRequest{
		Code:         []byte("not wasm at all"),
		ArtifactPath: filepath.Join(t.TempDir(), "artifact.tmp"),
	}, ipc.KindPrepareResponse)

	if resp.OK {
		t.Fatal("malformed code must not prepare")
	}
	if resp.ErrorKind != ipc.PrepareErrInvalid {
		t.Errorf("ErrorKind = %s, want invalid", resp.ErrorKind)
	}
	if !resp.ErrorKind.Permanent() {
		t.Error("invalid module must classify as permanent")
	}
}

func TestRun_PrepareBudgetOverrun(t *testing.T) {
	engine := &wasm.FakeEngine{CompileDelay: time.Second}
	in, out := startRuntime(t, models.PhasePrepare, engine)

	resp := roundTrip[ipc.PrepareResponse](t, in, out, ipc.KindPrepareRequest, ipc.PrepareRequest{
		Code:         validCode(t),
		ArtifactPath: filepath.Join(t.TempDir(), "artifact.tmp"),
		// A one-byte ceiling trips the watchdog on its first sample; the
		// resident set is always past it.
		MemoryCeilingBytes: 1,
	}, ipc.KindPrepareResponse)

	if resp.OK {
		t.Fatal("overrunning prepare must not succeed")
	}
	if resp.ErrorKind != ipc.PrepareErrMemory {
		t.Errorf("ErrorKind = %s, want memory", resp.ErrorKind)
	}
	if resp.ErrorKind.Permanent() {
		t.Error("memory overrun must classify as transient")
	}
}

func TestRun_ExecuteVerdicts(t *testing.T) {
	engine := wasm.NewFakeEngine()
	artifact, err := engine.Compile(context.Background(), validCode(t))
	if err != nil {
		t.Fatalf("compile fixture: %v", err)
	}
	artifactPath := filepath.Join(t.TempDir(), "artifact")
	if err := os.WriteFile(artifactPath, artifact, 0600); err != nil {
		t.Fatal(err)
	}

	in, out := startRuntime(t, models.PhaseExecute, engine)

	accept := roundTrip[ipc.ExecuteResponse](t, in, out, ipc.KindExecuteRequest, ipc.ExecuteRequest{
		ArtifactPath:     artifactPath,
		Params:           []byte("accept:head-data"),
		WallBudgetMillis: 2000,
	}, ipc.KindExecuteResponse)
	if accept.Result != ipc.ExecuteAccepted {
		t.Fatalf("result = %s, want accepted", accept.Result)
	}
	if string(accept.Output) != "head-data" {
		t.Errorf("output = %q", accept.Output)
	}

	reject := roundTrip[ipc.ExecuteResponse](t, in, out, ipc.KindExecuteRequest, ipc.ExecuteRequest{
		ArtifactPath:     artifactPath,
		Params:           []byte("reject:bad state transition"),
		WallBudgetMillis: 2000,
	}, ipc.KindExecuteResponse)
	if reject.Result != ipc.ExecuteRejected {
		t.Fatalf("result = %s, want rejected", reject.Result)
	}
	if reject.Reason != "bad state transition" {
		t.Errorf("reason = %q", reject.Reason)
	}
}

func TestRun_ExecuteWallBudget(t *testing.T) {
	engine := &wasm.FakeEngine{ExecuteDelay: time.Second}
	artifact, err := wasm.NewFakeEngine().Compile(context.Background(), validCode(t))
	if err != nil {
		t.Fatal(err)
	}
	artifactPath := filepath.Join(t.TempDir(), "artifact")
	if err := os.WriteFile(artifactPath, artifact, 0600); err != nil {
		t.Fatal(err)
	}

	in, out := startRuntime(t, models.PhaseExecute, engine)

	resp := roundTrip[ipc.ExecuteResponse](t, in, out, ipc.KindExecuteRequest, ipc.ExecuteRequest{
		ArtifactPath:     artifactPath,
		Params:           []byte("accept:x"),
		WallBudgetMillis: 50,
	}, ipc.KindExecuteResponse)

	if resp.Result != ipc.ExecuteTimedOut {
		t.Fatalf("result = %s, want timed_out", resp.Result)
	}
}

func TestRun_WrongPhaseFrameEndsLoop(t *testing.T) {
	in, out := startRuntime(t, models.PhaseExecute, wasm.NewFakeEngine())

	if err := ipc.Send(in, ipc.KindPrepareRequest, ipc.PrepareRequest{Code: validCode(t)}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := ipc.ReadFrame(out); err == nil {
		t.Fatal("execute worker must not answer a prepare frame")
	}
}

func TestRun_StdinCloseEndsLoopCleanly(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- Run(models.PhaseExecute, wasm.NewFakeEngine(), "test", inR, outW)
	}()
	if _, err := ipc.ReadFrame(outR); err != nil {
		t.Fatalf("read hello: %v", err)
	}

	inW.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("clean stdin close returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker loop did not end after stdin close")
	}
}

func TestClassifyExit(t *testing.T) {
	if got := classifyExit(nil); got.Kind != OutcomeCrashed {
		t.Errorf("clean mid-job exit = %s, want crashed", got.Kind)
	}
	if got := classifyExit(io.ErrUnexpectedEOF); got.Kind != OutcomeCrashed {
		t.Errorf("opaque wait error = %s, want crashed", got.Kind)
	}
}
