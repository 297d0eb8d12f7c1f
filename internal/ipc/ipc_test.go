package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/strandchain/pvfhost/pkg/models"
)

func TestSendReadFrame(t *testing.T) {
	var buf bytes.Buffer

	req := PrepareRequest{
		Code:            []byte{0x00, 0x61, 0x73, 0x6d},
		ArtifactPath:    "/tmp/artifact.tmp",
		CPUBudgetMillis: 60000,
		Precheck:        true,
	}
	if err := Send(&buf, KindPrepareRequest, req); err != nil {
		t.Fatalf("Send: %v", err)
	}

	env, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if env.Kind != KindPrepareRequest {
		t.Errorf("Kind = %q, want %q", env.Kind, KindPrepareRequest)
	}

	var got PrepareRequest
	if err := env.Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got.Code, req.Code) {
		t.Error("code payload did not round-trip")
	}
	if got.ArtifactPath != req.ArtifactPath || !got.Precheck {
		t.Error("request fields did not round-trip")
	}
}

func TestReadFrame_EOFBetweenFrames(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	if err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestReadFrame_TruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	if err := Send(&buf, KindHello, Hello{Version: "1.0.0", Phase: models.PhasePrepare}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()-3]

	_, err := ReadFrame(bytes.NewReader(truncated))
	if err == nil || err == io.EOF {
		t.Errorf("err = %v, want truncation error", err)
	}
}

func TestReadFrame_OversizedAnnouncement(t *testing.T) {
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], MaxFrameSize+1)

	_, err := ReadFrame(bytes.NewReader(prefix[:]))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestReadFrame_ProtocolMismatch(t *testing.T) {
	var buf bytes.Buffer
	env := &Envelope{Protocol: ProtocolVersion + 1, Kind: KindHello}
	if err := WriteFrame(&buf, env); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	_, err := ReadFrame(&buf)
	if !errors.Is(err, ErrProtocolMismatch) {
		t.Errorf("err = %v, want ErrProtocolMismatch", err)
	}
}

func TestPrepareErrorKind_Permanent(t *testing.T) {
	if !PrepareErrInvalid.Permanent() {
		t.Error("invalid WASM must be a permanent failure")
	}
	for _, k := range []PrepareErrorKind{PrepareErrTimeout, PrepareErrMemory, PrepareErrInternal} {
		if k.Permanent() {
			t.Errorf("%q must be transient", k)
		}
	}
}

func TestFrameStream_MultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		if err := Send(&buf, KindExecuteResponse, ExecuteResponse{Result: ExecuteAccepted}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	for i := 0; i < 3; i++ {
		env, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		if env.Kind != KindExecuteResponse {
			t.Errorf("frame %d kind = %q", i, env.Kind)
		}
	}
	if _, err := ReadFrame(&buf); err != io.EOF {
		t.Errorf("after stream end err = %v, want io.EOF", err)
	}
}
