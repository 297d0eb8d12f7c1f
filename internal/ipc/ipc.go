// Package ipc implements the framed message protocol between the host and
// its worker processes. Frames are length-prefixed JSON with a hard size
// bound; every frame carries the protocol version so a stale worker binary
// is detected on the first message.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ProtocolVersion is bumped on any incompatible message change.
const ProtocolVersion = 1

// MaxFrameSize bounds a single frame. Covers the largest legitimate payload
// (raw validation code up to the code-size cap, base64 overhead included)
// while keeping a malicious worker from making the host buffer unbounded
// output.
const MaxFrameSize = 16 << 20

// ErrFrameTooLarge is returned when a peer announces an oversized frame.
var ErrFrameTooLarge = errors.New("ipc: frame exceeds size bound")

// ErrProtocolMismatch is returned when a frame carries an unexpected
// protocol version.
var ErrProtocolMismatch = errors.New("ipc: protocol version mismatch")

// MessageKind discriminates frame payloads.
type MessageKind string

const (
	// KindHello is the worker's first frame: its build version handshake.
	KindHello MessageKind = "hello"
	// KindPrepareRequest asks a preparer to compile raw code.
	KindPrepareRequest MessageKind = "prepare_request"
	// KindPrepareResponse reports a compilation result.
	KindPrepareResponse MessageKind = "prepare_response"
	// KindExecuteRequest asks an executor to run a prepared artifact.
	KindExecuteRequest MessageKind = "execute_request"
	// KindExecuteResponse reports an execution result.
	KindExecuteResponse MessageKind = "execute_response"
)

// Envelope is the wire frame: protocol version, message kind, payload.
type Envelope struct {
	Protocol int             `json:"protocol"`
	Kind     MessageKind     `json:"kind"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the envelope payload into dst.
func (e *Envelope) Decode(dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// Send marshals a payload into an envelope and writes it as one frame.
func Send(w io.Writer, kind MessageKind, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return WriteFrame(w, &Envelope{Protocol: ProtocolVersion, Kind: kind, Payload: raw})
}

// WriteFrame writes a single length-prefixed frame.
func WriteFrame(w io.Writer, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads a single frame and verifies its protocol version.
// Returns io.EOF unwrapped when the stream ends cleanly between frames.
func ReadFrame(r io.Reader) (*Envelope, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	size := binary.LittleEndian.Uint32(prefix[:])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	env := &Envelope{}
	if err := json.Unmarshal(body, env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Protocol != ProtocolVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrProtocolMismatch, env.Protocol, ProtocolVersion)
	}
	return env, nil
}
