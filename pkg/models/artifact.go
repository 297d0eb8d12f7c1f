package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// CodeIdentity is the content hash of raw validation code, hex encoded.
// It is the cache key for prepared artifacts and is immutable once computed.
type CodeIdentity string

// ComputeCodeIdentity hashes raw validation code into its identity.
func ComputeCodeIdentity(code []byte) CodeIdentity {
	sum := sha256.Sum256(code)
	return CodeIdentity(hex.EncodeToString(sum[:]))
}

// Valid returns true if the identity is a well-formed sha256 hex string.
func (c CodeIdentity) Valid() bool {
	if len(c) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(string(c))
	return err == nil
}

// Short returns the first 8 characters of the identity for log output.
func (c CodeIdentity) Short() string {
	if len(c) < 8 {
		return string(c)
	}
	return string(c[:8])
}

// ArtifactState represents the lifecycle state of a prepared artifact.
type ArtifactState string

const (
	// ArtifactStatePreparing indicates a preparation is in flight for this identity.
	ArtifactStatePreparing ArtifactState = "preparing"
	// ArtifactStateReady indicates a compiled artifact is on disk and usable.
	ArtifactStateReady ArtifactState = "ready"
	// ArtifactStateFailedPermanent indicates the code can never compile; cached as a tombstone.
	ArtifactStateFailedPermanent ArtifactState = "failed_permanent"
	// ArtifactStateFailedTransient indicates the last preparation hit a host-side fault.
	ArtifactStateFailedTransient ArtifactState = "failed_transient"
)

// Valid returns true if the state is a known value.
func (s ArtifactState) Valid() bool {
	switch s {
	case ArtifactStatePreparing, ArtifactStateReady, ArtifactStateFailedPermanent, ArtifactStateFailedTransient:
		return true
	default:
		return false
	}
}

// Artifact describes one cache entry: the compiled form of a PVF.
type Artifact struct {
	// Identity is the content hash of the raw validation code.
	Identity CodeIdentity `json:"identity"`
	// State is the current lifecycle state.
	State ArtifactState `json:"state"`
	// Path is the on-disk location of the compiled blob, when Ready.
	Path string `json:"path,omitempty"`
	// SizeBytes is the blob size on disk.
	SizeBytes int64 `json:"size_bytes,omitempty"`
	// Checksum is the sha256 of the blob, hex encoded.
	Checksum string `json:"checksum,omitempty"`
	// FailureReason records why preparation failed, if it did.
	FailureReason string `json:"failure_reason,omitempty"`
	// CreatedAt is when the entry was first installed.
	CreatedAt time.Time `json:"created_at"`
	// LastUsedAt is updated on every execution against this artifact.
	LastUsedAt time.Time `json:"last_used_at"`
}
