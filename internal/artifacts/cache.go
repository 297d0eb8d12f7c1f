package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/strandchain/pvfhost/pkg/models"
)

// ErrChecksumMismatch marks a blob whose contents do not match the checksum
// the preparer reported. The blob is discarded, never installed.
var ErrChecksumMismatch = errors.New("artifact checksum mismatch")

// ErrNotPreparing is returned when Install or MarkFailed target an identity
// that has no preparation in flight.
var ErrNotPreparing = errors.New("no preparation in flight for identity")

// Cache is the artifact cache: compiled blobs on disk under one directory,
// indexed by code identity. All state transitions go through the cache so
// the in-memory view, the index database, and the blob directory never
// disagree for longer than one crash window.
//
// Pinning keeps an entry's blob on disk while executions use it; eviction
// skips pinned entries. Permanent preparation failures are cached as
// tombstones so hostile code is rejected from the index without re-running
// the compiler.
type Cache struct {
	dir          string
	limitBytes   int64
	limitEntries int
	index        *Index

	mu      sync.RWMutex
	entries map[models.CodeIdentity]*entry
}

type entry struct {
	artifact models.Artifact
	pins     int
	// flight is non-nil exactly while the entry is Preparing; it is closed
	// when the preparation concludes so coalesced waiters can re-check.
	flight chan struct{}
}

// closeFlight wakes everyone waiting on this entry's preparation.
func (e *entry) closeFlight() {
	if e.flight != nil {
		close(e.flight)
		e.flight = nil
	}
}

// CacheStats is a point-in-time summary for diagnostics.
type CacheStats struct {
	// Ready is the number of usable compiled artifacts.
	Ready int `json:"ready"`
	// Preparing is the number of in-flight preparations.
	Preparing int `json:"preparing"`
	// Tombstones is the number of cached permanent failures.
	Tombstones int `json:"tombstones"`
	// ReadyBytes is the total size of ready blobs on disk.
	ReadyBytes int64 `json:"ready_bytes"`
	// LimitBytes is the configured size ceiling, 0 when unlimited.
	LimitBytes int64 `json:"limit_bytes"`
}

// Open opens the cache at dir, enforcing limitBytes and limitEntries
// across ready blobs (0 means unlimited). Entries recorded by a previous
// run are revalidated: ready blobs are re-hashed against their stored
// checksum and dropped on any mismatch, and entries from interrupted
// preparations are discarded.
func Open(dir string, limitBytes int64, limitEntries int) (*Cache, error) {
	idx, err := OpenIndex(dir)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		dir:          dir,
		limitBytes:   limitBytes,
		limitEntries: limitEntries,
		index:        idx,
		entries:      make(map[models.CodeIdentity]*entry),
	}
	if err := c.revalidate(); err != nil {
		idx.Close()
		return nil, err
	}
	return c, nil
}

// revalidate reloads the index and verifies every ready blob on disk.
func (c *Cache) revalidate() error {
	records, err := c.index.List()
	if err != nil {
		return err
	}

	for _, a := range records {
		switch a.State {
		case models.ArtifactStateReady:
			if err := verifyBlob(a.Path, a.Checksum, a.SizeBytes); err != nil {
				log.Printf("[cache] dropping %s: %v", a.Identity.Short(), err)
				os.Remove(a.Path)
				if err := c.index.Delete(a.Identity); err != nil {
					return err
				}
				continue
			}
			c.entries[a.Identity] = &entry{artifact: *a}

		case models.ArtifactStateFailedPermanent:
			c.entries[a.Identity] = &entry{artifact: *a}

		default:
			// Preparing and transient-failure rows are stale after a restart;
			// the next request starts a fresh preparation.
			if err := c.index.Delete(a.Identity); err != nil {
				return err
			}
		}
	}

	c.sweepStrays()

	log.Printf("[cache] opened %s: %d ready, %d tombstones", c.dir, c.countState(models.ArtifactStateReady), c.countState(models.ArtifactStateFailedPermanent))
	return nil
}

// sweepStrays removes blob and temp files the index does not account for:
// leftovers from interrupted preparations and blobs whose rows were
// dropped. Anything else in the directory (the index database, engine
// cache subdirectories) is left alone.
func (c *Cache) sweepStrays() {
	dirents, err := os.ReadDir(c.dir)
	if err != nil {
		log.Printf("[cache] sweep: %v", err)
		return
	}

	for _, d := range dirents {
		if d.IsDir() {
			continue
		}
		name := d.Name()
		switch {
		case strings.HasPrefix(name, "prepare-") && strings.HasSuffix(name, ".tmp"):
		case strings.HasSuffix(name, ".blob"):
			id := models.CodeIdentity(strings.TrimSuffix(name, ".blob"))
			if _, ok := c.entries[id]; ok {
				continue
			}
		default:
			continue
		}

		log.Printf("[cache] removing stray file %s", name)
		if err := os.Remove(filepath.Join(c.dir, name)); err != nil {
			log.Printf("[cache] remove stray %s: %v", name, err)
		}
	}
}

// verifyBlob re-hashes a blob and checks size and checksum.
func verifyBlob(path, checksum string, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open blob: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return fmt.Errorf("hash blob: %w", err)
	}
	if n != size {
		return fmt.Errorf("blob size %d, recorded %d", n, size)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != checksum {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, got[:8])
	}
	return nil
}

// Close closes the index. Blobs stay on disk for the next run.
func (c *Cache) Close() error {
	return c.index.Close()
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Lookup returns the entry for an identity, if any.
func (c *Cache) Lookup(identity models.CodeIdentity) (models.Artifact, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[identity]
	if !ok {
		return models.Artifact{}, false
	}
	return e.artifact, true
}

// BeginPreparing claims an identity for preparation. When no usable entry
// exists the identity transitions to Preparing and claimed is true: the
// caller owns the preparation and must finish with Install or MarkFailed.
// Otherwise the existing entry is returned so the caller can coalesce onto
// the in-flight preparation or use the cached result; for a Preparing
// entry the returned channel is closed when that preparation concludes.
// Claim and channel registration happen under one lock, so an observer of
// a Preparing entry always gets a channel to wait on.
func (c *Cache) BeginPreparing(identity models.CodeIdentity) (models.Artifact, bool, <-chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[identity]; ok && e.artifact.State != models.ArtifactStateFailedTransient {
		return e.artifact, false, e.flight, nil
	}

	now := time.Now()
	a := models.Artifact{
		Identity:   identity,
		State:      models.ArtifactStatePreparing,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	if err := c.index.Upsert(&a); err != nil {
		return models.Artifact{}, false, nil, err
	}
	e := &entry{artifact: a, flight: make(chan struct{})}
	c.entries[identity] = e
	return a, true, e.flight, nil
}

// TempArtifactPath returns a fresh path inside the cache directory for a
// preparer to write into. Keeping it on the same filesystem as the blob
// directory makes the final install a single rename.
func (c *Cache) TempArtifactPath(identity models.CodeIdentity) string {
	return filepath.Join(c.dir, fmt.Sprintf("prepare-%s-%d.tmp", identity.Short(), time.Now().UnixNano()))
}

// blobPath is the installed location for an identity's compiled blob.
func (c *Cache) blobPath(identity models.CodeIdentity) string {
	return filepath.Join(c.dir, string(identity)+".blob")
}

// Install atomically promotes a preparer-written temp file into the cache.
// The file is re-hashed against the checksum the preparer reported; a
// mismatch discards the blob and fails the install. On success the entry
// becomes Ready and oversize eviction runs.
func (c *Cache) Install(identity models.CodeIdentity, tmpPath, checksum string, size int64) (models.Artifact, error) {
	if err := verifyBlob(tmpPath, checksum, size); err != nil {
		os.Remove(tmpPath)
		return models.Artifact{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[identity]
	if !ok || e.artifact.State != models.ArtifactStatePreparing {
		os.Remove(tmpPath)
		return models.Artifact{}, fmt.Errorf("%w: %s", ErrNotPreparing, identity.Short())
	}

	dst := c.blobPath(identity)
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return models.Artifact{}, fmt.Errorf("install blob: %w", err)
	}

	e.artifact.State = models.ArtifactStateReady
	e.artifact.Path = dst
	e.artifact.SizeBytes = size
	e.artifact.Checksum = checksum
	e.artifact.LastUsedAt = time.Now()
	e.closeFlight()
	if err := c.index.Upsert(&e.artifact); err != nil {
		return models.Artifact{}, err
	}

	c.evictLocked()
	log.Printf("[cache] installed %s (%d bytes)", identity.Short(), size)
	return e.artifact, nil
}

// MarkFailed records a preparation failure. Permanent failures become
// tombstones that persist across restarts; transient failures leave the
// entry reclaimable so a later request retries from scratch.
func (c *Cache) MarkFailed(identity models.CodeIdentity, permanent bool, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[identity]
	if !ok || e.artifact.State != models.ArtifactStatePreparing {
		return fmt.Errorf("%w: %s", ErrNotPreparing, identity.Short())
	}

	e.artifact.FailureReason = reason
	e.artifact.LastUsedAt = time.Now()
	if permanent {
		e.artifact.State = models.ArtifactStateFailedPermanent
	} else {
		e.artifact.State = models.ArtifactStateFailedTransient
	}
	e.closeFlight()
	return c.index.Upsert(&e.artifact)
}

// Pin returns a Ready artifact and protects its blob from eviction until
// the matching Unpin. Executions pin for their whole duration; an evicted
// blob under a running execution would fail it for a host-side reason.
func (c *Cache) Pin(identity models.CodeIdentity) (models.Artifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[identity]
	if !ok || e.artifact.State != models.ArtifactStateReady {
		return models.Artifact{}, false
	}
	e.pins++
	return e.artifact, true
}

// Unpin releases one pin and refreshes the entry's recency.
func (c *Cache) Unpin(identity models.CodeIdentity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[identity]
	if !ok {
		return
	}
	if e.pins > 0 {
		e.pins--
	}
	e.artifact.LastUsedAt = time.Now()
	if err := c.index.Touch(identity, e.artifact.LastUsedAt); err != nil {
		log.Printf("[cache] touch %s: %v", identity.Short(), err)
	}
}

// Demote drops a Ready entry whose blob was removed or rewritten from
// under the cache. The blob is re-hashed first, so an event raced by a
// reinstall leaves an intact entry alone. Pinned entries are skipped: the
// in-flight execution read the file before the change, and restart
// revalidation catches anything a pin shielded.
func (c *Cache) Demote(identity models.CodeIdentity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[identity]
	if !ok || e.artifact.State != models.ArtifactStateReady || e.pins > 0 {
		return
	}
	if err := verifyBlob(e.artifact.Path, e.artifact.Checksum, e.artifact.SizeBytes); err == nil {
		return
	}

	log.Printf("[cache] blob for %s removed or rewritten externally, demoting", identity.Short())
	os.Remove(e.artifact.Path)
	delete(c.entries, identity)
	if err := c.index.Delete(identity); err != nil {
		log.Printf("[cache] delete index row %s: %v", identity.Short(), err)
	}
}

// evictLocked removes least-recently-used unpinned Ready entries until the
// ready set fits the size and count limits. Callers hold c.mu.
func (c *Cache) evictLocked() {
	if c.limitBytes <= 0 && c.limitEntries <= 0 {
		return
	}

	for c.overLimitLocked() {
		victim := c.oldestEvictableLocked()
		if victim == nil {
			// Everything over the limit is pinned; try again after Unpin.
			return
		}

		log.Printf("[cache] evicting %s (%d bytes, last used %s)",
			victim.artifact.Identity.Short(), victim.artifact.SizeBytes,
			victim.artifact.LastUsedAt.Format(time.RFC3339))
		os.Remove(victim.artifact.Path)
		delete(c.entries, victim.artifact.Identity)
		if err := c.index.Delete(victim.artifact.Identity); err != nil {
			log.Printf("[cache] delete index row %s: %v", victim.artifact.Identity.Short(), err)
		}
	}
}

func (c *Cache) oldestEvictableLocked() *entry {
	var victim *entry
	for _, e := range c.entries {
		if e.artifact.State != models.ArtifactStateReady || e.pins > 0 {
			continue
		}
		if victim == nil || e.artifact.LastUsedAt.Before(victim.artifact.LastUsedAt) {
			victim = e
		}
	}
	return victim
}

func (c *Cache) overLimitLocked() bool {
	if c.limitBytes > 0 && c.readyBytesLocked() > c.limitBytes {
		return true
	}
	if c.limitEntries > 0 && c.countState(models.ArtifactStateReady) > c.limitEntries {
		return true
	}
	return false
}

func (c *Cache) readyBytesLocked() int64 {
	var total int64
	for _, e := range c.entries {
		if e.artifact.State == models.ArtifactStateReady {
			total += e.artifact.SizeBytes
		}
	}
	return total
}

func (c *Cache) countState(s models.ArtifactState) int {
	n := 0
	for _, e := range c.entries {
		if e.artifact.State == s {
			n++
		}
	}
	return n
}

// Stats returns a point-in-time summary.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{
		Ready:      c.countState(models.ArtifactStateReady),
		Preparing:  c.countState(models.ArtifactStatePreparing),
		Tombstones: c.countState(models.ArtifactStateFailedPermanent),
		ReadyBytes: c.readyBytesLocked(),
		LimitBytes: c.limitBytes,
	}
}
