// Package artifacts owns the on-disk cache of prepared validation code:
// compiled blobs in a cache directory, plus an SQLite index carrying entry
// state, integrity checksums, and recency for eviction.
package artifacts

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/strandchain/pvfhost/pkg/models"
)

// Index wraps the SQLite database that tracks cache entries. Blobs live
// next to it in the cache directory; the index is the source of truth for
// state and checksums.
type Index struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// IndexPath returns the index database path inside a cache directory.
func IndexPath(cacheDir string) string {
	return filepath.Join(cacheDir, "index.db")
}

// OpenIndex opens the artifact index, creating the cache directory and
// schema if needed. WAL mode is enabled for concurrent reads.
func OpenIndex(cacheDir string) (*Index, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	path := IndexPath(cacheDir)
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	idx := &Index{conn: conn, path: path}
	if err := idx.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return idx, nil
}

// Close closes the index database.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.conn.Close()
}

// Path returns the index database file path.
func (idx *Index) Path() string {
	return idx.path
}

// migrate applies all pending schema migrations.
func (idx *Index) migrate() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	_, err := idx.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := idx.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Artifacts},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := idx.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1Artifacts = `
CREATE TABLE IF NOT EXISTS artifacts (
	identity TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	path TEXT,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	checksum TEXT,
	failure_reason TEXT,
	created_at DATETIME NOT NULL,
	last_used_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_artifacts_state ON artifacts(state);
CREATE INDEX IF NOT EXISTS idx_artifacts_last_used ON artifacts(last_used_at);
`

// Upsert inserts or replaces one artifact record.
func (idx *Index) Upsert(a *models.Artifact) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	_, err := idx.conn.Exec(`
		INSERT INTO artifacts (identity, state, path, size_bytes, checksum, failure_reason, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			state = excluded.state,
			path = excluded.path,
			size_bytes = excluded.size_bytes,
			checksum = excluded.checksum,
			failure_reason = excluded.failure_reason,
			last_used_at = excluded.last_used_at
	`, string(a.Identity), string(a.State), a.Path, a.SizeBytes, a.Checksum, a.FailureReason,
		formatTime(a.CreatedAt), formatTime(a.LastUsedAt))
	if err != nil {
		return fmt.Errorf("upsert artifact %s: %w", a.Identity.Short(), err)
	}
	return nil
}

// Get returns one artifact record, or sql.ErrNoRows wrapped in an error.
func (idx *Index) Get(identity models.CodeIdentity) (*models.Artifact, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	row := idx.conn.QueryRow(`
		SELECT identity, state, path, size_bytes, checksum, failure_reason, created_at, last_used_at
		FROM artifacts WHERE identity = ?
	`, string(identity))
	return scanArtifact(row.Scan)
}

// List returns all artifact records, oldest use first.
func (idx *Index) List() ([]*models.Artifact, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	rows, err := idx.conn.Query(`
		SELECT identity, state, path, size_bytes, checksum, failure_reason, created_at, last_used_at
		FROM artifacts ORDER BY last_used_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []*models.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Touch updates an entry's last-used time.
func (idx *Index) Touch(identity models.CodeIdentity, at time.Time) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	_, err := idx.conn.Exec(`UPDATE artifacts SET last_used_at = ? WHERE identity = ?`,
		formatTime(at), string(identity))
	if err != nil {
		return fmt.Errorf("touch artifact %s: %w", identity.Short(), err)
	}
	return nil
}

// Delete removes one artifact record.
func (idx *Index) Delete(identity models.CodeIdentity) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	_, err := idx.conn.Exec(`DELETE FROM artifacts WHERE identity = ?`, string(identity))
	if err != nil {
		return fmt.Errorf("delete artifact %s: %w", identity.Short(), err)
	}
	return nil
}

// scanArtifact reads one artifacts row.
func scanArtifact(scan func(...any) error) (*models.Artifact, error) {
	var (
		a                 models.Artifact
		identity, state   string
		path, checksum    sql.NullString
		reason            sql.NullString
		createdAt, usedAt string
	)
	if err := scan(&identity, &state, &path, &a.SizeBytes, &checksum, &reason, &createdAt, &usedAt); err != nil {
		return nil, fmt.Errorf("scan artifact: %w", err)
	}

	a.Identity = models.CodeIdentity(identity)
	a.State = models.ArtifactState(state)
	a.Path = path.String
	a.Checksum = checksum.String
	a.FailureReason = reason.String

	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if a.LastUsedAt, err = parseTime(usedAt); err != nil {
		return nil, fmt.Errorf("parse last_used_at: %w", err)
	}
	return &a, nil
}

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
