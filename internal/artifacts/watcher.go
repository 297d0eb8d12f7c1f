package artifacts

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/strandchain/pvfhost/pkg/models"
)

// Watcher demotes cache entries when their blobs are removed or rewritten
// out from under the host, by an operator or an external cleaner. Without
// it a stale Ready entry would keep routing executions at a missing or
// corrupted file until the next restart's revalidation.
type Watcher struct {
	cache   *Cache
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher starts watching the cache directory. A nil Watcher and nil
// error mean the platform watcher is unavailable; the cache still catches
// missing blobs at execution time, just later.
func NewWatcher(cache *Cache) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil
	}
	if err := fsw.Add(cache.Dir()); err != nil {
		fsw.Close()
		return nil, nil
	}

	w := &Watcher{
		cache:   cache,
		watcher: fsw,
		done:    make(chan struct{}),
	}
	go w.watchBlobs()
	return w, nil
}

// watchBlobs monitors the cache directory for blob removals and rewrites.
// Demote re-verifies the blob, so a Create fired by the cache's own
// install rename is a harmless no-op.
func (w *Watcher) watchBlobs() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename|fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			identity, ok := identityFromBlobName(event.Name)
			if !ok {
				continue
			}
			w.cache.Demote(identity)
		case <-w.watcher.Errors:
			// Ignore errors, keep watching
		}
	}
}

// identityFromBlobName recovers the code identity from a blob filename.
func identityFromBlobName(path string) (models.CodeIdentity, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".blob") {
		return "", false
	}
	identity := models.CodeIdentity(strings.TrimSuffix(base, ".blob"))
	if !identity.Valid() {
		return "", false
	}
	return identity, true
}

// Close stops the watcher.
func (w *Watcher) Close() {
	close(w.done)
	w.watcher.Close()
}
