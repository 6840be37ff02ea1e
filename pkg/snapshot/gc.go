package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"bootmirror/pkg/metrics"
	"bootmirror/pkg/store"
)

// partialGrace is how old an in-flight partial must be before the collector
// considers it abandoned.
const partialGrace = 24 * time.Hour

// Collector reclaims snapshot directories and cache blobs that no live
// snapshot references. Only one collection pass should run against a given
// root at a time; that is the caller's responsibility.
//
// Blob collection relies on hard-link counts, so the storage root must live
// on a filesystem with POSIX link semantics.
type Collector struct {
	root string
}

func NewCollector(root string) *Collector {
	return &Collector{root: root}
}

// CollectSnapshots removes every snapshot directory except the one current
// points at. A failure to remove one directory is logged and does not stop
// the others; collection is best-effort and idempotent.
func (c *Collector) CollectSnapshots(ctx context.Context) (int, error) {
	log := logr.FromContextOrDiscard(ctx)

	current, err := Current(c.root)
	if err != nil {
		return 0, fmt.Errorf("resolving current snapshot: %w", err)
	}
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return 0, fmt.Errorf("reading storage root: %w", err)
	}

	removed := 0
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), dirPrefix) {
			continue
		}
		if entry.Name() == current {
			continue
		}
		path := filepath.Join(c.root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			log.Error(err, "could not remove snapshot directory", "path", path)
			errs = append(errs, err)
			continue
		}
		metrics.ReclaimedSnapshotsTotal.Inc()
		removed++
		log.Info("removed superseded snapshot", "path", path)
	}
	return removed, errors.Join(errs...)
}

// CollectCacheBlobs removes cache blobs whose on-disk link count is one,
// meaning no snapshot directory still hard-links them. Abandoned partials
// past the grace period are reclaimed too.
func (c *Collector) CollectCacheBlobs(ctx context.Context) (int, error) {
	log := logr.FromContextOrDiscard(ctx)

	cacheDir := filepath.Join(c.root, store.CacheDirName)
	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading cache dir: %w", err)
	}

	removed := 0
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(cacheDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}

		if strings.HasSuffix(entry.Name(), ".partial") {
			if time.Since(info.ModTime()) < partialGrace {
				continue
			}
		} else {
			stat, ok := info.Sys().(*syscall.Stat_t)
			if !ok || stat.Nlink > 1 {
				// Still referenced by at least one snapshot.
				continue
			}
		}

		if err := os.Remove(path); err != nil {
			log.Error(err, "could not remove cache blob", "path", path)
			errs = append(errs, err)
			continue
		}
		metrics.ReclaimedBlobsTotal.Inc()
		removed++
		log.Info("removed unreferenced cache blob", "path", path)
	}
	if removed > 0 {
		metrics.CacheBlobs.Sub(float64(removed))
	}
	return removed, errors.Join(errs...)
}

// CollectAll runs snapshot collection followed by blob collection and
// returns the counts of removed directories and blobs.
func (c *Collector) CollectAll(ctx context.Context) (int, int, error) {
	snapshots, serr := c.CollectSnapshots(ctx)
	blobs, berr := c.CollectCacheBlobs(ctx)
	return snapshots, blobs, errors.Join(serr, berr)
}
