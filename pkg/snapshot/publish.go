// Package snapshot assembles consistent, named snapshots of boot resources
// and reclaims the ones nothing references anymore. Snapshots hard-link
// into the content-addressed cache, so a blob's on-disk link count is an
// exact reference count.
package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"

	"bootmirror/pkg/image"
	"bootmirror/pkg/metrics"
	"bootmirror/pkg/store"
)

const (
	// CurrentName is the indirection below the storage root that names the
	// one live snapshot. Promotion swaps it atomically.
	CurrentName = "current"

	dirPrefix = "snapshot-"
)

// Snapshot is an immutable, self-consistent set of resources published at a
// point in time.
type Snapshot struct {
	ID        string
	Path      string
	CreatedAt time.Time
	Checksums []digest.Digest
}

// ComposeID derives a sortable snapshot identifier from a timestamp, the
// same shape operators see on disk: 20060102-150405.
func ComposeID(now time.Time) string {
	return now.UTC().Format("20060102-150405")
}

// Publisher builds snapshot directories and promotes them to current.
// Publishes of different snapshot IDs may run concurrently, but promotions
// must be serialized by the caller (one publisher process per root).
type Publisher struct {
	root  string
	blobs *store.Store
}

func NewPublisher(root string, blobs *store.Store) *Publisher {
	return &Publisher{root: root, blobs: blobs}
}

// Publish creates <root>/snapshot-<id> with hard links to every resource's
// cache blob, then atomically repoints current at it. If any resource is
// missing from the cache, no promotion happens and the partially built
// directory is left for the garbage collector; the previous current stays
// authoritative throughout.
func (p *Publisher) Publish(ctx context.Context, id string, resources []*image.Resource) (*Snapshot, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("snapshot", id)

	snap := &Snapshot{
		ID:        id,
		Path:      filepath.Join(p.root, dirPrefix+id),
		CreatedAt: time.Now().UTC(),
	}

	// All blobs must be verified present before any linking: a publish
	// that cannot complete should fail before it builds anything.
	for _, res := range resources {
		if err := res.Validate(); err != nil {
			metrics.SnapshotPublishesTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		if !p.blobs.Contains(res.SHA256) {
			metrics.SnapshotPublishesTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("resource %s (%s) not present in cache, refusing to publish", res.Filename, res.SHA256)
		}
	}

	if err := os.MkdirAll(snap.Path, 0o755); err != nil {
		metrics.SnapshotPublishesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}

	for _, res := range resources {
		if err := p.place(ctx, snap.Path, res); err != nil {
			metrics.SnapshotPublishesTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		snap.Checksums = append(snap.Checksums, res.SHA256)
	}

	if err := p.promote(snap); err != nil {
		metrics.SnapshotPublishesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.SnapshotPublishesTotal.WithLabelValues("ok").Inc()
	log.Info("snapshot published", "resources", len(resources))
	return snap, nil
}

// place links one resource into the snapshot directory and unpacks archive
// resources into their extract paths.
func (p *Publisher) place(ctx context.Context, dir string, res *image.Resource) error {
	blob := p.blobs.BlobPath(res.SHA256)
	link := filepath.Join(dir, res.Filename)
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("replace %s: %w", link, err)
	}
	if err := os.Link(blob, link); err != nil {
		return fmt.Errorf("link %s: %w", res.Filename, err)
	}

	if len(res.ExtractPaths) > 0 && isTarball(res.Filename) {
		for _, target := range res.ExtractPaths {
			dest := filepath.Join(dir, filepath.Clean(target))
			if !strings.HasPrefix(dest, dir+string(os.PathSeparator)) {
				return fmt.Errorf("extract path %q escapes snapshot", target)
			}
			if err := extractTarGz(ctx, blob, dest); err != nil {
				return fmt.Errorf("extracting %s: %w", res.Filename, err)
			}
		}
	}
	return nil
}

// promote atomically swaps the current indirection: a fresh symlink is
// renamed over the old one, so readers of current always see either the old
// snapshot or the new one, never anything in between.
func (p *Publisher) promote(snap *Snapshot) error {
	tmp := filepath.Join(p.root, "."+CurrentName+".tmp")
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Symlink(filepath.Base(snap.Path), tmp); err != nil {
		return fmt.Errorf("stage current symlink: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(p.root, CurrentName)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("promote snapshot: %w", err)
	}
	return nil
}

// Current returns the snapshot directory name current points at, or empty
// when nothing has been published yet.
func Current(root string) (string, error) {
	target, err := os.Readlink(filepath.Join(root, CurrentName))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return filepath.Base(target), nil
}

func isTarball(name string) bool {
	return strings.HasSuffix(name, ".tgz") || strings.HasSuffix(name, ".tar.gz")
}
