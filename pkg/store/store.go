// Package store is a content-addressed, deduplicated on-disk blob store
// keyed by checksum, with per-controller transfer tracking. Fetches resume
// from the last recorded offset instead of restarting, which is what makes
// cancel-and-retry by the orchestration layer cheap.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/semaphore"

	"bootmirror/pkg/fetch"
	"bootmirror/pkg/image"
	"bootmirror/pkg/metrics"
)

const (
	// CacheDirName is the cache directory below the storage root.
	CacheDirName = "cache"

	partialSuffix = ".partial"

	// copyBufferSize is the chunk size for streaming fetched bytes to
	// disk; progress is recorded after every chunk.
	copyBufferSize = 256 * 1024
)

var (
	// ErrChecksumMismatch means the fetched content hashed to something
	// other than the resource's declared checksum. The partial content has
	// been discarded; the caller may retry from scratch.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrNoSource means every candidate source was unreachable.
	ErrNoSource = errors.New("no reachable source")
)

type Outcome int

const (
	// OutcomePresent means the blob was already in the cache and no fetch
	// was needed.
	OutcomePresent Outcome = iota

	// OutcomeFetched means the blob was downloaded and verified.
	OutcomeFetched
)

type Config struct {
	Concurrency int64
}

type Option func(cfg *Config)

// WithConcurrency caps how many fetches may run at once.
func WithConcurrency(n int64) Option {
	return func(cfg *Config) {
		cfg.Concurrency = n
	}
}

// Store is the content-addressed blob store rooted at
// <root>/cache/<checksum>.
type Store struct {
	root     string
	fetcher  fetch.Fetcher
	tracker  *Tracker
	sem      *semaphore.Weighted
	inflight *keyedMutex
}

func New(root string, fetcher fetch.Fetcher, tracker *Tracker, opts ...Option) (*Store, error) {
	cfg := Config{Concurrency: 4}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, CacheDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Store{
		root:     root,
		fetcher:  fetcher,
		tracker:  tracker,
		sem:      semaphore.NewWeighted(cfg.Concurrency),
		inflight: newKeyedMutex(),
	}, nil
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) Tracker() *Tracker {
	return s.tracker
}

// BlobPath returns where the verified blob for sha lives (or would live).
func (s *Store) BlobPath(sha digest.Digest) string {
	return filepath.Join(s.root, CacheDirName, sha.Encoded())
}

func (s *Store) partialPath(sha digest.Digest) string {
	return s.BlobPath(sha) + partialSuffix
}

// Contains reports whether a verified blob for sha is present.
func (s *Store) Contains(sha digest.Digest) bool {
	_, err := os.Stat(s.BlobPath(sha))
	return err == nil
}

// Ensure materializes the resource's blob in the cache: already-present
// content is a no-op, otherwise bytes are fetched from the first reachable
// source, resuming any previous partial transfer, and verified against the
// resource checksum before the blob becomes visible under its final name.
//
// Concurrent calls for the same checksum serialize; calls for different
// checksums proceed in parallel up to the configured concurrency.
func (s *Store) Ensure(ctx context.Context, res *image.Resource, sources []string, controllers []string) (Outcome, error) {
	// Validation must run before anything touches the digest: Encoded()
	// panics on a malformed digest value.
	if err := res.Validate(); err != nil {
		return 0, err
	}
	log := logr.FromContextOrDiscard(ctx).WithValues("sha256", res.SHA256.Encoded(), "filename", res.Filename)

	unlock := s.inflight.lock(res.SHA256)
	defer unlock()

	if s.Contains(res.SHA256) {
		for _, controller := range controllers {
			s.tracker.RecordComplete(res.SHA256, controller)
		}
		log.V(4).Info("blob already present, skipping fetch")
		return OutcomePresent, nil
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer s.sem.Release(1)

	if err := s.download(ctx, res, sources, controllers); err != nil {
		return 0, err
	}

	for _, controller := range controllers {
		s.tracker.RecordComplete(res.SHA256, controller)
	}
	metrics.CacheBlobs.Inc()
	log.Info("blob fetched and verified", "size", res.Size)
	return OutcomeFetched, nil
}

func (s *Store) download(ctx context.Context, res *image.Resource, sources []string, controllers []string) error {
	log := logr.FromContextOrDiscard(ctx)

	partial := s.partialPath(res.SHA256)
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open partial: %w", err)
	}
	defer f.Close()

	// Rehash whatever a previous interrupted transfer left behind so the
	// final digest covers the whole file without a second read pass.
	hasher := res.SHA256.Algorithm().Hash()
	offset, err := io.Copy(hasher, f)
	if err != nil {
		return fmt.Errorf("rehash partial: %w", err)
	}
	if offset > 0 {
		log.Info("resuming partial transfer", "offset", offset, "sha256", res.SHA256.Encoded())
	}

	var attemptErrs []error
	fetched := false
	for _, source := range sources {
		if offset == res.Size && res.Size > 0 {
			fetched = true
			break
		}
		n, err := s.fetchFrom(ctx, f, hasher, res, source, offset, controllers)
		offset += n
		if err != nil {
			if errors.Is(err, fetch.ErrUnreachable) {
				metrics.FetchAttemptsTotal.WithLabelValues("unreachable").Inc()
				log.Info("source unreachable, trying next", "source", source, "error", err.Error())
				attemptErrs = append(attemptErrs, err)
				continue
			}
			// Disk and other write-side failures are fatal for the
			// operation; the partial stays behind for a later resume.
			metrics.FetchAttemptsTotal.WithLabelValues("error").Inc()
			s.recordAll(res.SHA256, controllers, offset)
			return err
		}
		metrics.FetchAttemptsTotal.WithLabelValues("ok").Inc()
		if res.Size == 0 || offset == res.Size {
			fetched = true
			break
		}
		// Source closed the stream early; the bytes are kept and the next
		// source continues from the new offset.
		log.Info("source delivered truncated content, trying next",
			"source", source, "offset", offset, "want", res.Size)
		s.recordAll(res.SHA256, controllers, offset)
	}
	if !fetched {
		s.recordAll(res.SHA256, controllers, offset)
		return fmt.Errorf("%w for %s: %w", ErrNoSource, res.SHA256, errors.Join(attemptErrs...))
	}

	if offset > res.Size && res.Size > 0 {
		return s.discard(res, controllers, fmt.Errorf("%w: got %d bytes, expected %d", ErrChecksumMismatch, offset, res.Size))
	}
	sum := digest.NewDigest(res.SHA256.Algorithm(), hasher)
	if sum != res.SHA256 {
		return s.discard(res, controllers, fmt.Errorf("%w: got %s, expected %s", ErrChecksumMismatch, sum, res.SHA256))
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := os.Rename(s.partialPath(res.SHA256), s.BlobPath(res.SHA256)); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// fetchFrom streams one source into the partial file from offset, recording
// progress per chunk. Read-side failures are reported as unreachable so the
// caller can move on to the next source; write-side failures propagate.
func (s *Store) fetchFrom(ctx context.Context, f *os.File, hasher io.Writer, res *image.Resource, source string, offset int64, controllers []string) (int64, error) {
	rc, err := s.fetcher.Fetch(ctx, source, offset)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	var written int64
	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := rc.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("writing blob: %w", werr)
			}
			if _, werr := hasher.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
			metrics.FetchedBytesTotal.Add(float64(n))
			s.recordAll(res.SHA256, controllers, offset+written)
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("%w: %s: %w", fetch.ErrUnreachable, source, rerr)
		}
	}
}

func (s *Store) discard(res *image.Resource, controllers []string, cause error) error {
	_ = os.Remove(s.partialPath(res.SHA256))
	s.recordAll(res.SHA256, controllers, 0)
	return cause
}

func (s *Store) recordAll(sha digest.Digest, controllers []string, bytes int64) {
	for _, controller := range controllers {
		s.tracker.Record(sha, controller, bytes)
	}
}

// LocalResource describes one verified blob found in the cache.
type LocalResource struct {
	SHA256 digest.Digest
	Size   int64
}

// LocalResources scans the cache directory for verified blobs, ignoring
// in-flight partials and anything that does not look like a checksum.
func (s *Store) LocalResources() ([]LocalResource, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, CacheDirName))
	if err != nil {
		return nil, fmt.Errorf("reading cache dir: %w", err)
	}
	var blobs []LocalResource
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), partialSuffix) {
			continue
		}
		sha := digest.NewDigestFromEncoded(digest.SHA256, entry.Name())
		if sha.Validate() != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		blobs = append(blobs, LocalResource{SHA256: sha, Size: info.Size()})
	}
	return blobs, nil
}

// Delete removes the blob and any partial for sha from the cache. Missing
// files are not an error; deletion is idempotent.
func (s *Store) Delete(sha digest.Digest) error {
	if err := os.Remove(s.BlobPath(sha)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Remove(s.partialPath(sha)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
