// Package mirror is the stable call boundary consumed by the orchestration
// layer: resolve what needs downloading, sync it, delete what is pending
// removal and clean up what nothing references. It accepts and returns
// plain data records; no orchestration-engine types leak in.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"bootmirror/pkg/catalog"
	"bootmirror/pkg/image"
	"bootmirror/pkg/metrics"
	"bootmirror/pkg/snapshot"
	"bootmirror/pkg/store"
)

// Notifier surfaces operator-visible warnings (signature failures, disk
// exhaustion). The core never decides retry policy; it only reports.
type Notifier interface {
	Warn(ctx context.Context, description string)
}

// LogNotifier is the default Notifier: warnings go to the context logger.
type LogNotifier struct{}

func (LogNotifier) Warn(ctx context.Context, description string) {
	logr.FromContextOrDiscard(ctx).Info("operator warning", "description", description)
}

type Config struct {
	Notifier Notifier
	Workers  int
}

type Option func(cfg *Config)

func WithNotifier(n Notifier) Option {
	return func(cfg *Config) {
		cfg.Notifier = n
	}
}

// WithWorkers sets how many resources sync in parallel.
func WithWorkers(n int) Option {
	return func(cfg *Config) {
		cfg.Workers = n
	}
}

// Mirror ties the catalog scanner, content store, publisher and collector
// together behind the boundary operations.
type Mirror struct {
	scanner     *catalog.Scanner
	sources     []*catalog.Source
	blobs       *store.Store
	publisher   *snapshot.Publisher
	collector   *snapshot.Collector
	controllers []string
	notifier    Notifier
	workers     int
}

func New(scanner *catalog.Scanner, sources []*catalog.Source, blobs *store.Store, controllers []string, opts ...Option) *Mirror {
	cfg := Config{
		Notifier: LogNotifier{},
		Workers:  4,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &Mirror{
		scanner:     scanner,
		sources:     sources,
		blobs:       blobs,
		publisher:   snapshot.NewPublisher(blobs.Root(), blobs),
		collector:   snapshot.NewCollector(blobs.Root()),
		controllers: controllers,
		notifier:    cfg.Notifier,
		workers:     cfg.Workers,
	}
}

// FilesToDownload resolves the catalogs and returns one DownloadParam per
// checksum still pending for at least one controller. Requests from
// different specs for the same checksum are coalesced: their specs, source
// URLs and extract paths merge into one param.
func (m *Mirror) FilesToDownload(ctx context.Context, sel Selection) ([]DownloadParam, error) {
	resolved, err := m.scan(ctx)
	if err != nil {
		return nil, err
	}

	params := map[digest.Digest]*DownloadParam{}
	var order []digest.Digest
	for spec, res := range resolved.Index.All() {
		if !sel.Matches(spec) {
			continue
		}
		if m.isComplete(res) {
			continue
		}
		if existing, ok := params[res.SHA256]; ok {
			existing.Specs = append(existing.Specs, spec)
			existing.ExtractPaths = append(existing.ExtractPaths, res.ExtractPaths...)
			continue
		}
		params[res.SHA256] = &DownloadParam{
			Specs:        []image.Spec{spec},
			SHA256:       res.SHA256,
			Filename:     res.Filename,
			Size:         res.Size,
			Sources:      resolved.Origins[res.SHA256],
			ExtractPaths: res.ExtractPaths,
			Proxy:        res.Proxy,
		}
		order = append(order, res.SHA256)
	}

	out := make([]DownloadParam, 0, len(order))
	for _, sha := range order {
		out = append(out, *params[sha])
	}
	return out, nil
}

// LocalResources lists the verified blobs currently in the cache.
func (m *Mirror) LocalResources() ([]store.LocalResource, error) {
	return m.blobs.LocalResources()
}

// Sync brings the local store in line with the selection: fetch every
// pending resource, publish a new snapshot once everything selected is
// present, then collect what the new snapshot superseded. If any resource
// fails, no snapshot is published and the previous current stays live; the
// partial transfers remain resumable.
func (m *Mirror) Sync(ctx context.Context, sel Selection) (*Report, error) {
	log := logr.FromContextOrDiscard(ctx)
	report := &Report{}

	resolved, err := m.scan(ctx)
	if err != nil {
		return report, err
	}
	if resolved.Index.IsEmpty() {
		m.notifier.Warn(ctx, "no images available from any configured catalog source")
		return report, nil
	}

	// One transfer per checksum, but one snapshot entry per distinct
	// filename: specs sharing bytes under different names all get their
	// link to the single cache blob.
	var selected, publishSet []*image.Resource
	seen := map[digest.Digest]struct{}{}
	variants := map[string]*image.Resource{}
	for spec, res := range resolved.Index.All() {
		if !sel.Matches(spec) {
			continue
		}
		if _, ok := seen[res.SHA256]; !ok {
			seen[res.SHA256] = struct{}{}
			selected = append(selected, res)
		}
		key := res.SHA256.Encoded() + "/" + res.Filename
		if existing, ok := variants[key]; ok {
			existing.ExtractPaths = mergePaths(existing.ExtractPaths, res.ExtractPaths)
			continue
		}
		variant := &image.Resource{
			SHA256:       res.SHA256,
			Filename:     res.Filename,
			Size:         res.Size,
			ExtractPaths: append([]string(nil), res.ExtractPaths...),
			Proxy:        res.Proxy,
		}
		variants[key] = variant
		publishSet = append(publishSet, variant)
	}
	if len(selected) == 0 {
		log.Info("selection matches no images", "arches", resolved.Index.Architectures())
		return report, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	outcomes := make([]error, len(selected))
	fetched := make([]store.Outcome, len(selected))
	for i, res := range selected {
		g.Go(func() error {
			outcome, err := m.blobs.Ensure(gctx, res, resolved.Origins[res.SHA256], m.controllers)
			outcomes[i] = err
			fetched[i] = outcome
			// Failures are aggregated, not short-circuited: one broken
			// resource must not cancel the transfers next to it.
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for i, res := range selected {
		switch {
		case outcomes[i] != nil:
			report.Failed++
			metrics.SyncedResourcesTotal.WithLabelValues("error").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", res.SHA256, outcomes[i]))
			if errors.Is(outcomes[i], store.ErrChecksumMismatch) {
				m.notifier.Warn(ctx, fmt.Sprintf("checksum mismatch for %s, content discarded", res.Filename))
			}
		case fetched[i] == store.OutcomePresent:
			report.AlreadyPresent++
			metrics.SyncedResourcesTotal.WithLabelValues("present").Inc()
		default:
			report.Synced++
			metrics.SyncedResourcesTotal.WithLabelValues("fetched").Inc()
		}
	}
	if report.Failed > 0 {
		m.notifier.Warn(ctx, fmt.Sprintf("%d of %d resources failed to sync, snapshot not published", report.Failed, len(selected)))
		return report, errors.Join(errs...)
	}

	snap, err := m.publisher.Publish(ctx, snapshot.ComposeID(time.Now()), publishSet)
	if err != nil {
		return report, fmt.Errorf("publish: %w", err)
	}
	report.SnapshotID = snap.ID

	snapshots, blobs, err := m.collector.CollectAll(ctx)
	report.ReclaimedSnapshots = snapshots
	report.ReclaimedBlobs = blobs
	if err != nil {
		// Reclaim failures do not invalidate the published snapshot.
		log.Error(err, "garbage collection finished with errors")
	}

	log.Info("sync complete",
		"snapshot", report.SnapshotID,
		"synced", report.Synced,
		"present", report.AlreadyPresent,
		"reclaimedSnapshots", report.ReclaimedSnapshots,
		"reclaimedBlobs", report.ReclaimedBlobs)
	return report, nil
}

// DeletePending removes the named files from the cache, best-effort: a
// failure for one file is reported but does not stop the others.
func (m *Mirror) DeletePending(ctx context.Context, param DeleteParam) error {
	log := logr.FromContextOrDiscard(ctx)
	var errs []error
	for _, file := range param.Files {
		if err := m.blobs.Delete(file.SHA256); err != nil {
			log.Error(err, "could not delete resource file", "sha256", file.SHA256.Encoded(), "filename", file.Filename)
			errs = append(errs, err)
			continue
		}
		log.Info("deleted resource file", "sha256", file.SHA256.Encoded(), "filename", file.Filename)
	}
	return errors.Join(errs...)
}

// Cleanup reclaims superseded snapshots and unreferenced blobs. The
// selection scopes the expectation check: local blobs that no selected
// catalog entry accounts for are reported to the operator before
// collection runs.
func (m *Mirror) Cleanup(ctx context.Context, sel Selection) (*Report, error) {
	report := &Report{}

	expected := map[digest.Digest]struct{}{}
	if resolved, err := m.scan(ctx); err == nil {
		for spec, res := range resolved.Index.All() {
			if sel.Matches(spec) {
				expected[res.SHA256] = struct{}{}
			}
		}
		local, err := m.blobs.LocalResources()
		if err == nil {
			for _, blob := range local {
				if _, ok := expected[blob.SHA256]; !ok {
					m.notifier.Warn(ctx, fmt.Sprintf("cache blob %s is not part of the current selection", blob.SHA256.Encoded()))
				}
			}
		}
	}

	snapshots, blobs, err := m.collector.CollectAll(ctx)
	report.ReclaimedSnapshots = snapshots
	report.ReclaimedBlobs = blobs
	return report, err
}

func mergePaths(existing, extra []string) []string {
	for _, p := range extra {
		found := false
		for _, have := range existing {
			if have == p {
				found = true
				break
			}
		}
		if !found {
			existing = append(existing, p)
		}
	}
	return existing
}

func (m *Mirror) scan(ctx context.Context) (*catalog.Resolved, error) {
	resolved, err := m.scanner.Scan(ctx, m.sources)
	if err != nil {
		// Scan errors are per-source; warn but keep whatever resolved.
		m.notifier.Warn(ctx, fmt.Sprintf("catalog scan reported errors: %v", err))
	}
	if resolved == nil {
		return nil, err
	}
	return resolved, nil
}

func (m *Mirror) isComplete(res *image.Resource) bool {
	if !m.blobs.Contains(res.SHA256) {
		return false
	}
	for _, controller := range m.controllers {
		if m.blobs.Tracker().Status(res.SHA256, controller).Status != store.Synced {
			return false
		}
	}
	return true
}
