package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"

	"github.com/go-logr/logr"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/opencontainers/go-digest"

	"bootmirror/pkg/fetch"
	"bootmirror/pkg/image"
)

const indexCacheSize = 16

type indexDocument struct {
	Format string       `json:"format"`
	Images []indexEntry `json:"images"`
}

type indexEntry struct {
	OS           string   `json:"os"`
	Arch         string   `json:"arch"`
	SubArch      string   `json:"subarch"`
	KFlavor      string   `json:"kflavor"`
	Release      string   `json:"release"`
	Label        string   `json:"label"`
	SHA256       string   `json:"sha256"`
	Path         string   `json:"path"`
	Size         int64    `json:"size"`
	ExtractPaths []string `json:"extract_paths,omitempty"`
}

// Resolved is the outcome of scanning a set of catalog sources: the spec to
// resource index, plus the candidate download URLs per checksum in scan
// order. The first reachable URL wins a fetch attempt.
type Resolved struct {
	Index   *image.Index
	Origins map[digest.Digest][]string
}

// Scanner fetches catalog indexes, verifies them per source policy and
// accumulates them into an image index. Verified indexes are cached per
// source URL so repeated scans within a process skip refetching.
type Scanner struct {
	fetcher fetch.Fetcher
	cache   *lru.Cache[string, []indexEntry]
}

func NewScanner(fetcher fetch.Fetcher) (*Scanner, error) {
	cache, err := lru.New[string, []indexEntry](indexCacheSize)
	if err != nil {
		return nil, err
	}
	return &Scanner{fetcher: fetcher, cache: cache}, nil
}

// Scan walks sources in priority order, building a first-source-wins index.
// A source that cannot be fetched or verified is skipped; its error is
// joined into the returned error while scanning continues, so one broken
// catalog never hides the others.
func (s *Scanner) Scan(ctx context.Context, sources []*Source) (*Resolved, error) {
	log := logr.FromContextOrDiscard(ctx)

	resolved := &Resolved{
		Index:   image.NewIndex(),
		Origins: map[digest.Digest][]string{},
	}
	var errs []error
	for _, src := range ByPriority(sources) {
		entries, err := s.scanSource(ctx, src)
		if err != nil {
			log.Error(err, "skipping catalog source", "url", src.URL)
			errs = append(errs, fmt.Errorf("source %s: %w", src.URL, err))
			continue
		}
		for _, entry := range entries {
			spec, res, err := entry.materialize()
			if err != nil {
				log.Info("skipping invalid catalog entry", "url", src.URL, "error", err.Error())
				continue
			}
			resolved.Index.SetDefault(spec, res)
			origin, err := resolveEntryURL(src.URL, entry.Path)
			if err != nil {
				log.Info("skipping unresolvable entry path", "url", src.URL, "path", entry.Path)
				continue
			}
			resolved.Origins[res.SHA256] = append(resolved.Origins[res.SHA256], origin)
		}
		log.Info("scanned catalog source", "url", src.URL, "entries", len(entries))
	}
	return resolved, errors.Join(errs...)
}

func (s *Scanner) scanSource(ctx context.Context, src *Source) ([]indexEntry, error) {
	if entries, ok := s.cache.Get(src.URL); ok {
		return entries, nil
	}

	rc, err := s.fetcher.Fetch(ctx, src.URL, 0)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading index: %w", err)
	}

	verify := PolicyFor(src.URL, src.KeyringPath)
	if src.SkipVerification {
		verify = Unsigned
	}
	payload, err := verify(raw)
	if err != nil {
		return nil, err
	}

	var doc indexDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("parsing index: %w", err)
	}

	s.cache.Add(src.URL, doc.Images)
	return doc.Images, nil
}

func (e indexEntry) materialize() (image.Spec, *image.Resource, error) {
	spec := image.Spec{
		OS:      e.OS,
		Arch:    e.Arch,
		SubArch: e.SubArch,
		KFlavor: e.KFlavor,
		Release: e.Release,
		Label:   e.Label,
	}
	res := &image.Resource{
		SHA256:       digest.NewDigestFromEncoded(digest.SHA256, e.SHA256),
		Filename:     path.Base(e.Path),
		Size:         e.Size,
		ExtractPaths: e.ExtractPaths,
	}
	if err := res.Validate(); err != nil {
		return image.Spec{}, nil, err
	}
	return spec, res, nil
}

func resolveEntryURL(sourceURL, entryPath string) (string, error) {
	base, err := url.Parse(sourceURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(entryPath)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}
