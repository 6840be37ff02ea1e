// Package catalog scans remote image catalogs into an index of boot image
// resources, verifying catalog signatures along the way.
package catalog

import (
	"context"
	"sort"

	"bootmirror/pkg/keyring"
)

// Source is one remote catalog. At most one of KeyringPath and KeyringData
// should be supplied; when both are present the inline data is
// authoritative and the path is ignored with a warning.
type Source struct {
	URL string `toml:"url"`

	// Priority orders sources during scanning; higher scans first, so the
	// highest-priority source wins ties for a given image spec.
	Priority int `toml:"priority"`

	KeyringPath string `toml:"keyring_path"`
	KeyringData []byte `toml:"keyring_data"`

	// SkipVerification disables signature checking for this source.
	SkipVerification bool `toml:"skip_verification"`
}

// ResolveKeyrings materializes each source's keyring on disk through the
// store, rewriting KeyringPath to point at the written file when inline
// data was supplied. A write failure is fatal for that source only; the
// remaining sources are still resolved and the errors are returned together
// with the sources that did resolve.
func ResolveKeyrings(ctx context.Context, store *keyring.Store, sources []*Source) ([]*Source, []error) {
	resolved := make([]*Source, 0, len(sources))
	var errs []error
	for _, src := range sources {
		path, err := store.Resolve(ctx, src.URL, src.KeyringPath, src.KeyringData)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		src.KeyringPath = path
		src.KeyringData = nil
		resolved = append(resolved, src)
	}
	return resolved, errs
}

// ByPriority returns the sources ordered for scanning: descending priority,
// ties kept in configuration order.
func ByPriority(sources []*Source) []*Source {
	ordered := make([]*Source, len(sources))
	copy(ordered, sources)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})
	return ordered
}
