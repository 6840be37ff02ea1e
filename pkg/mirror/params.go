package mirror

import (
	"github.com/opencontainers/go-digest"

	"bootmirror/pkg/image"
)

// ResourceIdentifier names one stored file: checksum plus the filename it
// carries inside snapshots.
type ResourceIdentifier struct {
	SHA256   digest.Digest
	Filename string
}

// DownloadParam is one unit of work for the orchestration layer: everything
// needed to materialize one blob, with every spec that wants it folded in.
// Multiple specs resolving to the same checksum share a single param.
type DownloadParam struct {
	Specs        []image.Spec
	SHA256       digest.Digest
	Filename     string
	Size         int64
	Sources      []string
	ExtractPaths []string
	Proxy        string
}

// DeleteParam is a pending-delete request: the set of files the
// orchestration layer wants gone from this controller.
type DeleteParam struct {
	Files []ResourceIdentifier
}

// MergeDeleteParams combines two pending-delete requests into one by
// concatenating their file lists. The orchestration layer uses this to
// coalesce delete requests issued close together in time.
func MergeDeleteParams(a, b DeleteParam) DeleteParam {
	files := make([]ResourceIdentifier, 0, len(a.Files)+len(b.Files))
	files = append(files, a.Files...)
	files = append(files, b.Files...)
	return DeleteParam{Files: files}
}

// Selection names the set of image coordinates an operator wants mirrored.
// Empty fields match everything; the selection policy itself (who decides
// these values) is external.
type Selection struct {
	OSes     []string `toml:"oses"`
	Releases []string `toml:"releases"`
	Arches   []string `toml:"arches"`
	Labels   []string `toml:"labels"`
}

func (s Selection) Matches(spec image.Spec) bool {
	return matchField(s.OSes, spec.OS) &&
		matchField(s.Releases, spec.Release) &&
		matchField(s.Arches, spec.Arch) &&
		matchField(s.Labels, spec.Label)
}

func matchField(allowed []string, value string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, v := range allowed {
		if v == value {
			return true
		}
	}
	return false
}

// Report is the aggregated, operator-visible outcome of one sync pass.
type Report struct {
	SnapshotID         string
	Synced             int
	AlreadyPresent     int
	Failed             int
	ReclaimedSnapshots int
	ReclaimedBlobs     int
}
