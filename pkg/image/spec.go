package image

import (
	"fmt"

	"github.com/opencontainers/go-digest"
)

// Spec is the coordinate identifying one boot image variant. It is a plain
// comparable value: two specs with equal fields name the same image and may
// be used interchangeably as map keys.
type Spec struct {
	OS      string
	Arch    string
	SubArch string
	KFlavor string
	Release string
	Label   string
}

func (s Spec) String() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s/%s", s.OS, s.Arch, s.SubArch, s.KFlavor, s.Release, s.Label)
}

// Resource is a single downloadable artifact. The checksum identifies
// byte-identical content regardless of how many specs reference it, which is
// what makes the content store deduplicate.
type Resource struct {
	// SHA256 is the content digest of the complete artifact.
	SHA256 digest.Digest

	// Filename is the name the artifact gets on disk inside a snapshot.
	Filename string

	// Size is the declared total size in bytes.
	Size int64

	// ExtractPaths lists snapshot-relative directories the artifact should
	// be unpacked into after download. Only meaningful for tar archives
	// (bootloaders).
	ExtractPaths []string

	// Proxy is an optional HTTP proxy hint for fetching this resource.
	Proxy string
}

// Validate reports whether the resource carries enough information to be
// materialized in the content store.
func (r *Resource) Validate() error {
	if r == nil {
		return fmt.Errorf("nil resource")
	}
	if err := r.SHA256.Validate(); err != nil {
		return fmt.Errorf("resource %q has invalid checksum: %w", r.Filename, err)
	}
	if r.Filename == "" {
		return fmt.Errorf("resource %s has no filename", r.SHA256)
	}
	if r.Size < 0 {
		return fmt.Errorf("resource %q has negative size %d", r.Filename, r.Size)
	}
	return nil
}
