package mirror

import (
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"bootmirror/pkg/image"
)

func TestMergeDeleteParams(t *testing.T) {
	t.Parallel()

	x := ResourceIdentifier{SHA256: digest.FromString("x"), Filename: "x.img"}
	y := ResourceIdentifier{SHA256: digest.FromString("y"), Filename: "y.img"}

	merged := MergeDeleteParams(
		DeleteParam{Files: []ResourceIdentifier{x}},
		DeleteParam{Files: []ResourceIdentifier{y}},
	)
	require.Equal(t, []ResourceIdentifier{x, y}, merged.Files)

	// Merging with an empty request is the identity.
	merged = MergeDeleteParams(DeleteParam{}, DeleteParam{Files: []ResourceIdentifier{x}})
	require.Equal(t, []ResourceIdentifier{x}, merged.Files)
	require.Empty(t, MergeDeleteParams(DeleteParam{}, DeleteParam{}).Files)
}

func TestSelectionMatches(t *testing.T) {
	t.Parallel()

	spec := image.Spec{
		OS:      "ubuntu",
		Arch:    "amd64",
		SubArch: "generic",
		KFlavor: "generic",
		Release: "noble",
		Label:   "stable",
	}

	require.True(t, Selection{}.Matches(spec))
	require.True(t, Selection{
		OSes:     []string{"ubuntu"},
		Releases: []string{"jammy", "noble"},
		Arches:   []string{"amd64"},
		Labels:   []string{"stable"},
	}.Matches(spec))

	require.False(t, Selection{Arches: []string{"arm64"}}.Matches(spec))
	require.False(t, Selection{Releases: []string{"jammy"}}.Matches(spec))
	require.False(t, Selection{OSes: []string{"centos"}}.Matches(spec))
	require.False(t, Selection{Labels: []string{"candidate"}}.Matches(spec))
}
