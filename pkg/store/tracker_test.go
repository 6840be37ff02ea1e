package store

import (
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"bootmirror/pkg/image"
)

func TestTrackerStatusTransitions(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	sha := digest.FromString("kernel")

	require.Equal(t, SyncState{Status: NotStarted}, tr.Status(sha, "controller-a"))

	tr.Record(sha, "controller-a", 1024)
	require.Equal(t, SyncState{Status: Partial, Bytes: 1024}, tr.Status(sha, "controller-a"))
	// Progress for one controller never leaks into another.
	require.Equal(t, SyncState{Status: NotStarted}, tr.Status(sha, "controller-b"))

	tr.RecordComplete(sha, "controller-a")
	require.Equal(t, SyncState{Status: Synced}, tr.Status(sha, "controller-a"))
}

func TestTrackerRecordZeroResets(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	sha := digest.FromString("kernel")

	tr.Record(sha, "controller-a", 4096)
	tr.Record(sha, "controller-a", 0)
	require.Equal(t, SyncState{Status: NotStarted}, tr.Status(sha, "controller-a"))
}

func TestTrackerOffset(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	sha := digest.FromString("kernel")

	require.Zero(t, tr.Offset(sha, "controller-a"))

	tr.Record(sha, "controller-a", 512)
	require.Equal(t, int64(512), tr.Offset(sha, "controller-a"))

	tr.RecordComplete(sha, "controller-a")
	require.Zero(t, tr.Offset(sha, "controller-a"))
}

func TestTrackerPendingFor(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	done := &image.Resource{SHA256: digest.FromString("done"), Filename: "done", Size: 4}
	half := &image.Resource{SHA256: digest.FromString("half"), Filename: "half", Size: 4}
	fresh := &image.Resource{SHA256: digest.FromString("fresh"), Filename: "fresh", Size: 5}
	controllers := []string{"controller-a", "controller-b"}

	for _, controller := range controllers {
		tr.RecordComplete(done.SHA256, controller)
	}
	tr.RecordComplete(half.SHA256, "controller-a")
	tr.Record(half.SHA256, "controller-b", 2)

	pending := tr.PendingFor([]*image.Resource{done, half, fresh}, controllers)
	require.Equal(t, []*image.Resource{half, fresh}, pending)
}

func TestSyncStatusString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "not started", NotStarted.String())
	require.Equal(t, "partial", Partial.String())
	require.Equal(t, "complete", Synced.String())
}
