package mirror

import (
	"context"
	"fmt"
	"syscall"

	"github.com/go-logr/logr"
)

// CheckSpace verifies the storage root has at least required bytes free
// before a sync starts. The orchestration layer runs this preflight on
// every controller and aborts the sync when any of them is short.
func (m *Mirror) CheckSpace(ctx context.Context, required int64) (bool, error) {
	var fs syscall.Statfs_t
	if err := syscall.Statfs(m.blobs.Root(), &fs); err != nil {
		return false, fmt.Errorf("statfs %s: %w", m.blobs.Root(), err)
	}
	free := int64(fs.Bavail) * fs.Bsize
	if free >= required {
		return true, nil
	}
	logr.FromContextOrDiscard(ctx).Error(nil, "not enough disk space for sync",
		"free", free, "required", required)
	m.notifier.Warn(ctx, fmt.Sprintf("not enough disk space: %d bytes free, %d required", free, required))
	return false, nil
}
