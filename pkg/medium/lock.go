package medium

import (
	"context"
	"os"
	"path/filepath"
	"syscall"

	"github.com/proxmox/proxmox-offline-mirror/pkg/mirrorerr"
)

// lockMedium takes the per-medium advisory lock at <mountpoint>/.lock for
// the duration of a sync, preventing two medium-sync processes from racing
// on the same removable mountpoint.
func lockMedium(ctx context.Context, mountpoint string) (unlock func(), err error) {
	f, err := os.OpenFile(filepath.Join(mountpoint, ".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, mirrorerr.New(mirrorerr.KindPoolIO, err)
	}

	done := make(chan error, 1)
	go func() { done <- syscall.Flock(int(f.Fd()), syscall.LOCK_EX) }()

	select {
	case <-ctx.Done():
		_ = f.Close()
		return nil, mirrorerr.New(mirrorerr.KindLocked, ctx.Err())
	case err := <-done:
		if err != nil {
			_ = f.Close()
			return nil, mirrorerr.New(mirrorerr.KindLocked, err)
		}
	}

	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
	}, nil
}
