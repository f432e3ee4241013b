package mirror

import (
	"context"
	"os"
	"path/filepath"
	"syscall"

	"github.com/proxmox/proxmox-offline-mirror/pkg/mirrorerr"
)

// lockMirror takes the per-mirror advisory lock at <mirror-dir>/.lock for
// the duration of a sync or a mirror GC, preventing two sync processes
// from racing on the same mirror.
func lockMirror(ctx context.Context, mirrorDir string) (unlock func(), err error) {
	f, err := os.OpenFile(filepath.Join(mirrorDir, ".lock"), os.O_CREATE|os.O_RDWR, 0o644)
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
