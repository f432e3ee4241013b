package pool

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/proxmox/proxmox-offline-mirror/pkg/mirrorerr"
)

// lockFile takes an advisory flock on path, creating it if necessary.
// Shared locks (exclusive=false) are used by insert/link; GC and similar
// exclusive operations take an exclusive lock. The call blocks until the
// lock is acquired or ctx is done.
func lockFile(ctx context.Context, path string, exclusive bool) (unlock func(), err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, mirrorerr.New(mirrorerr.KindPoolIO, err)
	}

	how := syscall.LOCK_SH
	if exclusive {
		how = syscall.LOCK_EX
	}

	done := make(chan error, 1)
	go func() { done <- syscall.Flock(int(f.Fd()), how) }()

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

// waitLockTimeout bounds Lock's wait when the caller's context carries no
// deadline of its own, matching the Rust original's 30s default pool-lock
// timeout.
const waitLockTimeout = 30 * time.Second
