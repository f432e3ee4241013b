// Package pool implements the content-addressed blob store that backs
// every mirror and medium: a directory tree keyed by strong hash, plus
// hardlink-based materialization into snapshot trees and mark-and-sweep
// space reclamation.
package pool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/proxmox/proxmox-offline-mirror/pkg/mirrorerr"
)

// Algo identifies a pool's hash algorithm. Only SHA-256 pools are
// supported: the design notes direct an implementation to normalize to
// SHA-256-only and refuse mixed-algorithm sharing.
const Algo = "sha256"

// Handle identifies a blob already known to (or destined for) the pool.
type Handle struct {
	Algo string
	Hex  string
}

func (h Handle) String() string { return h.Algo + ":" + h.Hex }

// Stats summarizes a GC pass.
type Stats struct {
	BlobsRemoved int
	BytesFreed   int64
	TmpRemoved   int
}

// Pool is a directory tree plus a per-pool advisory lock.
type Pool struct {
	dir        string
	staleAfter time.Duration
}

// Open opens (or creates) a pool rooted at dir. Open probes for hardlink
// support and refuses to proceed on filesystems that lack it, per the
// design note that reimplementations "must refuse to run on filesystems
// without hardlink support".
func Open(dir string) (*Pool, error) {
	if err := os.MkdirAll(filepath.Join(dir, Algo), 0o755); err != nil {
		return nil, mirrorerr.New(mirrorerr.KindPoolIO, err)
	}
	p := &Pool{dir: dir, staleAfter: 24 * time.Hour}
	if err := p.probeHardlinks(); err != nil {
		return nil, err
	}
	return p, nil
}

// SetStaleAfter overrides the default 24h safety horizon used by GC to
// decide when abandoned .tmp files are safe to remove.
func (p *Pool) SetStaleAfter(d time.Duration) { p.staleAfter = d }

// Dir returns the pool's root directory.
func (p *Pool) Dir() string { return p.dir }

func (p *Pool) algoDir() string { return filepath.Join(p.dir, Algo) }

func (p *Pool) blobPath(hex string) string { return filepath.Join(p.algoDir(), hex) }

func (p *Pool) lockPath() string { return filepath.Join(p.dir, ".lock") }

func (p *Pool) probeHardlinks() error {
	dir := p.algoDir()
	src, err := os.CreateTemp(dir, ".hlprobe-*")
	if err != nil {
		return mirrorerr.New(mirrorerr.KindPoolIO, err)
	}
	srcName := src.Name()
	_ = src.Close()
	defer os.Remove(srcName)

	dst := srcName + ".link"
	defer os.Remove(dst)
	if err := os.Link(srcName, dst); err != nil {
		return mirrorerr.New(mirrorerr.KindNoHardlinks, err)
	}
	return nil
}

// Lock acquires the pool's advisory file lock. exclusive==true is used by
// GC; inserts and links take a shared lock. Lock returns an unlock func.
// If ctx carries no deadline, one is imposed at waitLockTimeout so a stuck
// lock holder can't block callers forever.
func (p *Pool) Lock(ctx context.Context, exclusive bool) (unlock func(), err error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, waitLockTimeout)
		defer cancel()
	}
	return lockFile(ctx, p.lockPath(), exclusive)
}

// Insert streams r into the pool, hashing as it writes, and renames the
// temp file into place once the digest matches expectedHex (when
// non-empty). If expectedHex is empty the digest computed here becomes the
// blob's identity (used when the caller doesn't yet know the hash, e.g.
// while discovering Release itself).
func (p *Pool) Insert(ctx context.Context, r io.Reader, expectedHex string) (Handle, error) {
	unlock, err := p.Lock(ctx, false)
	if err != nil {
		return Handle{}, err
	}
	defer unlock()

	tmp, err := os.CreateTemp(p.algoDir(), "*.tmp")
	if err != nil {
		return Handle{}, mirrorerr.New(mirrorerr.KindPoolIO, err)
	}
	tmpName := tmp.Name()
	removeTmp := true
	defer func() {
		if removeTmp {
			os.Remove(tmpName)
		}
	}()

	h := sha256.New()
	if _, err := io.Copy(tmp, io.TeeReader(r, h)); err != nil {
		_ = tmp.Close()
		return Handle{}, mirrorerr.New(mirrorerr.KindPoolIO, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return Handle{}, mirrorerr.New(mirrorerr.KindPoolIO, err)
	}
	if err := tmp.Close(); err != nil {
		return Handle{}, mirrorerr.New(mirrorerr.KindPoolIO, err)
	}

	actual := hex.EncodeToString(h.Sum(nil))
	if expectedHex != "" && actual != expectedHex {
		return Handle{}, mirrorerr.HashMismatch(tmpName, expectedHex, actual)
	}

	dest := p.blobPath(actual)
	// rename(2) on Linux replaces an existing dest silently rather than
	// returning EEXIST, so a race with a concurrent insert of the same
	// content is resolved by overwrite-with-identical-bytes (guaranteed by
	// P1), not by this branch; it's kept for platforms/semantics where
	// rename does report the collision.
	if err := os.Rename(tmpName, dest); err != nil {
		if errors.Is(err, fs.ErrExist) {
			removeTmp = true
		} else {
			return Handle{}, mirrorerr.New(mirrorerr.KindPoolIO, err)
		}
	} else {
		removeTmp = false
	}

	slog.Info("pool insert", slog.String("algo", Algo), slog.String("hash", actual))
	return Handle{Algo: Algo, Hex: actual}, nil
}

// Contains reports whether the pool already has a blob for handle.
func (p *Pool) Contains(h Handle) bool {
	_, err := os.Stat(p.blobPath(h.Hex))
	return err == nil
}

// Link hardlinks the pool's blob for h at target, creating parent
// directories as needed. A target that already exists pointing at the
// same inode is a no-op; pointing at a different inode is LinkConflict.
func (p *Pool) Link(ctx context.Context, h Handle, target string) error {
	unlock, err := p.Lock(ctx, false)
	if err != nil {
		return err
	}
	defer unlock()
	return p.linkLocked(h, target)
}

func (p *Pool) linkLocked(h Handle, target string) error {
	src := p.blobPath(h.Hex)
	if _, err := os.Stat(src); err != nil {
		return mirrorerr.WithPath(mirrorerr.KindPoolIO, src, err)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return mirrorerr.New(mirrorerr.KindPoolIO, err)
	}

	if dstInfo, err := os.Lstat(target); err == nil {
		srcInfo, serr := os.Stat(src)
		if serr != nil {
			return mirrorerr.New(mirrorerr.KindPoolIO, serr)
		}
		if os.SameFile(srcInfo, dstInfo) {
			return nil
		}
		return mirrorerr.WithPath(mirrorerr.KindLinkConflict, target, nil)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return mirrorerr.New(mirrorerr.KindPoolIO, err)
	}

	if err := os.Link(src, target); err != nil {
		if errors.Is(err, syscall.EXDEV) {
			return mirrorerr.WithPath(mirrorerr.KindCrossDevice, target, err)
		}
		return mirrorerr.WithPath(mirrorerr.KindPoolIO, target, err)
	}
	return nil
}

// GC reclaims blobs that are not in referenced, under an exclusive pool
// lock. referenced is the union of every hash referenced by a hardlink
// inside any committed snapshot directory across every mirror that shares
// this pool; it is computed by the caller (mirror/medium orchestration),
// which is in the better position to walk multiple mirror directories.
func (p *Pool) GC(ctx context.Context, referenced map[string]struct{}) (Stats, error) {
	unlock, err := p.Lock(ctx, true)
	if err != nil {
		return Stats{}, err
	}
	defer unlock()

	var stats Stats

	entries, err := os.ReadDir(p.algoDir())
	if err != nil {
		return stats, mirrorerr.New(mirrorerr.KindPoolIO, err)
	}

	now := time.Now()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		full := filepath.Join(p.algoDir(), name)

		if len(name) > 4 && name[len(name)-4:] == ".tmp" {
			info, err := e.Info()
			if err == nil && now.Sub(info.ModTime()) > p.staleAfter {
				if rmErr := os.Remove(full); rmErr == nil {
					stats.TmpRemoved++
				}
			}
			continue
		}

		if _, keep := referenced[name]; keep {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}
		if linkCount(info) > 1 {
			// Still referenced by at least one snapshot hardlink that the
			// caller's referenced set didn't (yet) enumerate; leave it.
			continue
		}

		if err := os.Remove(full); err != nil {
			continue
		}
		stats.BlobsRemoved++
		stats.BytesFreed += info.Size()
	}

	slog.Info("pool gc", slog.Int("removed", stats.BlobsRemoved), slog.Int64("bytes", stats.BytesFreed), slog.Int("tmp_removed", stats.TmpRemoved))
	return stats, nil
}

// linkCount returns the filesystem link count backing info, the
// kernel-maintained refcount that this design relies on in place of an
// explicit reference database.
func linkCount(info fs.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Nlink)
	}
	return 1
}

// SyncTo replicates the blobs named by refs from p into dst, inserting
// across pool boundaries with a streamed copy (pools are not assumed to
// share a filesystem) and reports reuse/new-byte counts. This is the
// primitive the medium syncer composes on top of; see original_source
// src/pool.rs sync_pool for the algorithm this generalizes.
func (p *Pool) SyncTo(ctx context.Context, dst *Pool, refs []Handle, verify bool) (Progress, error) {
	var progress Progress
	for _, h := range refs {
		if dst.Contains(h) {
			progress.Reused++
			if verify {
				if err := verifyBlob(dst.blobPath(h.Hex), h.Hex); err != nil {
					return progress, err
				}
			}
			continue
		}

		src := p.blobPath(h.Hex)
		f, err := os.Open(src)
		if err != nil {
			return progress, mirrorerr.WithPath(mirrorerr.KindPoolIO, src, err)
		}
		got, err := dst.Insert(ctx, f, h.Hex)
		_ = f.Close()
		if err != nil {
			return progress, err
		}
		info, _ := os.Stat(dst.blobPath(got.Hex))
		if info != nil {
			progress.NewBytes += info.Size()
		}
		progress.New++
	}
	return progress, nil
}

func verifyBlob(path, expectedHex string) error {
	f, err := os.Open(path)
	if err != nil {
		return mirrorerr.New(mirrorerr.KindPoolIO, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return mirrorerr.New(mirrorerr.KindPoolIO, err)
	}
	actual := hex.EncodeToString(h.Sum(nil))
	if actual != expectedHex {
		return mirrorerr.HashMismatch(path, expectedHex, actual)
	}
	return nil
}

// Diff reports blobs present only on this side (onlyLocal) and only on
// other (onlyOther), by hex digest.
func (p *Pool) Diff(other *Pool) (onlyLocal, onlyOther []string, err error) {
	local, err := p.listHex()
	if err != nil {
		return nil, nil, err
	}
	remote, err := other.listHex()
	if err != nil {
		return nil, nil, err
	}

	remoteSet := map[string]struct{}{}
	for _, h := range remote {
		remoteSet[h] = struct{}{}
	}
	localSet := map[string]struct{}{}
	for _, h := range local {
		localSet[h] = struct{}{}
	}

	for _, h := range local {
		if _, ok := remoteSet[h]; !ok {
			onlyLocal = append(onlyLocal, h)
		}
	}
	for _, h := range remote {
		if _, ok := localSet[h]; !ok {
			onlyOther = append(onlyOther, h)
		}
	}
	sort.Strings(onlyLocal)
	sort.Strings(onlyOther)
	return onlyLocal, onlyOther, nil
}

func (p *Pool) listHex() ([]string, error) {
	entries, err := os.ReadDir(p.algoDir())
	if err != nil {
		return nil, mirrorerr.New(mirrorerr.KindPoolIO, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) == 64 {
			out = append(out, name)
		}
	}
	return out, nil
}

// Progress accumulates new-vs-reused counters across an insert-heavy
// operation, supplementing the "counts of files reused from pool, files
// fetched" summary the progress sink must be able to render.
type Progress struct {
	New      int
	NewBytes int64
	Reused   int
}

func (p *Progress) Add(o Progress) {
	p.New += o.New
	p.NewBytes += o.NewBytes
	p.Reused += o.Reused
}

// ReusedPercent returns the percentage of total items that were reused
// from the pool rather than freshly fetched, or 0 if there were no items.
func (p Progress) ReusedPercent() float64 {
	total := p.New + p.Reused
	if total == 0 {
		return 0
	}
	return 100 * float64(p.Reused) / float64(total)
}

func (p Progress) String() string {
	return fmt.Sprintf("%d new (%d bytes), %d reused (%.1f%% reused)", p.New, p.NewBytes, p.Reused, p.ReusedPercent())
}
