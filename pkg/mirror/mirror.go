// Package mirror orchestrates one mirror operation end to end: opening
// the shared pool, running a snapshot sync, and coordinating multi-mirror
// garbage collection against that pool.
package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/proxmox/proxmox-offline-mirror/pkg/config"
	"github.com/proxmox/proxmox-offline-mirror/pkg/fetch"
	"github.com/proxmox/proxmox-offline-mirror/pkg/mirrorerr"
	"github.com/proxmox/proxmox-offline-mirror/pkg/pool"
	"github.com/proxmox/proxmox-offline-mirror/pkg/progress"
	"github.com/proxmox/proxmox-offline-mirror/pkg/signature"
	"github.com/proxmox/proxmox-offline-mirror/pkg/snapshot"
)

// Registry owns the pool shared by every mirror rooted under baseDir and
// opens individual Mirrors against it.
type Registry struct {
	baseDir string
	pool    *pool.Pool
}

// Open opens (creating if absent) the shared pool at <baseDir>/.pool.
func Open(baseDir string) (*Registry, error) {
	p, err := pool.Open(filepath.Join(baseDir, ".pool"))
	if err != nil {
		return nil, err
	}
	return &Registry{baseDir: baseDir, pool: p}, nil
}

// Pool returns the registry's shared content-addressed store.
func (r *Registry) Pool() *pool.Pool { return r.pool }

// Mirror binds a MirrorConfig to the registry's shared pool and directory
// tree, ready to sync.
type Mirror struct {
	id  string
	dir string
	cfg config.MirrorConfig
	reg *Registry
}

// Mirror opens (creating if absent) the mirror directory for id.
func (r *Registry) Mirror(id string, cfg config.MirrorConfig) (*Mirror, error) {
	dir := cfg.BaseDir
	if dir == "" {
		dir = filepath.Join(r.baseDir, id)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, mirrorerr.New(mirrorerr.KindPoolIO, err)
	}
	return &Mirror{id: id, dir: dir, cfg: cfg, reg: r}, nil
}

// Sync runs one snapshot sync against the mirror's configured upstream,
// recovering any abandoned in-progress snapshot first.
func (m *Mirror) Sync(ctx context.Context, sink progress.Sink) (string, error) {
	if _, err := snapshot.Recover(m.dir); err != nil {
		return "", err
	}

	unlock, err := lockMirror(ctx, m.dir)
	if err != nil {
		return "", err
	}
	defer unlock()

	keyring, err := signature.LoadKeyring(m.cfg.Keyring)
	if err != nil {
		return "", err
	}
	verifier := signature.NewVerifier(keyring)

	src, err := sourceFromRepository(m.cfg.Repository, m.cfg.Suite)
	if err != nil {
		return "", err
	}

	mat := snapshot.New(m.dir, m.reg.pool, fetch.New(), verifier, sink)
	return mat.Sync(ctx, src, m.cfg.Filter, snapshot.Options{
		Verify:              m.cfg.Verify,
		IgnoreErrors:        m.cfg.IgnoreErrors,
		AllowExpiredRelease: false,
	})
}

// sourceFromRepository parses a sources.list-style "deb URL suite
// components..." line into the two base URLs the planner needs.
func sourceFromRepository(repository, suite string) (snapshot.Source, error) {
	fields := strings.Fields(repository)
	var baseURL string
	for _, f := range fields {
		if strings.HasPrefix(f, "http://") || strings.HasPrefix(f, "https://") {
			baseURL = f
			break
		}
	}
	if baseURL == "" {
		return snapshot.Source{}, fmt.Errorf("repository line %q has no URL", repository)
	}
	return snapshot.Source{
		DistsURL:   strings.TrimSuffix(baseURL, "/") + "/dists/" + suite,
		ArchiveURL: baseURL,
	}, nil
}

// Snapshots lists the committed snapshot ids under the mirror, oldest
// first.
func (m *Mirror) Snapshots() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, mirrorerr.New(mirrorerr.KindPoolIO, err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(m.dir, e.Name(), ".finished")); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Dir returns the mirror's root directory.
func (m *Mirror) Dir() string { return m.dir }

// RemoveSnapshot unlinks a snapshot's directory tree. It does not reclaim
// any pool blobs: a snapshot's files are hardlinks into the shared pool,
// and other snapshots or media may still reference the same blobs, so
// space is only actually freed by a subsequent GC, grounded on the
// original's remove_snapshot/gc split.
func (m *Mirror) RemoveSnapshot(id string) error {
	dir := filepath.Join(m.dir, id)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return mirrorerr.WithPath(mirrorerr.KindUnknownSnapshot, id, err)
		}
		return mirrorerr.New(mirrorerr.KindPoolIO, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return mirrorerr.New(mirrorerr.KindPoolIO, err)
	}
	return nil
}

// DiffSnapshots compares the file sets of two committed snapshots of this
// mirror, returning the relative paths present only in a and only in b.
func (m *Mirror) DiffSnapshots(a, b string) (onlyA, onlyB []string, err error) {
	filesA, err := snapshotFiles(filepath.Join(m.dir, a))
	if err != nil {
		return nil, nil, err
	}
	filesB, err := snapshotFiles(filepath.Join(m.dir, b))
	if err != nil {
		return nil, nil, err
	}

	setB := map[string]struct{}{}
	for _, f := range filesB {
		setB[f] = struct{}{}
	}
	setA := map[string]struct{}{}
	for _, f := range filesA {
		setA[f] = struct{}{}
	}

	for _, f := range filesA {
		if _, ok := setB[f]; !ok {
			onlyA = append(onlyA, f)
		}
	}
	for _, f := range filesB {
		if _, ok := setA[f]; !ok {
			onlyB = append(onlyB, f)
		}
	}
	sort.Strings(onlyA)
	sort.Strings(onlyB)
	return onlyA, onlyB, nil
}

// snapshotFiles lists every regular file under a snapshot directory,
// relative to it, excluding the commit-protocol marker files.
func snapshotFiles(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if name == ".in-progress" || name == ".finished" || name == ".finished.tmp" {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, mirrorerr.New(mirrorerr.KindPoolIO, err)
	}
	return out, nil
}

// ReferencedBlobs walks every committed snapshot across mirrorDirs and
// returns the union of hex digests referenced by a hardlink, for feeding
// into pool.GC. This is the caller-side half of the design note that
// directs multi-mirror GC orchestration to walk mirror directories rather
// than putting that knowledge into the pool itself.
func ReferencedBlobs(ctx context.Context, mirrorDirs []string) (map[string]struct{}, error) {
	referenced := map[string]struct{}{}

	for _, dir := range mirrorDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, mirrorerr.New(mirrorerr.KindPoolIO, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			snapDir := filepath.Join(dir, e.Name())
			if _, err := os.Stat(filepath.Join(snapDir, ".finished")); err != nil {
				continue
			}
			if err := collectHashes(snapDir, referenced); err != nil {
				return nil, err
			}
		}
	}
	return referenced, nil
}

// collectHashes hashes every regular file under snapDir and records its
// digest. Every such file is a hardlink into the pool, so its content
// hash is, by the pool's own invariant, exactly the pool blob's name.
func collectHashes(snapDir string, into map[string]struct{}) error {
	return filepath.WalkDir(snapDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if name == ".in-progress" || name == ".finished" || name == ".finished.tmp" {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		h := sha256.New()
		if _, err := io.Copy(h, f); err != nil {
			return err
		}
		into[hex.EncodeToString(h.Sum(nil))] = struct{}{}
		return nil
	})
}

// GC runs pool-wide garbage collection, treating every committed snapshot
// (one with a `.finished` marker) under mirrorDirs as live.
func (r *Registry) GC(ctx context.Context, mirrorDirs []string) (pool.Stats, error) {
	referenced, err := ReferencedBlobs(ctx, mirrorDirs)
	if err != nil {
		return pool.Stats{}, err
	}
	return r.pool.GC(ctx, referenced)
}
