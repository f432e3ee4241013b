// Package medium synchronizes selected mirror snapshots onto detachable
// external media, replicating blobs into a medium-local pool (copying
// across the filesystem boundary that rules out hardlinks) and
// hardlinking them into a mirror-rooted tree that mirrors the source
// layout.
package medium

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/proxmox/proxmox-offline-mirror/pkg/mirrorerr"
	"github.com/proxmox/proxmox-offline-mirror/pkg/pool"
)

// MirrorInfo summarizes one mirror's presence on the medium, enough for
// an offline-side helper to present a menu without re-parsing archives.
type MirrorInfo struct {
	MirrorID      string    `json:"mirror_id"`
	Suite         string    `json:"suite"`
	Components    []string  `json:"components"`
	Snapshots     []string  `json:"snapshots"`
	LastSynced    time.Time `json:"last_synced"`
	ReleaseSHA256 string    `json:"release_sha256"`
}

// MirrorInfoFile is the top-level `mirror-info.json` written at the
// medium root.
type MirrorInfoFile struct {
	Mirrors map[string]MirrorInfo `json:"mirrors"`
}

// MediumState is `.medium-state.json`: per-mirror last-synced snapshot
// plus bookkeeping needed to diff against the medium's configured mirror
// set.
type MediumState struct {
	Mirrors  map[string]MirrorSyncState `json:"mirrors"`
	LastSync time.Time                  `json:"last_sync"`
}

// MirrorSyncState is the last-synced snapshot recorded for one mirror.
type MirrorSyncState struct {
	LastSnapshot string    `json:"last_snapshot"`
	SyncedAt     time.Time `json:"synced_at"`
}

// MirrorDiff reports configured-vs-synced mirror id sets, mirroring the
// MediumMirrorState diffing in the system this was distilled from.
type MirrorDiff struct {
	Synced     []string
	Configured []string
	SourceOnly []string // configured but never synced
	TargetOnly []string // synced but no longer configured
}

// Diff computes a MirrorDiff between the medium's persisted state and the
// caller's current set of configured mirror ids.
func (s MediumState) Diff(configuredMirrorIDs []string) MirrorDiff {
	synced := map[string]struct{}{}
	for id := range s.Mirrors {
		synced[id] = struct{}{}
	}
	configured := map[string]struct{}{}
	for _, id := range configuredMirrorIDs {
		configured[id] = struct{}{}
	}

	var d MirrorDiff
	for id := range synced {
		d.Synced = append(d.Synced, id)
	}
	for id := range configured {
		d.Configured = append(d.Configured, id)
		if _, ok := synced[id]; !ok {
			d.SourceOnly = append(d.SourceOnly, id)
		}
	}
	for id := range synced {
		if _, ok := configured[id]; !ok {
			d.TargetOnly = append(d.TargetOnly, id)
		}
	}

	sort.Strings(d.Synced)
	sort.Strings(d.Configured)
	sort.Strings(d.SourceOnly)
	sort.Strings(d.TargetOnly)
	return d
}

// Medium drives synchronization onto one mountpoint.
type Medium struct {
	mountpoint string
	pool       *pool.Pool
	now        func() time.Time
}

// Open opens (creating if absent) the medium-local pool at
// <mountpoint>/.pool and returns a Medium ready to sync into.
func Open(mountpoint string) (*Medium, error) {
	p, err := pool.Open(filepath.Join(mountpoint, ".pool"))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(mountpoint, "keys"), 0o755); err != nil {
		return nil, mirrorerr.New(mirrorerr.KindPoolIO, err)
	}
	return &Medium{mountpoint: mountpoint, pool: p, now: time.Now}, nil
}

// Lock takes the medium's advisory lock at <mountpoint>/.lock for the
// duration of a sync, so two medium-sync processes can't race on the same
// mountpoint. Callers should hold it across SyncSnapshot, WriteMirrorInfo,
// CopyKey, and RecordSync for one sync run.
func (m *Medium) Lock(ctx context.Context) (unlock func(), err error) {
	return lockMedium(ctx, m.mountpoint)
}

// SyncSnapshot replicates one committed mirror snapshot tree onto the
// medium: every regular file under sourceSnapshotDir is inserted into the
// medium pool (a cross-filesystem copy, since hardlinks cannot span
// mounts) and relinked at the same relative path under
// <mountpoint>/<mirrorID>/<snapshotID>/.
func (m *Medium) SyncSnapshot(ctx context.Context, mirrorID, snapshotID, sourceSnapshotDir string) error {
	destSnapshotDir := filepath.Join(m.mountpoint, mirrorID, snapshotID)

	err := filepath.WalkDir(sourceSnapshotDir, func(path string, d fs.DirEntry, err error) error {
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

		rel, err := filepath.Rel(sourceSnapshotDir, path)
		if err != nil {
			return err
		}
		return m.syncFile(ctx, path, filepath.Join(destSnapshotDir, rel))
	})
	if err != nil {
		return mirrorerr.New(mirrorerr.KindPoolIO, err)
	}
	return nil
}

// SyncedSnapshots lists the snapshot ids present on the medium for
// mirrorID, for populating MirrorInfo.Snapshots.
func (m *Medium) SyncedSnapshots(mirrorID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.mountpoint, mirrorID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, mirrorerr.New(mirrorerr.KindPoolIO, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Medium) syncFile(ctx context.Context, src, dest string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	h, err := m.pool.Insert(ctx, f, "")
	if err != nil {
		return err
	}
	return m.pool.Link(ctx, h, dest)
}

// WriteMirrorInfo merges info into the medium's `mirror-info.json`.
func (m *Medium) WriteMirrorInfo(mirrorID string, info MirrorInfo) error {
	path := filepath.Join(m.mountpoint, "mirror-info.json")
	file, err := readMirrorInfoFile(path)
	if err != nil {
		return err
	}
	if file.Mirrors == nil {
		file.Mirrors = map[string]MirrorInfo{}
	}
	file.Mirrors[mirrorID] = info
	return writeJSON(path, file)
}

func readMirrorInfoFile(path string) (MirrorInfoFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return MirrorInfoFile{Mirrors: map[string]MirrorInfo{}}, nil
	}
	if err != nil {
		return MirrorInfoFile{}, mirrorerr.New(mirrorerr.KindPoolIO, err)
	}
	var file MirrorInfoFile
	if err := json.Unmarshal(data, &file); err != nil {
		return MirrorInfoFile{}, mirrorerr.New(mirrorerr.KindPoolIO, err)
	}
	return file, nil
}

// LoadState reads `.medium-state.json`, returning a zero-value state if
// it does not yet exist.
func (m *Medium) LoadState() (MediumState, error) {
	path := filepath.Join(m.mountpoint, ".medium-state.json")
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return MediumState{Mirrors: map[string]MirrorSyncState{}}, nil
	}
	if err != nil {
		return MediumState{}, mirrorerr.New(mirrorerr.KindPoolIO, err)
	}
	var state MediumState
	if err := json.Unmarshal(data, &state); err != nil {
		return MediumState{}, mirrorerr.New(mirrorerr.KindPoolIO, err)
	}
	return state, nil
}

// RecordSync updates and persists the medium's state after a successful
// SyncSnapshot.
func (m *Medium) RecordSync(mirrorID, snapshotID string) error {
	state, err := m.LoadState()
	if err != nil {
		return err
	}
	if state.Mirrors == nil {
		state.Mirrors = map[string]MirrorSyncState{}
	}
	now := m.now().UTC()
	state.Mirrors[mirrorID] = MirrorSyncState{LastSnapshot: snapshotID, SyncedAt: now}
	state.LastSync = now

	return writeJSON(filepath.Join(m.mountpoint, ".medium-state.json"), state)
}

// CopyKey writes a subscription-key blob verbatim into the medium's
// sibling `keys/` directory. The blob's contents are opaque to the core.
func (m *Medium) CopyKey(keyID string, data []byte) error {
	path := filepath.Join(m.mountpoint, "keys", keyID+".signed")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return mirrorerr.New(mirrorerr.KindPoolIO, err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mirrorerr.New(mirrorerr.KindPoolIO, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return mirrorerr.New(mirrorerr.KindPoolIO, err)
	}
	return os.Rename(tmp, path)
}

// SourcesListLine renders the single `deb [trusted=yes] file://...`
// sources.list line an offline-side helper would need to consume a
// synced mirror from this medium. It is a pure function: data in, string
// out, no file I/O, since the helper tool itself is out of scope here.
func SourcesListLine(mountpointBase, mirrorID, snapshotID, suite string, components []string) string {
	path := filepath.Join(mountpointBase, mirrorID, snapshotID)
	line := "deb [trusted=yes] file://" + path + " " + suite
	for _, c := range components {
		line += " " + c
	}
	return line
}
