package medium_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxmox/proxmox-offline-mirror/pkg/medium"
)

func TestSyncSnapshotReplicatesTreeAndSkipsMarkers(t *testing.T) {
	t.Parallel()
	srcDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "pool/main/f"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "pool/main/f/foo.deb"), []byte("deb contents"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, ".finished"), []byte("{}"), 0o644))

	mountpoint := t.TempDir()
	m, err := medium.Open(mountpoint)
	require.NoError(t, err)

	require.NoError(t, m.SyncSnapshot(context.Background(), "debian-stable", "2026-01-01_00-00-00", srcDir))

	linked := filepath.Join(mountpoint, "debian-stable", "2026-01-01_00-00-00", "pool/main/f/foo.deb")
	data, err := os.ReadFile(linked)
	require.NoError(t, err)
	assert.Equal(t, "deb contents", string(data))

	require.NoFileExists(t, filepath.Join(mountpoint, "debian-stable", "2026-01-01_00-00-00", ".finished"))
}

func TestRecordSyncPersistsState(t *testing.T) {
	t.Parallel()
	mountpoint := t.TempDir()
	m, err := medium.Open(mountpoint)
	require.NoError(t, err)

	require.NoError(t, m.RecordSync("debian-stable", "2026-01-01_00-00-00"))

	state, err := m.LoadState()
	require.NoError(t, err)
	require.Contains(t, state.Mirrors, "debian-stable")
	assert.Equal(t, "2026-01-01_00-00-00", state.Mirrors["debian-stable"].LastSnapshot)
}

func TestMediumStateDiff(t *testing.T) {
	t.Parallel()
	state := medium.MediumState{Mirrors: map[string]medium.MirrorSyncState{
		"stale-mirror": {LastSnapshot: "x"},
		"kept-mirror":  {LastSnapshot: "y"},
	}}

	diff := state.Diff([]string{"kept-mirror", "new-mirror"})
	assert.ElementsMatch(t, []string{"stale-mirror"}, diff.TargetOnly)
	assert.ElementsMatch(t, []string{"new-mirror"}, diff.SourceOnly)
}

func TestSourcesListLine(t *testing.T) {
	t.Parallel()
	line := medium.SourcesListLine("/media/usb", "debian-stable", "2026-01-01_00-00-00", "bookworm", []string{"main", "contrib"})
	assert.Equal(t, "deb [trusted=yes] file:///media/usb/debian-stable/2026-01-01_00-00-00 bookworm main contrib", line)
}

func TestWriteMirrorInfoMergesByMirrorID(t *testing.T) {
	t.Parallel()
	mountpoint := t.TempDir()
	m, err := medium.Open(mountpoint)
	require.NoError(t, err)

	require.NoError(t, m.WriteMirrorInfo("debian-stable", medium.MirrorInfo{
		MirrorID:      "debian-stable",
		Suite:         "bookworm",
		Components:    []string{"main"},
		Snapshots:     []string{"2026-01-01_00-00-00"},
		ReleaseSHA256: "deadbeef",
	}))

	data, err := os.ReadFile(filepath.Join(mountpoint, "mirror-info.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "deadbeef")
	assert.Contains(t, string(data), "2026-01-01_00-00-00")
}

func TestSyncedSnapshotsListsSnapshotDirs(t *testing.T) {
	t.Parallel()
	srcDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "pool"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "pool/a.deb"), []byte("x"), 0o644))

	mountpoint := t.TempDir()
	m, err := medium.Open(mountpoint)
	require.NoError(t, err)
	require.NoError(t, m.SyncSnapshot(context.Background(), "debian-stable", "2026-01-01_00-00-00", srcDir))

	snapshots, err := m.SyncedSnapshots("debian-stable")
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-01-01_00-00-00"}, snapshots)
}

func TestLockExcludesConcurrentSync(t *testing.T) {
	t.Parallel()
	mountpoint := t.TempDir()
	m, err := medium.Open(mountpoint)
	require.NoError(t, err)

	unlock, err := m.Lock(context.Background())
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx)
	require.Error(t, err)
}

func TestCopyKeyWritesVerbatim(t *testing.T) {
	t.Parallel()
	mountpoint := t.TempDir()
	m, err := medium.Open(mountpoint)
	require.NoError(t, err)

	require.NoError(t, m.CopyKey("abc123", []byte("opaque-blob")))
	data, err := os.ReadFile(filepath.Join(mountpoint, "keys", "abc123.signed"))
	require.NoError(t, err)
	assert.Equal(t, "opaque-blob", string(data))
}
