package mirror_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxmox/proxmox-offline-mirror/pkg/config"
	"github.com/proxmox/proxmox-offline-mirror/pkg/mirror"
	"github.com/proxmox/proxmox-offline-mirror/pkg/mirrorerr"
)

func writeSnapshot(t *testing.T, mirrorDir, id string, files map[string]string, finished bool) {
	t.Helper()
	dir := filepath.Join(mirrorDir, id)
	for rel, content := range files {
		full := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	if finished {
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".finished"), []byte("{}"), 0o644))
	} else {
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".in-progress"), nil, 0o644))
	}
}

func TestReferencedBlobsOnlyCountsCommittedSnapshots(t *testing.T) {
	t.Parallel()
	mirrorDir := t.TempDir()
	writeSnapshot(t, mirrorDir, "2026-01-01_00-00-00", map[string]string{"pool/main/f/foo.deb": "foo"}, true)
	writeSnapshot(t, mirrorDir, "2026-01-02_00-00-00", map[string]string{"pool/main/b/bar.deb": "bar"}, false)

	referenced, err := mirror.ReferencedBlobs(context.Background(), []string{mirrorDir})
	require.NoError(t, err)

	assert.Len(t, referenced, 1)
}

func TestRemoveSnapshotUnlinksDirOnly(t *testing.T) {
	t.Parallel()
	mirrorDir := t.TempDir()
	writeSnapshot(t, mirrorDir, "2026-01-01_00-00-00", map[string]string{"pool/main/f/foo.deb": "foo"}, true)

	reg, err := mirror.Open(t.TempDir())
	require.NoError(t, err)
	m, err := reg.Mirror("m", config.MirrorConfig{BaseDir: mirrorDir})
	require.NoError(t, err)

	require.NoError(t, m.RemoveSnapshot("2026-01-01_00-00-00"))
	_, err = os.Stat(filepath.Join(mirrorDir, "2026-01-01_00-00-00"))
	assert.True(t, os.IsNotExist(err))
}

func TestRemoveSnapshotUnknownIDFails(t *testing.T) {
	t.Parallel()
	mirrorDir := t.TempDir()

	reg, err := mirror.Open(t.TempDir())
	require.NoError(t, err)
	m, err := reg.Mirror("m", config.MirrorConfig{BaseDir: mirrorDir})
	require.NoError(t, err)

	err = m.RemoveSnapshot("does-not-exist")
	require.Error(t, err)
	assert.True(t, mirrorerr.Is(err, mirrorerr.KindUnknownSnapshot))
}

func TestDiffSnapshotsReportsAddedAndRemoved(t *testing.T) {
	t.Parallel()
	mirrorDir := t.TempDir()
	writeSnapshot(t, mirrorDir, "2026-01-01_00-00-00", map[string]string{
		"pool/main/f/foo.deb": "foo",
		"pool/main/b/bar.deb": "bar",
	}, true)
	writeSnapshot(t, mirrorDir, "2026-01-02_00-00-00", map[string]string{
		"pool/main/f/foo.deb": "foo",
		"pool/main/q/qux.deb": "qux",
	}, true)

	reg, err := mirror.Open(t.TempDir())
	require.NoError(t, err)
	m, err := reg.Mirror("m", config.MirrorConfig{BaseDir: mirrorDir})
	require.NoError(t, err)

	onlyA, onlyB, err := m.DiffSnapshots("2026-01-01_00-00-00", "2026-01-02_00-00-00")
	require.NoError(t, err)
	assert.Equal(t, []string{"pool/main/b/bar.deb"}, onlyA)
	assert.Equal(t, []string{"pool/main/q/qux.deb"}, onlyB)
}

func TestReferencedBlobsAcrossMultipleMirrors(t *testing.T) {
	t.Parallel()
	mirrorA := t.TempDir()
	mirrorB := t.TempDir()
	writeSnapshot(t, mirrorA, "2026-01-01_00-00-00", map[string]string{"pool/main/f/foo.deb": "foo"}, true)
	writeSnapshot(t, mirrorB, "2026-01-01_00-00-00", map[string]string{"pool/main/b/bar.deb": "bar"}, true)

	referenced, err := mirror.ReferencedBlobs(context.Background(), []string{mirrorA, mirrorB})
	require.NoError(t, err)
	assert.Len(t, referenced, 2)
}
