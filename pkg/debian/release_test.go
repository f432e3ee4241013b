package debian_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxmox/proxmox-offline-mirror/pkg/debian"
	"github.com/proxmox/proxmox-offline-mirror/pkg/mirrorerr"
)

const sampleRelease = `Suite: stable
Codename: bookworm
Date: Mon, 01 Jan 2024 00:00:00 UTC
Valid-Until: Mon, 08 Jan 2024 00:00:00 UTC
Architectures: amd64 arm64 all
Components: main contrib
MD5Sum:
 d41d8cd98f00b204e9800998ecf8427e 0 main/binary-amd64/Packages
SHA256:
 e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855 100 main/binary-amd64/Packages
 e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b856 200 main/binary-amd64/Packages.gz
`

func TestParseReleasePrefersStrongestHash(t *testing.T) {
	t.Parallel()
	rel, err := debian.ParseRelease([]byte(sampleRelease))
	require.NoError(t, err)

	assert.Equal(t, "stable", rel.Suite)
	assert.Equal(t, "bookworm", rel.Codename)
	assert.ElementsMatch(t, []string{"amd64", "arm64", "all"}, rel.Architectures)

	entry, err := rel.RequireFile("main/binary-amd64/Packages")
	require.NoError(t, err)
	assert.Equal(t, "sha256", entry.Algo)
	assert.Equal(t, int64(100), entry.Size)
}

func TestParseReleaseMissingFileFails(t *testing.T) {
	t.Parallel()
	rel, err := debian.ParseRelease([]byte(sampleRelease))
	require.NoError(t, err)

	_, err = rel.RequireFile("does/not/exist")
	require.Error(t, err)
	assert.True(t, mirrorerr.Is(err, mirrorerr.KindReleaseIncomplete))
}

func TestCheckValidityExpired(t *testing.T) {
	t.Parallel()
	rel, err := debian.ParseRelease([]byte(sampleRelease))
	require.NoError(t, err)

	future := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	err = rel.CheckValidity(future, false)
	require.Error(t, err)
	assert.True(t, mirrorerr.Is(err, mirrorerr.KindReleaseExpired))

	// Opting in to expired releases suppresses the error.
	require.NoError(t, rel.CheckValidity(future, true))
}

func TestFilterArchitecturesKeepsAllWhenRequested(t *testing.T) {
	t.Parallel()
	rel, err := debian.ParseRelease([]byte(sampleRelease))
	require.NoError(t, err)

	got := rel.FilterArchitectures([]string{"amd64", "all"})
	assert.ElementsMatch(t, []string{"amd64", "all"}, got)
}
