package debian_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxmox/proxmox-offline-mirror/pkg/debian"
)

const samplePackages = `Package: x
Architecture: amd64
Section: main/utils
Filename: pool/main/x/x_1.deb
Size: 100
SHA256: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa

Package: y
Architecture: all
Section: main/utils
Filename: pool/main/y/y_1.deb
Size: 200
SHA256: bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb
`

func TestParsePackages(t *testing.T) {
	t.Parallel()
	recs, err := debian.ParsePackages(strings.NewReader(samplePackages), debian.CompressionNone)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "pool/main/x/x_1.deb", recs[0].Filename)
	assert.Equal(t, int64(100), recs[0].Size)
	assert.Equal(t, "amd64", recs[0].Architecture)
	assert.Equal(t, "all", recs[1].Architecture)
}

func TestParsePackagesMissingHashFails(t *testing.T) {
	t.Parallel()
	bad := "Package: x\nFilename: x.deb\nSize: 1\n"
	_, err := debian.ParsePackages(strings.NewReader(bad), debian.CompressionNone)
	require.Error(t, err)
}

const sampleSources = `Package: x
Directory: pool/main/x
Section: main
Checksums-Sha256:
 cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc 1234 x_1.dsc
 dddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd 5678 x_1.tar.xz
`

func TestParseSources(t *testing.T) {
	t.Parallel()
	recs, err := debian.ParseSources(strings.NewReader(sampleSources), debian.CompressionNone)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "pool/main/x", recs[0].Directory)
	require.Len(t, recs[0].Files, 2)
	assert.Equal(t, "x_1.dsc", recs[0].Files[0].Name)
	assert.Equal(t, int64(5678), recs[0].Files[1].Size)
}
