package debian_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxmox/proxmox-offline-mirror/pkg/debian"
)

func TestCompressionRoundTrip(t *testing.T) {
	t.Parallel()
	data := []byte("Package: foo\nVersion: 1.0\n")

	for _, c := range []debian.Compression{debian.CompressionGZIP, debian.CompressionXZ, debian.CompressionZstd, debian.CompressionNone} {
		c := c
		t.Run(c.String(), func(t *testing.T) {
			t.Parallel()
			compressed, err := debian.Compress(c, data)
			require.NoError(t, err)

			r, err := debian.Decompress(c, bytes.NewReader(compressed))
			require.NoError(t, err)
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestCompressionFromFilename(t *testing.T) {
	t.Parallel()
	assert.Equal(t, debian.CompressionXZ, debian.CompressionFromFilename("Packages.xz"))
	assert.Equal(t, debian.CompressionGZIP, debian.CompressionFromFilename("Sources.gz"))
	assert.Equal(t, debian.CompressionZstd, debian.CompressionFromFilename("Packages.zst"))
	assert.Equal(t, debian.CompressionNone, debian.CompressionFromFilename("Release"))
}

func TestBzip2CompressUnsupported(t *testing.T) {
	t.Parallel()
	_, err := debian.Compress(debian.CompressionBZIP, []byte("x"))
	require.Error(t, err)
}
