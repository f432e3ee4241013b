package debian_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxmox/proxmox-offline-mirror/pkg/debian"
)

func TestParseControlFileMultiParagraph(t *testing.T) {
	t.Parallel()
	in := strings.NewReader("Package: foo\nVersion: 1.0\nDescription: a package\n that does things\n\nPackage: bar\nVersion: 2.0\n")

	paragraphs, err := debian.ParseControlFile(in)
	require.NoError(t, err)
	require.Len(t, paragraphs, 2)
	assert.Equal(t, "foo", paragraphs[0]["Package"])
	assert.Equal(t, "a package\nthat does things", paragraphs[0]["Description"])
	assert.Equal(t, "bar", paragraphs[1]["Package"])
}

func TestParseControlFileContinuationWithoutField(t *testing.T) {
	t.Parallel()
	_, err := debian.ParseControlFile(strings.NewReader(" leading continuation\n"))
	require.Error(t, err)
}

func TestWriteControlFileRoundTrip(t *testing.T) {
	t.Parallel()
	p := debian.Paragraph{"Package": "foo", "Version": "1.0"}

	var buf bytes.Buffer
	require.NoError(t, debian.WriteControlFile(&buf, p))

	parsed, err := debian.ParseControlFile(&buf)
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.Equal(t, p, parsed[0])
}

func TestParagraphFields(t *testing.T) {
	t.Parallel()
	p := debian.Paragraph{"Architectures": "amd64 arm64 all"}
	assert.Equal(t, []string{"amd64", "arm64", "all"}, p.Fields("Architectures"))
	assert.Nil(t, p.Fields("Missing"))
}
