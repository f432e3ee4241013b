package debian_test

import (
	"archive/tar"
	"bytes"
	"testing"

	"github.com/blakesmith/ar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxmox/proxmox-offline-mirror/pkg/debian"
)

// buildTestDeb assembles a minimal, structurally valid .deb in memory:
// debian-binary, control.tar.gz (with a ./control member), data.tar.gz.
func buildTestDeb(t *testing.T, controlParagraph debian.Paragraph) []byte {
	t.Helper()

	controlTarGz := buildTarGz(t, map[string]string{"./control": renderControl(t, controlParagraph)})
	dataTarGz := buildTarGz(t, map[string]string{"./usr/bin/foobar": "binary contents"})

	var buf bytes.Buffer
	w := ar.NewWriter(&buf)
	require.NoError(t, w.WriteGlobalHeader())
	writeArMember(t, w, "debian-binary", "2.0\n")
	writeArMember(t, w, "control.tar.gz", string(controlTarGz))
	writeArMember(t, w, "data.tar.gz", string(dataTarGz))
	return buf.Bytes()
}

func renderControl(t *testing.T, p debian.Paragraph) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, debian.WriteControlFile(&buf, p))
	return buf.String()
}

func writeArMember(t *testing.T, w *ar.Writer, name string, body string) {
	t.Helper()
	require.NoError(t, w.WriteHeader(&ar.Header{
		Name: name,
		Size: int64(len(body)),
		Mode: 0o644,
	}))
	_, err := w.Write([]byte(body))
	require.NoError(t, err)
}

func buildTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(body)), Mode: 0o644}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	compressed, err := debian.Compress(debian.CompressionGZIP, tarBuf.Bytes())
	require.NoError(t, err)
	return compressed
}

func TestParagraphFromDeb(t *testing.T) {
	t.Parallel()
	want := debian.Paragraph{
		"Package":      "foobar",
		"Version":      "1.2.3",
		"Architecture": "amd64",
		"Maintainer":   "pwagner",
	}
	deb := buildTestDeb(t, want)

	got, err := debian.ParagraphFromDeb(bytes.NewReader(deb))
	require.NoError(t, err)
	assert.Equal(t, want, *got)
}

func TestVerifyDebStructureOK(t *testing.T) {
	t.Parallel()
	deb := buildTestDeb(t, debian.Paragraph{"Package": "foobar"})
	require.NoError(t, debian.VerifyDebStructure(bytes.NewReader(deb)))
}

func TestVerifyDebStructureMissingDataMember(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := ar.NewWriter(&buf)
	require.NoError(t, w.WriteGlobalHeader())
	writeArMember(t, w, "debian-binary", "2.0\n")
	writeArMember(t, w, "control.tar.gz", string(buildTarGz(t, map[string]string{"./control": "Package: x\n"})))

	err := debian.VerifyDebStructure(bytes.NewReader(buf.Bytes()))
	require.Error(t, err)
}
