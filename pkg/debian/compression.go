package debian

import (
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Compression identifies the transparent decompression applied to an
// index file body. Consolidates the two overlapping Compression types the
// teacher carried in pkg/repo/repo.go and pkg/repo/compression.go into one,
// and adds Zstd for the Packages.zst/Sources.zst variants increasingly
// published alongside the classic gz/xz/bz2 trio.
type Compression string

const (
	CompressionNone = Compression("")
	CompressionGZIP = Compression("gz")
	CompressionXZ   = Compression("xz")
	CompressionBZIP = Compression("bz2")
	CompressionZstd = Compression("zst")
)

// ParseCompression maps a file extension (with or without the leading
// dot) to a Compression.
func ParseCompression(s string) Compression {
	switch strings.TrimPrefix(s, ".") {
	case "gz":
		return CompressionGZIP
	case "xz":
		return CompressionXZ
	case "bz2":
		return CompressionBZIP
	case "zst":
		return CompressionZstd
	default:
		return CompressionNone
	}
}

// CompressionFromFilename infers a Compression from a trailing extension,
// e.g. "Packages.xz" -> CompressionXZ, "Packages" -> CompressionNone.
func CompressionFromFilename(name string) Compression {
	if i := strings.LastIndex(name, "."); i >= 0 {
		if c := ParseCompression(name[i+1:]); c != CompressionNone {
			return c
		}
	}
	return CompressionNone
}

func (c Compression) String() string { return string(c) }

// Extension returns the file extension (with leading dot) for c, or "" for
// CompressionNone.
func (c Compression) Extension() string {
	switch c {
	case CompressionGZIP, CompressionXZ, CompressionBZIP, CompressionZstd:
		return "." + string(c)
	default:
		return ""
	}
}

// Decompress wraps r in the appropriate transparent decompressor. The
// returned reader must be fully drained (and, for gzip/zstd, closed where
// applicable) by the caller.
func Decompress(c Compression, r io.Reader) (io.Reader, error) {
	switch c {
	case CompressionNone:
		return r, nil
	case CompressionGZIP:
		return gzip.NewReader(r)
	case CompressionXZ:
		return xz.NewReader(r)
	case CompressionBZIP:
		return bzip2.NewReader(r), nil
	case CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("debian: unknown compression %q", c)
	}
}

// Compress is used only by tests and fixtures to build compressed index
// bodies; the mirror core never re-compresses upstream content (bytes are
// preserved exactly), but exercising round-trips needs a writer side.
func Compress(c Compression, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionGZIP:
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case CompressionXZ:
		w, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case CompressionZstd:
		w, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case CompressionBZIP:
		return nil, fmt.Errorf("debian: bzip2 compression not implemented (decode-only, matching upstream's own publishing practice)")
	default:
		return nil, fmt.Errorf("debian: unknown compression %q", c)
	}
	return buf.Bytes(), nil
}
