package debian

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/blakesmith/ar"
)

// ParagraphFromDeb reads the control paragraph from a .deb ar archive,
// locating control.tar.{gz,xz,zst} and extracting the ./control member.
func ParagraphFromDeb(in io.Reader) (*Paragraph, error) {
	for reader := ar.NewReader(in); ; {
		hdr, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("debian: reading ar archive: %w", err)
		}

		c := controlCompression(hdr.Name)
		if c == "" {
			continue
		}

		controlIn, err := Decompress(Compression(c), reader)
		if err != nil {
			return nil, fmt.Errorf("debian: decompressing %s: %w", hdr.Name, err)
		}

		graph, err := findControlMember(controlIn)
		if err != nil {
			return nil, err
		}
		if graph != nil {
			return graph, nil
		}
	}
	return nil, fmt.Errorf("debian: no control member found in .deb")
}

// ParagraphFromDebFile reads the control paragraph from a .deb file on
// disk.
func ParagraphFromDebFile(fn string) (*Paragraph, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParagraphFromDeb(f)
}

func controlCompression(arMemberName string) string {
	switch {
	case strings.HasPrefix(arMemberName, "control.tar."):
		return strings.TrimPrefix(arMemberName, "control.tar.")
	default:
		return ""
	}
}

func findControlMember(r io.Reader) (*Paragraph, error) {
	tarR := tar.NewReader(r)
	for {
		hdr, err := tarR.Next()
		if errors.Is(err, io.EOF) {
			return nil, nil
		} else if err != nil {
			return nil, fmt.Errorf("debian: reading control tarball: %w", err)
		}
		if hdr.Name != "./control" && hdr.Name != "control" {
			continue
		}
		graphs, err := ParseControlFile(tarR)
		if err != nil {
			return nil, fmt.Errorf("debian: parsing control file: %w", err)
		}
		if len(graphs) != 1 {
			return nil, fmt.Errorf("debian: expected exactly one control paragraph, got %d", len(graphs))
		}
		return &graphs[0], nil
	}
}

// VerifyDebStructure opens a .deb as an ar archive and confirms the
// members a well-formed package must have are all present and that each
// is itself a readable tar stream once decompressed: "debian-binary", a
// "control.tar.*" and a "data.tar.*". This is the deep-verify check the
// materializer runs in verify=true mode in addition to the whole-file
// hash comparison; a whole-file hash match already rules out bit rot, but
// not a conforming-by-accident-of-hash but structurally broken publish.
func VerifyDebStructure(in io.Reader) error {
	var sawBinary, sawControl, sawData bool

	for reader := ar.NewReader(in); ; {
		hdr, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return fmt.Errorf("debian: reading ar archive: %w", err)
		}

		switch {
		case hdr.Name == "debian-binary":
			sawBinary = true
			if _, err := io.Copy(io.Discard, reader); err != nil {
				return fmt.Errorf("debian: reading debian-binary: %w", err)
			}
		case strings.HasPrefix(hdr.Name, "control.tar."):
			sawControl = true
			if err := verifyTarMember(hdr.Name, "control.tar.", reader); err != nil {
				return err
			}
		case strings.HasPrefix(hdr.Name, "data.tar."):
			sawData = true
			if err := verifyTarMember(hdr.Name, "data.tar.", reader); err != nil {
				return err
			}
		default:
			if _, err := io.Copy(io.Discard, reader); err != nil {
				return fmt.Errorf("debian: reading %s: %w", hdr.Name, err)
			}
		}
	}

	if !sawBinary || !sawControl || !sawData {
		return fmt.Errorf("debian: malformed .deb: debian-binary=%v control=%v data=%v", sawBinary, sawControl, sawData)
	}
	return nil
}

func verifyTarMember(memberName, prefix string, r io.Reader) error {
	c := strings.TrimPrefix(memberName, prefix)
	decIn, err := Decompress(Compression(c), r)
	if err != nil {
		return fmt.Errorf("debian: decompressing %s: %w", memberName, err)
	}
	tarR := tar.NewReader(decIn)
	for {
		_, err := tarR.Next()
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return fmt.Errorf("debian: reading %s: %w", memberName, err)
		}
		if _, err := io.Copy(io.Discard, tarR); err != nil {
			return fmt.Errorf("debian: reading %s member body: %w", memberName, err)
		}
	}
}
