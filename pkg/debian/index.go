package debian

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/proxmox/proxmox-offline-mirror/pkg/mirrorerr"
)

// PackageRecord is one stanza of a Packages index.
type PackageRecord struct {
	Filename     string
	Size         int64
	SHA256       string
	Section      string
	Package      string
	Architecture string
}

// SourceFile is one file referenced by a Sources stanza.
type SourceFile struct {
	Name string
	Size int64
	Hash string
}

// SourceRecord is one stanza of a Sources index.
type SourceRecord struct {
	Directory string
	Package   string
	Section   string
	Files     []SourceFile
}

// ParsePackages decompresses (if needed) and parses a Packages index,
// yielding one PackageRecord per stanza. Malformed stanzas fail
// IndexParse.
func ParsePackages(r io.Reader, c Compression) ([]PackageRecord, error) {
	dec, err := Decompress(c, r)
	if err != nil {
		return nil, mirrorerr.New(mirrorerr.KindIndexParse, err)
	}
	paragraphs, err := ParseControlFile(dec)
	if err != nil {
		return nil, mirrorerr.New(mirrorerr.KindIndexParse, err)
	}

	out := make([]PackageRecord, 0, len(paragraphs))
	for i, p := range paragraphs {
		filename, ok := p.Get("Filename")
		if !ok {
			return nil, mirrorerr.New(mirrorerr.KindIndexParse, fmt.Errorf("stanza %d: missing Filename", i))
		}
		sizeStr, ok := p.Get("Size")
		if !ok {
			return nil, mirrorerr.New(mirrorerr.KindIndexParse, fmt.Errorf("stanza %d: missing Size", i))
		}
		size, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil {
			return nil, mirrorerr.New(mirrorerr.KindIndexParse, fmt.Errorf("stanza %d: bad Size %q: %w", i, sizeStr, err))
		}
		sha256, ok := p.Get("SHA256")
		if !ok {
			return nil, mirrorerr.New(mirrorerr.KindIndexParse, fmt.Errorf("stanza %d (%s): missing SHA256", i, filename))
		}

		out = append(out, PackageRecord{
			Filename:     filename,
			Size:         size,
			SHA256:       sha256,
			Section:      p["Section"],
			Package:      p["Package"],
			Architecture: p["Architecture"],
		})
	}
	return out, nil
}

// ParseSources decompresses (if needed) and parses a Sources index.
func ParseSources(r io.Reader, c Compression) ([]SourceRecord, error) {
	dec, err := Decompress(c, r)
	if err != nil {
		return nil, mirrorerr.New(mirrorerr.KindIndexParse, err)
	}
	paragraphs, err := ParseControlFile(dec)
	if err != nil {
		return nil, mirrorerr.New(mirrorerr.KindIndexParse, err)
	}

	out := make([]SourceRecord, 0, len(paragraphs))
	for i, p := range paragraphs {
		dir, ok := p.Get("Directory")
		if !ok {
			return nil, mirrorerr.New(mirrorerr.KindIndexParse, fmt.Errorf("stanza %d: missing Directory", i))
		}
		filesBody, ok := p.Get("Checksums-Sha256")
		if !ok {
			filesBody, ok = p.Get("Files")
			if !ok {
				return nil, mirrorerr.New(mirrorerr.KindIndexParse, fmt.Errorf("stanza %d (%s): missing Checksums-Sha256/Files", i, dir))
			}
		}

		files, err := parseSourceFiles(filesBody)
		if err != nil {
			return nil, mirrorerr.New(mirrorerr.KindIndexParse, fmt.Errorf("stanza %d (%s): %w", i, dir, err))
		}

		out = append(out, SourceRecord{
			Directory: dir,
			Package:   p["Package"],
			Section:   p["Section"],
			Files:     files,
		})
	}
	return out, nil
}

func parseSourceFiles(body string) ([]SourceFile, error) {
	var files []SourceFile
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed file line %q", line)
		}
		hash, sizeStr, name := fields[0], fields[1], fields[2]
		size, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed size in file line %q: %w", line, err)
		}
		files = append(files, SourceFile{Name: name, Size: size, Hash: hash})
	}
	return files, nil
}

// TranslationEntry is one stanza of a Translation-* index, kept only for
// completeness of the fetch plan: the planner needs to know Translation-*
// indices exist and have a hash in Release, not their content.
type TranslationEntry struct {
	Package     string
	Description string
}

// ParseTranslation is a thin scanner confirming a Translation-* body is
// well-formed control-file text; the mirror never inspects translation
// content beyond verifying and storing it byte-exact.
func ParseTranslation(r io.Reader, c Compression) error {
	dec, err := Decompress(c, r)
	if err != nil {
		return mirrorerr.New(mirrorerr.KindIndexParse, err)
	}
	if _, err := ParseControlFile(dec); err != nil {
		return mirrorerr.New(mirrorerr.KindIndexParse, err)
	}
	return nil
}
