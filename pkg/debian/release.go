package debian

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/proxmox/proxmox-offline-mirror/pkg/mirrorerr"
)

// FileEntry is one row of a Release file's hash table: a declared path,
// size, and hash, already resolved to the strongest algorithm present for
// that path.
type FileEntry struct {
	Path string
	Size int64
	Hash string // hex, algorithm named by Algo
	Algo string // "sha256", "sha1", or "md5"
}

// Release is the parsed form of a verified Release/InRelease payload.
type Release struct {
	Suite        string
	Codename     string
	Date         time.Time
	ValidUntil   time.Time
	HasValidTill bool
	Architectures []string
	Components    []string
	Files         map[string]FileEntry // keyed by Path
}

const releaseTimeLayout = "Mon, 02 Jan 2006 15:04:05 MST"

// ParseRelease parses a verified Release/InRelease payload (the canonical
// payload already extracted from its clearsign wrapper, or a detached
// Release whose signature has separately been checked).
func ParseRelease(data []byte) (*Release, error) {
	paragraphs, err := ParseControlFile(bytes.NewReader(data))
	if err != nil {
		return nil, mirrorerr.New(mirrorerr.KindReleaseParse, err)
	}
	if len(paragraphs) != 1 {
		return nil, mirrorerr.New(mirrorerr.KindReleaseParse, fmt.Errorf("expected exactly one paragraph, got %d", len(paragraphs)))
	}
	p := paragraphs[0]

	rel := &Release{
		Suite:         p["Suite"],
		Codename:      p["Codename"],
		Architectures: p.Fields("Architectures"),
		Components:    p.Fields("Components"),
		Files:         map[string]FileEntry{},
	}

	if date, ok := p["Date"]; ok {
		t, err := time.Parse(releaseTimeLayout, date)
		if err != nil {
			return nil, mirrorerr.New(mirrorerr.KindReleaseParse, fmt.Errorf("parsing Date: %w", err))
		}
		rel.Date = t
	}
	if vu, ok := p["Valid-Until"]; ok {
		t, err := time.Parse(releaseTimeLayout, vu)
		if err != nil {
			return nil, mirrorerr.New(mirrorerr.KindReleaseParse, fmt.Errorf("parsing Valid-Until: %w", err))
		}
		rel.ValidUntil = t
		rel.HasValidTill = true
	}

	// Strongest hash present wins per path: SHA256 > SHA1 > MD5Sum.
	for _, field := range []struct {
		key  string
		algo string
	}{
		{"MD5Sum", "md5"},
		{"SHA1", "sha1"},
		{"SHA256", "sha256"},
	} {
		body, ok := p[field.key]
		if !ok {
			continue
		}
		for _, line := range strings.Split(body, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) != 3 {
				return nil, mirrorerr.New(mirrorerr.KindReleaseParse, fmt.Errorf("malformed %s line %q", field.key, line))
			}
			hash, sizeStr, path := fields[0], fields[1], fields[2]
			size, err := strconv.ParseInt(sizeStr, 10, 64)
			if err != nil {
				return nil, mirrorerr.New(mirrorerr.KindReleaseParse, fmt.Errorf("malformed size in %s line %q: %w", field.key, line, err))
			}
			// Overwrite only with a stronger algo than what's already there.
			if existing, ok := rel.Files[path]; !ok || hashStrength(field.algo) > hashStrength(existing.Algo) {
				rel.Files[path] = FileEntry{Path: path, Size: size, Hash: hash, Algo: field.algo}
			}
		}
	}

	return rel, nil
}

func hashStrength(algo string) int {
	switch algo {
	case "sha256":
		return 3
	case "sha1":
		return 2
	case "md5":
		return 1
	default:
		return 0
	}
}

// RequireFile looks up path, failing ReleaseIncomplete if it (or any hash
// for it) is missing.
func (r *Release) RequireFile(path string) (FileEntry, error) {
	e, ok := r.Files[path]
	if !ok {
		return FileEntry{}, mirrorerr.New(mirrorerr.KindReleaseIncomplete, fmt.Errorf("no hash entry for %s", path))
	}
	return e, nil
}

// CheckValidity fails ReleaseExpired if Valid-Until has passed and the
// caller hasn't opted to ignore it.
func (r *Release) CheckValidity(now time.Time, allowExpired bool) error {
	if !r.HasValidTill || allowExpired {
		return nil
	}
	if now.After(r.ValidUntil) {
		return mirrorerr.New(mirrorerr.KindReleaseExpired, fmt.Errorf("valid until %s", r.ValidUntil))
	}
	return nil
}

// FilterArchitectures intersects the Release's advertised architectures
// with requested, keeping "all" iff it was requested.
func (r *Release) FilterArchitectures(requested []string) []string {
	want := map[string]struct{}{}
	for _, a := range requested {
		want[a] = struct{}{}
	}
	var out []string
	for _, a := range r.Architectures {
		if _, ok := want[a]; ok {
			out = append(out, a)
		}
	}
	return out
}
