// Package plan turns a verified Release plus its indices into a
// deterministic, filtered list of files to fetch.
package plan

import (
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/proxmox/proxmox-offline-mirror/pkg/debian"
	"github.com/proxmox/proxmox-offline-mirror/pkg/pool"
)

// Category distinguishes the phase an item belongs to, used only for
// ordering and for progress labeling.
type Category string

const (
	CategoryRelease Category = "release"
	CategoryIndex   Category = "index"
	CategoryPayload Category = "payload"
)

// FetchItem is one file the materializer must obtain.
type FetchItem struct {
	URL          string
	RelPath      string
	ExpectedHash string
	ExpectedSize int64
	Category     Category
}

// Filter selects which indices and packages a mirror wants.
type Filter struct {
	Architectures []string `yaml:"architectures"`
	SkipPackages  []string `yaml:"skip_packages"`
	SkipSections  []string `yaml:"skip_sections"`
	Sources       bool     `yaml:"sources"`
	I18n          bool     `yaml:"i18n"`
}

func (f Filter) archWanted(arch string) bool {
	if len(f.Architectures) == 0 {
		return true
	}
	for _, a := range f.Architectures {
		if a == arch {
			return true
		}
	}
	return false
}

func (f Filter) packageSkipped(pkg string) bool {
	for _, pat := range f.SkipPackages {
		if ok, _ := path.Match(pat, pkg); ok {
			return true
		}
	}
	return false
}

func (f Filter) sectionSkipped(component, section string) bool {
	qualified := component + "/" + section
	for _, s := range f.SkipSections {
		if s == section || s == qualified {
			return true
		}
	}
	return false
}

// Plan is the ordered, filtered fetch list plus its progress pre-estimate.
type Plan struct {
	Items    []FetchItem
	Estimate pool.Progress
}

// Builder accumulates index records for a release and produces a Plan.
//
// Debian archives use two different roots: the Release file's own entries
// (and the indices it names) are relative to the dists/<suite> directory,
// while the Filename/Directory fields inside Packages/Sources are
// relative to the archive root (conventionally "pool/..."). Builder keeps
// both so it can join each kind of path correctly.
type Builder struct {
	distsBaseURL  string
	archiveBaseURL string
	rel            *debian.Release
	filter         Filter
	p              *pool.Pool

	packages []debian.PackageRecord
	sources  []debian.SourceRecord
}

// NewBuilder starts a plan for rel, whose own entries are fetched relative
// to distsBaseURL and whose payload files are fetched relative to
// archiveBaseURL. p is consulted to estimate reuse; it may be nil, in
// which case every item is counted new.
func NewBuilder(distsBaseURL, archiveBaseURL string, rel *debian.Release, filter Filter, p *pool.Pool) *Builder {
	return &Builder{distsBaseURL: distsBaseURL, archiveBaseURL: archiveBaseURL, rel: rel, filter: filter, p: p}
}

// AddPackages registers the records parsed from one Packages index for a
// given component/architecture, so its payload files can be planned.
func (b *Builder) AddPackages(component, arch string, recs []debian.PackageRecord) {
	if !b.filter.archWanted(arch) {
		return
	}
	for _, r := range recs {
		if b.filter.packageSkipped(r.Package) {
			continue
		}
		if b.filter.sectionSkipped(component, r.Section) {
			continue
		}
		b.packages = append(b.packages, r)
	}
}

// AddSources registers the records parsed from one Sources index.
func (b *Builder) AddSources(component string, recs []debian.SourceRecord) {
	if !b.filter.Sources {
		return
	}
	for _, r := range recs {
		if b.filter.sectionSkipped(component, r.Section) {
			continue
		}
		b.sources = append(b.sources, r)
	}
}

// IndexPaths returns the Release-relative paths of every index file this
// plan's filter wants, in deterministic order, for the caller to fetch
// and feed back into AddPackages/AddSources before calling Build.
func (b *Builder) IndexPaths() []string {
	var paths []string
	for relPath := range b.rel.Files {
		if !b.wantsIndexPath(relPath) {
			continue
		}
		paths = append(paths, relPath)
	}
	sort.Strings(paths)
	return paths
}

func (b *Builder) wantsIndexPath(relPath string) bool {
	base := path.Base(relPath)
	stem := strings.TrimSuffix(base, path.Ext(base))

	if strings.HasPrefix(stem, "Translation-") && !b.filter.I18n {
		return false
	}
	if (stem == "Sources" || strings.Contains(relPath, "/source/")) && !b.filter.Sources {
		return false
	}
	if arch := archFromIndexPath(relPath); arch != "" && !b.filter.archWanted(arch) {
		return false
	}
	return true
}

func archFromIndexPath(relPath string) string {
	for _, seg := range strings.Split(relPath, "/") {
		if strings.HasPrefix(seg, "binary-") {
			return strings.TrimPrefix(seg, "binary-")
		}
	}
	return ""
}

// Build assembles the final ordered, deduplicated plan: Release/InRelease
// first, then indices, then payloads grouped by component then Filename
// ascending.
func (b *Builder) Build(inReleasePath string) Plan {
	var items []FetchItem

	items = append(items, FetchItem{
		URL:      join(b.distsBaseURL, inReleasePath),
		RelPath:  inReleasePath,
		Category: CategoryRelease,
	})

	for _, idxPath := range b.IndexPaths() {
		entry, ok := b.rel.Files[idxPath]
		if !ok {
			continue
		}
		items = append(items, FetchItem{
			URL:          join(b.distsBaseURL, idxPath),
			RelPath:      idxPath,
			ExpectedHash: entry.Hash,
			ExpectedSize: entry.Size,
			Category:     CategoryIndex,
		})
	}

	seen := map[string]struct{}{}
	var payloads []FetchItem
	for _, r := range b.packages {
		if _, dup := seen[r.Filename]; dup {
			continue
		}
		seen[r.Filename] = struct{}{}
		payloads = append(payloads, FetchItem{
			URL:          join(b.archiveBaseURL, r.Filename),
			RelPath:      r.Filename,
			ExpectedHash: r.SHA256,
			ExpectedSize: r.Size,
			Category:     CategoryPayload,
		})
	}
	for _, r := range b.sources {
		for _, f := range r.Files {
			rel := path.Join(r.Directory, f.Name)
			if _, dup := seen[rel]; dup {
				continue
			}
			seen[rel] = struct{}{}
			payloads = append(payloads, FetchItem{
				URL:          join(b.archiveBaseURL, rel),
				RelPath:      rel,
				ExpectedHash: f.Hash,
				ExpectedSize: f.Size,
				Category:     CategoryPayload,
			})
		}
	}

	sort.Slice(payloads, func(i, j int) bool {
		ci, cj := component(payloads[i].RelPath), component(payloads[j].RelPath)
		if ci != cj {
			return ci < cj
		}
		return payloads[i].RelPath < payloads[j].RelPath
	})
	items = append(items, payloads...)

	return Plan{Items: items, Estimate: b.estimate(items)}
}

func (b *Builder) estimate(items []FetchItem) pool.Progress {
	var p pool.Progress
	for _, item := range items {
		if item.Category == CategoryPayload && item.ExpectedHash != "" && b.p != nil &&
			b.p.Contains(pool.Handle{Algo: pool.Algo, Hex: item.ExpectedHash}) {
			p.Reused++
			continue
		}
		p.New++
		p.NewBytes += item.ExpectedSize
	}
	return p
}

func join(baseURL, relPath string) string {
	return strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(relPath, "/")
}

// component extracts the top-level pool component ("main", "contrib", ...)
// from a pool-relative path such as "pool/main/x/x_1.deb", falling back to
// the first path segment for dists-relative index paths.
func component(relPath string) string {
	parts := strings.Split(filepath.ToSlash(relPath), "/")
	if len(parts) >= 2 && parts[0] == "pool" {
		return parts[1]
	}
	if len(parts) >= 2 {
		return parts[0]
	}
	return ""
}
