// Package snapshot materializes a fetch plan into an immutable,
// point-in-time snapshot directory inside a mirror, using the
// `.in-progress`/`.finished` marker-file commit protocol.
package snapshot

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/proxmox/proxmox-offline-mirror/pkg/debian"
	"github.com/proxmox/proxmox-offline-mirror/pkg/fetch"
	"github.com/proxmox/proxmox-offline-mirror/pkg/mirrorerr"
	"github.com/proxmox/proxmox-offline-mirror/pkg/plan"
	"github.com/proxmox/proxmox-offline-mirror/pkg/pool"
	"github.com/proxmox/proxmox-offline-mirror/pkg/progress"
	"github.com/proxmox/proxmox-offline-mirror/pkg/signature"
)

// idLayout is fixed by spec: YYYY-MM-DD_HH-MM-SS, not the ISO8601-with-
// colons format the system this was distilled from uses, since colons are
// awkward in filenames on some target filesystems.
const idLayout = "2006-01-02_15-04-05"

// State is a snapshot's lifecycle stage.
type State string

const (
	StateInitializing State = "initializing"
	StateFetching     State = "fetching"
	StateVerifying    State = "verifying"
	StateCommitting   State = "committing"
	StateCommitted    State = "committed"
	StateAborted      State = "aborted"
	StatePartial      State = "partial"
)

// FinishedMarker is the JSON body written to `.finished`.
type FinishedMarker struct {
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Partial  bool      `json:"partial"`
	Errors   []string  `json:"errors"`
}

// Options configures one materialization run.
type Options struct {
	// Verify re-reads every linked payload file (even pool hits) and
	// confirms its hash; for .deb files it also checks ar/tar structure.
	Verify bool
	// IgnoreErrors downgrades a payload HashMismatch to a recorded
	// error and a Partial snapshot instead of a fatal abort.
	IgnoreErrors bool
	// AllowExpiredRelease suppresses ReleaseExpired for archives the
	// caller has decided to mirror anyway (e.g. archived suites).
	AllowExpiredRelease bool
}

// Source names where a mirror's InRelease and payload files live.
// DistsURL points at the suite's dists/<suite> directory (InRelease and
// every Release-listed index is relative to it); ArchiveURL points at the
// archive root (Packages/Sources Filename/Directory fields are relative
// to it, conventionally under "pool/").
type Source struct {
	DistsURL   string
	ArchiveURL string
}

// Materializer drives one mirror's snapshot directory tree.
type Materializer struct {
	mirrorDir string
	pool      *pool.Pool
	fetcher   *fetch.Fetcher
	verifier  *signature.Verifier
	sink      progress.Sink
	now       func() time.Time
}

// New builds a Materializer rooted at mirrorDir, backed by p for blob
// storage, f for retrieval, v for Release/InRelease verification, and
// reporting to sink (a progress.SlogSink if nil).
func New(mirrorDir string, p *pool.Pool, f *fetch.Fetcher, v *signature.Verifier, sink progress.Sink) *Materializer {
	if sink == nil {
		sink = progress.NewSlogSink(nil, nil)
	}
	return &Materializer{mirrorDir: mirrorDir, pool: p, fetcher: f, verifier: v, sink: sink, now: time.Now}
}

// Sync runs the full protocol: create, fetch+verify every plan item,
// commit. It returns the new snapshot's id.
func (m *Materializer) Sync(ctx context.Context, src Source, filter plan.Filter, opts Options) (string, error) {
	id := m.now().UTC().Format(idLayout)
	dir := filepath.Join(m.mirrorDir, id)
	state := StateInitializing

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", mirrorerr.New(mirrorerr.KindPoolIO, err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".in-progress"), nil, 0o644); err != nil {
		return "", mirrorerr.New(mirrorerr.KindPoolIO, err)
	}
	started := m.now().UTC()

	state = StateFetching
	inReleasePath := "InRelease"
	relBytes, err := m.fetchRelease(ctx, join(src.DistsURL, inReleasePath))
	if err != nil && mirrorerr.Is(err, mirrorerr.KindUpstream) {
		// No InRelease published; fall back to detached signing of
		// Release via Release.gpg.
		inReleasePath = "Release"
		relBytes, err = m.fetchDetachedRelease(ctx, src.DistsURL)
	}
	if err != nil {
		m.abort(dir, state, err)
		return "", err
	}

	state = StateVerifying
	rel, err := debian.ParseRelease(relBytes)
	if err != nil {
		m.abort(dir, state, err)
		return "", err
	}
	if err := rel.CheckValidity(m.now(), opts.AllowExpiredRelease); err != nil {
		m.abort(dir, state, err)
		return "", err
	}
	if err := m.persist(ctx, dir, inReleasePath, bytes.NewReader(relBytes), ""); err != nil {
		m.abort(dir, state, err)
		return "", err
	}

	builder := plan.NewBuilder(src.DistsURL, src.ArchiveURL, rel, filter, m.pool)
	for _, idxPath := range builder.IndexPaths() {
		entry, ok := rel.Files[idxPath]
		if !ok {
			continue
		}
		data, err := m.fetchVerifiedIndex(ctx, join(src.DistsURL, idxPath), entry)
		if err != nil {
			m.abort(dir, state, err)
			return "", err
		}
		if err := m.persist(ctx, dir, idxPath, bytes.NewReader(data), entry.Hash); err != nil {
			m.abort(dir, state, err)
			return "", err
		}
		if err := feedIndex(builder, idxPath, data); err != nil {
			m.abort(dir, state, err)
			return "", err
		}
	}

	p := builder.Build(inReleasePath)

	state = StateCommitting
	var recordedErrors []string
	for _, item := range p.Items {
		if item.Category != plan.CategoryPayload {
			continue
		}
		if err := m.materializePayload(ctx, dir, item, opts); err != nil {
			if opts.IgnoreErrors && mirrorerr.Is(err, mirrorerr.KindHashMismatch) {
				recordedErrors = append(recordedErrors, fmt.Sprintf("%s: %v", item.RelPath, err))
				continue
			}
			m.abort(dir, state, err)
			return "", err
		}
	}

	finished := m.now().UTC()
	marker := FinishedMarker{Started: started, Finished: finished, Partial: len(recordedErrors) > 0, Errors: recordedErrors}
	if err := m.commit(dir, marker); err != nil {
		return "", err
	}
	state = StateCommitted
	if marker.Partial {
		state = StatePartial
	}
	slog.Info("snapshot committed", slog.String("id", id), slog.String("state", string(state)))

	if err := m.updateLatest(id); err != nil {
		return id, err
	}
	return id, nil
}

func (m *Materializer) fetchRelease(ctx context.Context, url string) ([]byte, error) {
	res, err := m.fetcher.Get(ctx, url, fetch.Options{})
	if err != nil {
		return nil, err
	}
	return m.verifier.VerifyClearSigned(res.Body)
}

// fetchDetachedRelease fetches Release and its detached Release.gpg
// signature, verifying the former against the latter, for archives that
// don't publish InRelease.
func (m *Materializer) fetchDetachedRelease(ctx context.Context, distsBaseURL string) ([]byte, error) {
	res, err := m.fetcher.Get(ctx, join(distsBaseURL, "Release"), fetch.Options{})
	if err != nil {
		return nil, err
	}
	sig, err := m.fetcher.Get(ctx, join(distsBaseURL, "Release.gpg"), fetch.Options{})
	if err != nil {
		return nil, err
	}
	ok, err := m.verifier.VerifyDetached(res.Body, sig.Body)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, mirrorerr.New(mirrorerr.KindSignatureInvalid, fmt.Errorf("Release.gpg did not verify against Release"))
	}
	return res.Body, nil
}

// fetchVerifiedIndex fetches an index file and checks its hash against
// the Release entry, retrying once on mismatch before failing.
func (m *Materializer) fetchVerifiedIndex(ctx context.Context, url string, entry debian.FileEntry) ([]byte, error) {
	for attempt := 0; attempt < 2; attempt++ {
		res, err := m.fetcher.Get(ctx, url, fetch.Options{})
		if err != nil {
			return nil, err
		}
		if entry.Hash == "" || sha256Hex(res.Body) == entry.Hash {
			return res.Body, nil
		}
	}
	return nil, mirrorerr.New(mirrorerr.KindIndexHashMismatch, fmt.Errorf("%s: expected hash %s", url, entry.Hash))
}

func feedIndex(builder *plan.Builder, relPath string, data []byte) error {
	component, arch := splitIndexPath(relPath)
	compression := debian.CompressionFromFilename(relPath)
	stem := strings.TrimSuffix(filepath.Base(relPath), compression.Extension())

	if stem == "Sources" {
		recs, err := debian.ParseSources(bytes.NewReader(data), compression)
		if err != nil {
			return err
		}
		builder.AddSources(component, recs)
		return nil
	}
	if strings.HasPrefix(stem, "Translation-") {
		return debian.ParseTranslation(bytes.NewReader(data), compression)
	}
	if stem != "Packages" {
		// Other Release-listed files (Contents-*, per-component Release,
		// ...) are fetched, hash-checked and stored, but not parsed.
		return nil
	}

	recs, err := debian.ParsePackages(bytes.NewReader(data), compression)
	if err != nil {
		return err
	}
	builder.AddPackages(component, arch, recs)
	return nil
}

// splitIndexPath extracts the component (first path segment) and, when
// present, the architecture from a dists-relative index path such as
// "main/binary-amd64/Packages.xz".
func splitIndexPath(relPath string) (component, arch string) {
	segs := strings.Split(filepath.ToSlash(relPath), "/")
	if len(segs) > 0 {
		component = segs[0]
	}
	for _, s := range segs {
		if strings.HasPrefix(s, "binary-") {
			arch = strings.TrimPrefix(s, "binary-")
		}
	}
	return
}

func (m *Materializer) materializePayload(ctx context.Context, dir string, item plan.FetchItem, opts Options) error {
	m.sink.Started(item.RelPath, item.ExpectedSize)

	target := filepath.Join(dir, item.RelPath)
	h := pool.Handle{Algo: pool.Algo, Hex: item.ExpectedHash}

	fromPool := m.pool.Contains(h)
	if fromPool {
		if err := m.pool.Link(ctx, h, target); err != nil {
			return err
		}
	} else {
		res, err := m.fetcher.Get(ctx, item.URL, fetch.Options{})
		if err != nil {
			m.sink.Failed(item.RelPath, mirrorerr.KindUpstream)
			return err
		}
		if sha256Hex(res.Body) != item.ExpectedHash {
			err := mirrorerr.HashMismatch(item.RelPath, item.ExpectedHash, sha256Hex(res.Body))
			m.sink.Failed(item.RelPath, mirrorerr.KindHashMismatch)
			return err
		}
		if _, err := m.pool.Insert(ctx, bytes.NewReader(res.Body), item.ExpectedHash); err != nil {
			return err
		}
		if err := m.pool.Link(ctx, h, target); err != nil {
			return err
		}
	}

	if opts.Verify {
		if err := verifyLinked(target, item.ExpectedHash); err != nil {
			m.sink.Failed(item.RelPath, mirrorerr.KindHashMismatch)
			return err
		}
	}

	m.sink.Completed(item.RelPath, fromPool)
	return nil
}

func verifyLinked(path, expectedHex string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return mirrorerr.WithPath(mirrorerr.KindPoolIO, path, err)
	}
	if sha256Hex(data) != expectedHex {
		return mirrorerr.HashMismatch(path, expectedHex, sha256Hex(data))
	}
	if filepath.Ext(path) == ".deb" {
		if err := debian.VerifyDebStructure(bytes.NewReader(data)); err != nil {
			return mirrorerr.WithPath(mirrorerr.KindHashMismatch, path, err)
		}
	}
	return nil
}

// persist inserts data into the pool (hashing it if expectedHex is empty)
// and links it into the snapshot at relPath.
func (m *Materializer) persist(ctx context.Context, dir, relPath string, r io.Reader, expectedHex string) error {
	h, err := m.pool.Insert(ctx, r, expectedHex)
	if err != nil {
		return err
	}
	return m.pool.Link(ctx, h, filepath.Join(dir, relPath))
}

// commit writes `.finished` (via a temp file + rename) then removes
// `.in-progress`, in that order, so a crash between the two steps leaves
// a recoverable, unambiguous `.in-progress` tree rather than a
// half-committed snapshot with neither marker.
func (m *Materializer) commit(dir string, marker FinishedMarker) error {
	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return mirrorerr.New(mirrorerr.KindPoolIO, err)
	}

	tmp := filepath.Join(dir, ".finished.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return mirrorerr.New(mirrorerr.KindPoolIO, err)
	}
	final := filepath.Join(dir, ".finished")
	if err := os.Rename(tmp, final); err != nil {
		return mirrorerr.New(mirrorerr.KindPoolIO, err)
	}
	if err := os.Remove(filepath.Join(dir, ".in-progress")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return mirrorerr.New(mirrorerr.KindPoolIO, err)
	}
	return nil
}

// abort leaves the `.in-progress` tree in place and never deletes
// eagerly, matching the cancellation behavior described for mid-sync
// context cancellation. Recover, which Mirror.Sync runs before each sync,
// removes such trees; pool GC does not remove them.
func (m *Materializer) abort(dir string, state State, cause error) {
	slog.Warn("snapshot aborted", slog.String("dir", dir), slog.String("state", string(state)), slog.String("error", cause.Error()))
}

// updateLatest rewrites the mirror's "latest" pointer file to id.
func (m *Materializer) updateLatest(id string) error {
	latest := filepath.Join(m.mirrorDir, "latest")
	tmp := latest + ".tmp"
	if err := os.WriteFile(tmp, []byte(id), 0o644); err != nil {
		return mirrorerr.New(mirrorerr.KindPoolIO, err)
	}
	return os.Rename(tmp, latest)
}

// Recover deletes any snapshot directory under mirrorDir that has
// `.in-progress` but no `.finished`, per the crash-recovery rule.
func Recover(mirrorDir string) ([]string, error) {
	entries, err := os.ReadDir(mirrorDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, mirrorerr.New(mirrorerr.KindPoolIO, err)
	}

	var removed []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(mirrorDir, e.Name())
		_, inProgErr := os.Stat(filepath.Join(dir, ".in-progress"))
		_, finErr := os.Stat(filepath.Join(dir, ".finished"))
		if inProgErr == nil && finErr != nil {
			if err := os.RemoveAll(dir); err != nil {
				return removed, mirrorerr.New(mirrorerr.KindPoolIO, err)
			}
			removed = append(removed, e.Name())
		}
	}
	sort.Strings(removed)
	return removed, nil
}

func join(base, relPath string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(relPath, "/")
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
