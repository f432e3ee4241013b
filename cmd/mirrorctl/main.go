// Command mirrorctl is the thin CLI wiring around the mirror core: it
// loads configuration, builds the components, and calls into
// pkg/mirror/pkg/medium. It contains no domain logic of its own.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"

	"github.com/proxmox/proxmox-offline-mirror/pkg/config"
	"github.com/proxmox/proxmox-offline-mirror/pkg/debian"
	"github.com/proxmox/proxmox-offline-mirror/pkg/medium"
	"github.com/proxmox/proxmox-offline-mirror/pkg/mirror"
	"github.com/proxmox/proxmox-offline-mirror/pkg/progress"
)

func main() {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelInfo})))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		slog.Error("mirrorctl failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: mirrorctl <sync|gc|medium-sync|remove-snapshot|diff-snapshots> ...")
	}

	cfgPath := os.Getenv("MIRRORCTL_CONFIG")
	if cfgPath == "" {
		cfgPath = "mirrorctl.yml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if cfg.PoolDir == "" {
		return fmt.Errorf("config: poolDir is required")
	}

	reg, err := mirror.Open(cfg.PoolDir)
	if err != nil {
		return err
	}

	switch args[0] {
	case "sync":
		return runSync(ctx, reg, cfg, args[1:])
	case "gc":
		return runGC(ctx, reg, cfg, args[1:])
	case "medium-sync":
		return runMediumSync(ctx, reg, cfg, args[1:])
	case "remove-snapshot":
		return runRemoveSnapshot(reg, cfg, args[1:])
	case "diff-snapshots":
		return runDiffSnapshots(reg, cfg, args[1:])
	default:
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func runSync(ctx context.Context, reg *mirror.Registry, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: mirrorctl sync <mirror-id>")
	}
	id := fs.Arg(0)

	mc, err := cfg.Mirror(id)
	if err != nil {
		return err
	}
	m, err := reg.Mirror(id, mc)
	if err != nil {
		return err
	}

	sink := progress.NewSlogSink(slog.Default(), nil)
	snapID, err := m.Sync(ctx, sink)
	if err != nil {
		return err
	}
	slog.Info("sync complete", slog.String("mirror", id), slog.String("snapshot", snapID),
		slog.Int("reused", sink.Summary.Reused), slog.Int("fetched", sink.Summary.Fetched))
	return nil
}

func runGC(ctx context.Context, reg *mirror.Registry, cfg *config.Config, _ []string) error {
	var dirs []string
	for id, mc := range cfg.Mirrors {
		m, err := reg.Mirror(id, mc)
		if err != nil {
			return err
		}
		dirs = append(dirs, m.Dir())
	}

	stats, err := reg.GC(ctx, dirs)
	if err != nil {
		return err
	}
	slog.Info("gc complete", slog.Int("blobs_removed", stats.BlobsRemoved), slog.Int64("bytes_freed", stats.BytesFreed), slog.Int("tmp_removed", stats.TmpRemoved))
	return nil
}

func runRemoveSnapshot(reg *mirror.Registry, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("remove-snapshot", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: mirrorctl remove-snapshot <mirror-id> <snapshot-id>")
	}
	mirrorID, snapID := fs.Arg(0), fs.Arg(1)

	mc, err := cfg.Mirror(mirrorID)
	if err != nil {
		return err
	}
	m, err := reg.Mirror(mirrorID, mc)
	if err != nil {
		return err
	}
	if err := m.RemoveSnapshot(snapID); err != nil {
		return err
	}
	slog.Info("snapshot removed", slog.String("mirror", mirrorID), slog.String("snapshot", snapID))
	return nil
}

func runDiffSnapshots(reg *mirror.Registry, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("diff-snapshots", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 3 {
		return fmt.Errorf("usage: mirrorctl diff-snapshots <mirror-id> <snapshot-a> <snapshot-b>")
	}
	mirrorID, a, b := fs.Arg(0), fs.Arg(1), fs.Arg(2)

	mc, err := cfg.Mirror(mirrorID)
	if err != nil {
		return err
	}
	m, err := reg.Mirror(mirrorID, mc)
	if err != nil {
		return err
	}
	onlyA, onlyB, err := m.DiffSnapshots(a, b)
	if err != nil {
		return err
	}
	for _, f := range onlyA {
		fmt.Printf("- %s\n", f)
	}
	for _, f := range onlyB {
		fmt.Printf("+ %s\n", f)
	}
	return nil
}

func runMediumSync(ctx context.Context, reg *mirror.Registry, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("medium-sync", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: mirrorctl medium-sync <medium-id>")
	}
	id := fs.Arg(0)

	mediaCfg, err := cfg.Medium(id)
	if err != nil {
		return err
	}

	med, err := medium.Open(mediaCfg.Mountpoint)
	if err != nil {
		return err
	}

	unlock, err := med.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	for _, mirrorID := range mediaCfg.Mirrors {
		mc, err := cfg.Mirror(mirrorID)
		if err != nil {
			return err
		}
		m, err := reg.Mirror(mirrorID, mc)
		if err != nil {
			return err
		}

		snapID := mediaCfg.Snapshots[mirrorID]
		if snapID == "" {
			snapshots, err := m.Snapshots()
			if err != nil {
				return err
			}
			if len(snapshots) == 0 {
				continue
			}
			snapID = snapshots[len(snapshots)-1]
		}

		snapDir := filepath.Join(m.Dir(), snapID)
		if err := med.SyncSnapshot(ctx, mirrorID, snapID, snapDir); err != nil {
			return err
		}
		if err := med.RecordSync(mirrorID, snapID); err != nil {
			return err
		}

		release, releaseSHA256, err := readSnapshotRelease(snapDir)
		if err != nil {
			return err
		}
		synced, err := med.SyncedSnapshots(mirrorID)
		if err != nil {
			return err
		}
		if err := med.WriteMirrorInfo(mirrorID, medium.MirrorInfo{
			MirrorID:      mirrorID,
			Suite:         release.Suite,
			Components:    release.Components,
			Snapshots:     synced,
			LastSynced:    time.Now().UTC(),
			ReleaseSHA256: releaseSHA256,
		}); err != nil {
			return err
		}

		slog.Info("medium sync complete", slog.String("medium", id), slog.String("mirror", mirrorID), slog.String("snapshot", snapID))
	}

	for _, keyID := range mediaCfg.Keys {
		kc, ok := cfg.Keys[keyID]
		if !ok {
			return fmt.Errorf("medium %q references unknown key %q", id, keyID)
		}
		data, err := os.ReadFile(kc.Path)
		if err != nil {
			return err
		}
		if err := med.CopyKey(keyID, data); err != nil {
			return err
		}
		slog.Info("key copied", slog.String("medium", id), slog.String("key", keyID))
	}
	return nil
}

// readSnapshotRelease reads the snapshot's persisted release metadata file
// (InRelease when the archive publishes it, falling back to the detached
// Release written by the signature fallback) and returns its parsed form
// plus its sha256 hex digest, recorded in MirrorInfo so an offline-side
// helper can detect archive drift without re-fetching upstream.
func readSnapshotRelease(snapDir string) (*debian.Release, string, error) {
	for _, name := range []string{"InRelease", "Release"} {
		data, err := os.ReadFile(filepath.Join(snapDir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, "", err
		}
		release, err := debian.ParseRelease(data)
		if err != nil {
			return nil, "", err
		}
		sum := sha256.Sum256(data)
		return release, hex.EncodeToString(sum[:]), nil
	}
	return nil, "", fmt.Errorf("snapshot %q has neither InRelease nor Release", snapDir)
}
