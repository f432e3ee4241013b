// Package config loads the typed Mirror/Medium/Key registry the thin
// CLI entrypoint passes into the core. The core itself never parses
// YAML; this loader exists because the core is unusable without one.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/proxmox/proxmox-offline-mirror/pkg/mirrorerr"
	"github.com/proxmox/proxmox-offline-mirror/pkg/plan"
	"github.com/proxmox/proxmox-offline-mirror/pkg/signature"
)

// MirrorConfig describes one upstream APT repository to mirror.
type MirrorConfig struct {
	Repository   string                  `yaml:"repository"`
	Suite        string                  `yaml:"suite"`
	BaseDir      string                  `yaml:"baseDir"`
	Keyring      signature.KeyringConfig `yaml:"keyring"`
	Filter       plan.Filter             `yaml:"filter"`
	IgnoreErrors bool                    `yaml:"ignoreErrors"`
	Verify       bool                    `yaml:"verify"`
}

// MediaConfig describes one removable medium, which mirrors it tracks,
// which subscription keys it carries, and an optional per-mirror snapshot
// override.
type MediaConfig struct {
	Mountpoint string   `yaml:"mountpoint"`
	Mirrors    []string `yaml:"mirrors"`
	Keys       []string `yaml:"keys"`
	// Snapshots overrides the default "sync whatever is latest" policy:
	// a mirror id present here is synced at the named snapshot instead.
	Snapshots map[string]string `yaml:"snapshots"`
}

// KeyConfig names a subscription key blob to carry onto a medium
// verbatim; contents are opaque to the core.
type KeyConfig struct {
	ID   string `yaml:"id"`
	Path string `yaml:"path"`
}

// Config is the top-level registry: every configured mirror, medium, and
// subscription key.
type Config struct {
	PoolDir string                  `yaml:"poolDir"`
	Mirrors map[string]MirrorConfig `yaml:"mirrors"`
	Media   map[string]MediaConfig  `yaml:"media"`
	Keys    map[string]KeyConfig    `yaml:"keys"`
}

// Load reads path (YAML) into a Config. A missing file is not an error:
// it yields a Config with an empty registry, the way the teacher's own
// loadConfig treats a missing debcache.yml as "use defaults".
func Load(path string) (*Config, error) {
	var cfg Config

	f, err := os.Open(path)
	if err == nil {
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decoding config %q: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("opening config %q: %w", path, err)
	} else {
		slog.Info("no config file found, starting with an empty registry", slog.String("path", path))
	}

	return &cfg, nil
}

// Mirror looks up a configured mirror by id.
func (c *Config) Mirror(id string) (MirrorConfig, error) {
	m, ok := c.Mirrors[id]
	if !ok {
		return MirrorConfig{}, mirrorerr.WithPath(mirrorerr.KindUnknownMirror, id, nil)
	}
	return m, nil
}

// Medium looks up a configured medium by id.
func (c *Config) Medium(id string) (MediaConfig, error) {
	m, ok := c.Media[id]
	if !ok {
		return MediaConfig{}, mirrorerr.WithPath(mirrorerr.KindUnknownMedium, id, nil)
	}
	return m, nil
}
