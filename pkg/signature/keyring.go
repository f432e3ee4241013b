package signature

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// KeyringConfig names where to load a mirror's trusted keys from: either
// inline armored text or a path to an armored keyring file. At least one
// must be set.
type KeyringConfig struct {
	ArmoredKeys []string `yaml:"armoredKeys"`
	KeyPaths    []string `yaml:"keyPaths"`
}

// LoadKeyring reads every key named by cfg into a single EntityList.
func LoadKeyring(cfg KeyringConfig) (openpgp.EntityList, error) {
	var all openpgp.EntityList

	for i, armored := range cfg.ArmoredKeys {
		slog.Debug("reading inline key", slog.Int("index", i))
		kr, err := ReadArmoredKeyRing(strings.NewReader(armored))
		if err != nil {
			return nil, fmt.Errorf("reading inline key %d: %w", i, err)
		}
		all = append(all, kr...)
	}

	for _, path := range cfg.KeyPaths {
		slog.Debug("reading key file", slog.String("path", path))
		kr, err := loadKeyFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading key %q: %w", path, err)
		}
		all = append(all, kr...)
	}

	if len(all) == 0 {
		return nil, fmt.Errorf("no keys configured")
	}
	return all, nil
}

func loadKeyFile(path string) (openpgp.EntityList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readKeyRing(f)
}

func readKeyRing(r io.Reader) (openpgp.EntityList, error) {
	return ReadArmoredKeyRing(r)
}
