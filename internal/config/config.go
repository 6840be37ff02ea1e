// Package config loads the mirror configuration file: storage root,
// catalog sources and the image selection.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"bootmirror/pkg/catalog"
	"bootmirror/pkg/mirror"
)

type Config struct {
	// StorageRoot is where snapshots, the cache and the current
	// indirection live.
	StorageRoot string `toml:"storage_root"`

	// KeyringDir is where source keyrings resolved from inline data are
	// written. Defaults to <storage_root>/keyrings.
	KeyringDir string `toml:"keyring_dir"`

	// Controllers are the controller IDs this process syncs on behalf of.
	Controllers []string `toml:"controllers"`

	// HTTPProxy optionally routes all fetches through a proxy.
	HTTPProxy string `toml:"http_proxy"`

	Sources   []*catalog.Source `toml:"sources"`
	Selection mirror.Selection  `toml:"selection"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := &Config{}
	if err := toml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if cfg.KeyringDir == "" {
		cfg.KeyringDir = filepath.Join(cfg.StorageRoot, "keyrings")
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.StorageRoot == "" {
		return fmt.Errorf("storage_root is required")
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	for _, src := range c.Sources {
		if src.URL == "" {
			return fmt.Errorf("source with empty url")
		}
	}
	if len(c.Controllers) == 0 {
		return fmt.Errorf("at least one controller is required")
	}
	return nil
}
