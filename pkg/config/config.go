// Package config loads and creates strata.toml, the per-database
// configuration file.
package config

import (
	"os"

	"github.com/pelletier/go-toml/v2"

	"strata/pkg/errs"
	"strata/pkg/logging"
	"strata/pkg/wal"
)

// Config is the contents of strata.toml.
type Config struct {
	Durability string `toml:"durability"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{Durability: "standard"}
}

// Load reads path, creating it with Default() if absent. An existing
// file is never overwritten. An unrecognized durability value fails
// open to "standard" with a logged warning rather than rejecting the
// whole config.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := Default()
		if writeErr := Save(path, cfg); writeErr != nil {
			return Config{}, writeErr
		}
		return cfg, nil
	}
	if err != nil {
		return Config{}, errs.Wrap(errs.Io, "read strata.toml", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errs.Wrap(errs.Serialization, "parse strata.toml", err)
	}

	if _, ok := wal.ParseMode(cfg.Durability); !ok {
		logger := logging.WithComponent("config")
		logger.Warn().
			Str("durability", cfg.Durability).
			Msg("unrecognized durability value in strata.toml, failing open to standard")
		cfg.Durability = "standard"
	}
	return cfg, nil
}

// Save writes cfg to path, creating parent directories as needed.
func Save(path string, cfg Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return errs.Wrap(errs.Serialization, "encode strata.toml", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errs.Wrap(errs.Io, "write strata.toml", err)
	}
	return nil
}

// Mode resolves cfg's durability string into a wal.Mode, already
// validated by Load (fails open to Standard here too, defensively, if
// constructed directly rather than through Load).
func (c Config) Mode() wal.Mode {
	mode, ok := wal.ParseMode(c.Durability)
	if !ok {
		return wal.Standard
	}
	return mode
}
