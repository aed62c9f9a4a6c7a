// Package config loads the engine's persisted configuration file: a
// JSON-with-comments document the storage engine treats as an opaque
// map, plus a small metadata record declaring a schema version. No other
// package in this module loads it or reads keys out of the decoded map.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// FileName is the conventional config file name within the data directory.
const FileName = "config.hujson"

// CurrentSchemaVersion is written into newly created config files and
// checked (loosely — unknown future versions are accepted) on load.
const CurrentSchemaVersion = 1

// Config is the decoded configuration: a schema version plus an opaque
// map of settings. The storage engine never interprets Settings itself;
// it exists purely so callers can persist CLI-level preferences
// alongside the issue data without a second config file format.
type Config struct {
	SchemaVersion int            `json:"schema_version"`
	Settings      map[string]any `json:"settings"`

	// Path records where this Config was loaded from (or would be
	// written to), empty if constructed fresh via Default.
	Path string `json:"-"`
}

// Default returns an empty configuration at the current schema version.
func Default() Config {
	return Config{SchemaVersion: CurrentSchemaVersion, Settings: make(map[string]any)}
}

// Load reads and decodes the JSONC config file at path. A missing file
// returns Default() with Path set, not an error: first run has no config
// yet.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			cfg.Path = path

			return cfg, nil
		}

		return Config{}, fmt.Errorf("config: read %q: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: invalid JSONC in %q: %w", path, err)
	}

	var cfg Config

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: invalid JSON in %q: %w", path, err)
	}

	if cfg.Settings == nil {
		cfg.Settings = make(map[string]any)
	}

	if cfg.SchemaVersion == 0 {
		cfg.SchemaVersion = CurrentSchemaVersion
	}

	cfg.Path = path

	return cfg, nil
}

// Save writes the config back to its Path as plain JSON (hujson is a read
// side convenience for hand-edited comments; written files don't need
// them). Path must be set.
func (c Config) Save() error {
	if c.Path == "" {
		return fmt.Errorf("config: save: no path set")
	}

	data, err := json.MarshalIndent(struct {
		SchemaVersion int            `json:"schema_version"`
		Settings      map[string]any `json:"settings"`
	}{c.SchemaVersion, c.Settings}, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	err = os.WriteFile(c.Path, data, 0o644)
	if err != nil {
		return fmt.Errorf("config: write %q: %w", c.Path, err)
	}

	return nil
}

// Get returns a setting by key and whether it was present.
func (c Config) Get(key string) (any, bool) {
	v, ok := c.Settings[key]

	return v, ok
}

// Set stores a setting, creating the map if necessary.
func (c *Config) Set(key string, value any) {
	if c.Settings == nil {
		c.Settings = make(map[string]any)
	}

	c.Settings[key] = value
}
