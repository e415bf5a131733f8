// Package config loads the CLI's signature catalogue and runtime settings.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/sigscan/internal/safe"
)

// ResolvePath returns the catalogue path: the flag value if set, else the
// SIGSCAN_CONFIG environment variable. Empty means no catalogue.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(EnvConfig)
}

// LoadSettings returns the default settings with environment overrides applied.
func LoadSettings() (Settings, error) {
	s := DefaultSettings()
	if err := ApplyEnv(&s); err != nil {
		return Settings{}, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	s.applyDefaults()
	return s, s.Validate()
}

// LoadCatalogue reads, env-overrides and validates a catalogue file.
func LoadCatalogue(path string) (*Catalogue, error) {
	data, err := safe.ReadFile(path, &safe.ReadOptions{AllowSymlinks: true})
	if err != nil {
		return nil, fmt.Errorf("failed to read catalogue %s: %w", path, err)
	}

	cat, err := ParseCatalogue(data)
	if err != nil {
		return nil, fmt.Errorf("catalogue %s: %w", path, err)
	}
	return cat, nil
}

// ParseCatalogue decodes catalogue YAML, applies environment overrides to its
// settings and validates it.
func ParseCatalogue(data []byte) (*Catalogue, error) {
	cat := &Catalogue{Settings: DefaultSettings()}
	if err := yaml.Unmarshal(data, cat); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := ApplyEnv(&cat.Settings); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	cat.Settings.applyDefaults()

	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return cat, nil
}

// Marshal renders the catalogue as YAML.
func (c *Catalogue) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
