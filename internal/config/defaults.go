package config

import (
	"github.com/coral-mesh/sigscan/internal/scan"
)

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		LogLevel:  "warn",
		LogPretty: true,
		ChunkSize: scan.DefaultChunkSize,
	}
}

// applyDefaults fills unset settings with defaults.
func (s *Settings) applyDefaults() {
	d := DefaultSettings()
	if s.LogLevel == "" {
		s.LogLevel = d.LogLevel
	}
	if s.ChunkSize == 0 {
		s.ChunkSize = d.ChunkSize
	}
}
