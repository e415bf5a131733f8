package config

// Environment variables read by the CLI.
const (
	// EnvPrefix is prepended to every `env` struct tag.
	EnvPrefix = "SIGSCAN_"
	// EnvConfig names the catalogue file when --config is not given.
	EnvConfig = EnvPrefix + "CONFIG"
)

// Settings are the runtime knobs of the CLI.
type Settings struct {
	// LogLevel is one of trace, debug, info, warn, error.
	LogLevel string `yaml:"log_level,omitempty" env:"LOG_LEVEL"`
	// LogPretty selects console output instead of JSON lines.
	LogPretty bool `yaml:"log_pretty,omitempty" env:"LOG_PRETTY"`
	// MaxMatches caps matches per signature. Zero means unlimited.
	MaxMatches int `yaml:"max_matches,omitempty" env:"MAX_MATCHES"`
	// ChunkSize is the number of bytes copied per read while scanning.
	ChunkSize int `yaml:"chunk_size,omitempty" env:"CHUNK_SIZE"`
}

// Catalogue is a named set of signatures, usually for one library.
type Catalogue struct {
	// Library is the default scope of every signature. Empty means the
	// target process image.
	Library    string      `yaml:"library,omitempty"`
	Settings   Settings    `yaml:"settings,omitempty"`
	Signatures []Signature `yaml:"signatures"`
}

// Signature describes one thing to find, with fallbacks.
type Signature struct {
	Name string `yaml:"name"`
	// Library overrides the catalogue library.
	Library string `yaml:"library,omitempty"`
	// Section restricts the scan to one section.
	Section string `yaml:"section,omitempty"`
	// Executable restricts the scan to executable regions. Defaults to true
	// unless Section is set.
	Executable *bool `yaml:"executable,omitempty"`
	// Expect is the exact number of matches required. Zero means any.
	Expect int `yaml:"expect,omitempty"`
	// Offset is added to every reported address.
	Offset int64 `yaml:"offset,omitempty"`
	// Candidates are tried in order until one satisfies Expect.
	Candidates []string `yaml:"candidates"`
}

// ExecutableOnly resolves the Executable default.
func (s Signature) ExecutableOnly() bool {
	if s.Executable != nil {
		return *s.Executable
	}
	return s.Section == ""
}

// Scope returns the library the signature is scanned in.
func (s Signature) Scope(c *Catalogue) string {
	if s.Library != "" {
		return s.Library
	}
	if c != nil {
		return c.Library
	}
	return ""
}
