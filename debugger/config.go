package debugger

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds session-wide tunables that don't belong in any one
// subsystem package: breakpoint/watchpoint limits, whether to use a
// pty for the tracee's stdio, a formatter layout table path and a
// standard-library source root. FormatterLayoutsPath and
// RustlibSourceRoot are parsed but not read elsewhere; the debug-format
// call path always uses internal/inject's embedded layout table.
//
// Populated from an optional YAML file via gopkg.in/yaml.v3, the
// same library internal/inject uses for its embedded formatter
// layout table.
type Config struct {
	MaxBreakpoints       int    `yaml:"max_breakpoints"`
	MaxWatchpoints       int    `yaml:"max_watchpoints"`
	UsePTY               bool   `yaml:"use_pty"`
	FormatterLayoutsPath string `yaml:"formatter_layouts_path"`
	RustlibSourceRoot    string `yaml:"rustlib_source_root"`
}

// DefaultConfig carries the hardware limits: at most four
// watchpoints, and a pty by default so isatty()-probing tracees behave
// as under an interactive shell.
func DefaultConfig() Config {
	return Config{
		MaxBreakpoints: 0, // 0 == unbounded; only watchpoints are hardware-limited.
		MaxWatchpoints: 4,
		UsePTY:         true,
	}
}

// LoadConfig reads a YAML config file, overlaying it on DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
