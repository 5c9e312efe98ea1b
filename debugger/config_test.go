package debugger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 4, cfg.MaxWatchpoints)
	require.True(t, cfg.UsePTY)
	require.Zero(t, cfg.MaxBreakpoints)
}

func TestLoadConfigOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rdbg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("use_pty: false\nrustlib_source_root: /opt/rust/src\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.False(t, cfg.UsePTY)
	require.Equal(t, "/opt/rust/src", cfg.RustlibSourceRoot)
	// Unset keys keep their defaults.
	require.Equal(t, 4, cfg.MaxWatchpoints)
}

func TestLoadConfigMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/rdbg.yaml")
	require.Error(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}
