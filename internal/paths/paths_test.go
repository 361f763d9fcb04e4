package paths

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withPlatform(t *testing.T, goos string) {
	t.Helper()
	saved := platform
	t.Cleanup(func() { platform = saved })
	platform.goos = goos
	platform.homeDir = func() (string, error) { return "/home/ann", nil }
	platform.userConfigDir = func() (string, error) { return "/Users/ann/Library/Application Support", nil }
	platform.getwd = func() (string, error) { return "/work", nil }
}

func TestDefaultDirs(t *testing.T) {
	tests := []struct {
		name       string
		goos       string
		xdgConfig  string
		xdgData    string
		wantConfig string
		wantData   string
	}{
		{"linux xdg", "linux", "/xdg/config", "/xdg/data", "/xdg/config/attic", "/xdg/data/attic"},
		{"linux home", "linux", "", "", "/home/ann/.config/attic", "/home/ann/.local/share/attic"},
		{"darwin", "darwin", "/ignored", "/ignored",
			"/Users/ann/Library/Application Support/attic", "/Users/ann/Library/Application Support/attic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withPlatform(t, tt.goos)
			t.Setenv("XDG_CONFIG_HOME", tt.xdgConfig)
			t.Setenv("XDG_DATA_HOME", tt.xdgData)

			got, err := DefaultConfigDir()
			require.NoError(t, err)
			assert.Equal(t, tt.wantConfig, got)

			got, err = DefaultDataDir()
			require.NoError(t, err)
			assert.Equal(t, tt.wantData, got)
		})
	}
}

func TestDefaultDirHomeError(t *testing.T) {
	withPlatform(t, "linux")
	t.Setenv("XDG_CONFIG_HOME", "")
	platform.homeDir = func() (string, error) { return "", errors.New("no home") }
	_, err := DefaultConfigDir()
	assert.Error(t, err)
}

func TestResolveConfigDir(t *testing.T) {
	withPlatform(t, "linux")
	t.Setenv("XDG_CONFIG_HOME", "")

	t.Setenv(EnvConfigDir, "/env/config")
	got, err := ResolveConfigDir("/flag/config")
	require.NoError(t, err)
	assert.Equal(t, "/flag/config", got, "flag wins")

	got, err = ResolveConfigDir("")
	require.NoError(t, err)
	assert.Equal(t, "/env/config", got)

	t.Setenv(EnvConfigDir, "")
	got, err = ResolveConfigDir("")
	require.NoError(t, err)
	assert.Equal(t, "/home/ann/.config/attic", got)

	cwd, err := os.Getwd()
	require.NoError(t, err)
	got, err = ResolveConfigDir("rel")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cwd, "rel"), got, "relative paths become absolute")
}

func TestResolveDataDir(t *testing.T) {
	withPlatform(t, "linux")
	tests := []struct {
		name       string
		flag       string
		configured string
		env        string
		want       string
	}{
		{"flag", "/flag", "/cfg", "/env", "/flag"},
		{"config file", "", "/cfg", "/env", "/cfg"},
		{"environment", "", "", "/env", "/env"},
		{"working directory", "", "", "", "/work/.attic-data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvDataDir, tt.env)
			got, err := ResolveDataDir(tt.flag, tt.configured)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfigFile(t *testing.T) {
	assert.Equal(t, filepath.Join("/cfg", "config.yaml"), ConfigFile("/cfg"))
}
