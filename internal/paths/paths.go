// Package paths resolves where attic keeps its configuration file and its
// data (the SQLite database and JSONL archives).
package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

// AppName names the per-user directories.
const AppName = "attic"

// Working-directory defaults used when nothing overrides the data dir.
const (
	LocalConfigDirName = ".attic"
	LocalDataDirName   = ".attic-data"
)

// Environment overrides.
const (
	EnvConfigDir = "ATTIC_CONFIG_DIR"
	EnvDataDir   = "ATTIC_DATA_DIR"
)

// ConfigFileName is the viper config file inside the config dir.
const ConfigFileName = "config.yaml"

// platform is swapped in tests.
var platform = struct {
	goos          string
	homeDir       func() (string, error)
	userConfigDir func() (string, error)
	getwd         func() (string, error)
}{
	goos:          runtime.GOOS,
	homeDir:       os.UserHomeDir,
	userConfigDir: os.UserConfigDir,
	getwd:         os.Getwd,
}

// userDir returns $xdgVar/attic, else ~/fallback.../attic on Linux, and
// the OS config dir elsewhere.
func userDir(xdgVar string, fallback ...string) (string, error) {
	if platform.goos != "linux" {
		dir, err := platform.userConfigDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, AppName), nil
	}
	if xdg := os.Getenv(xdgVar); xdg != "" {
		return filepath.Join(xdg, AppName), nil
	}
	home, err := platform.homeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(append(append([]string{home}, fallback...), AppName)...), nil
}

// DefaultConfigDir returns the per-user configuration directory:
// $XDG_CONFIG_HOME/attic or ~/.config/attic on Linux, the OS config dir
// elsewhere.
func DefaultConfigDir() (string, error) {
	return userDir("XDG_CONFIG_HOME", ".config")
}

// DefaultDataDir returns the per-user data directory:
// $XDG_DATA_HOME/attic or ~/.local/share/attic on Linux, the OS config dir
// elsewhere.
func DefaultDataDir() (string, error) {
	return userDir("XDG_DATA_HOME", ".local", "share")
}

func firstAbs(candidates ...string) (string, bool, error) {
	for _, c := range candidates {
		if c != "" {
			abs, err := filepath.Abs(c)
			return abs, true, err
		}
	}
	return "", false, nil
}

// ResolveConfigDir picks the config dir: flag, then ATTIC_CONFIG_DIR, then
// DefaultConfigDir.
func ResolveConfigDir(flag string) (string, error) {
	if dir, ok, err := firstAbs(flag, os.Getenv(EnvConfigDir)); ok {
		return dir, err
	}
	return DefaultConfigDir()
}

// ResolveDataDir picks the data dir: flag, then the config file value,
// then ATTIC_DATA_DIR, then .attic-data in the working directory.
func ResolveDataDir(flag, configured string) (string, error) {
	if dir, ok, err := firstAbs(flag, configured, os.Getenv(EnvDataDir)); ok {
		return dir, err
	}
	cwd, err := platform.getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, LocalDataDirName), nil
}

// ConfigFile returns the config file path inside dir.
func ConfigFile(dir string) string {
	return filepath.Join(dir, ConfigFileName)
}
