package util

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	AppConfigDir = ".config/linkfed"
	// ConfigDirEnv overrides the config directory, e.g. for containers without a home.
	ConfigDirEnv = "LINKFED_CONFIG_DIR"
)

// GetConfigDir returns the directory holding config.yaml and the database,
// creating it on first use.
func GetConfigDir() (string, error) {
	dir := os.Getenv(ConfigDirEnv)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		dir = filepath.Join(home, AppConfigDir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return dir, nil
}

// ResolveFilePath maps a configured file name to the path that is used.
// Absolute names are kept. A relative name that exists in the working
// directory wins over the config directory, and a missing file resolves
// into the config directory so it is created there.
func ResolveFilePath(filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	if _, err := os.Stat(filename); err == nil {
		return filename
	}
	dir, err := GetConfigDir()
	if err != nil {
		return filename
	}
	return filepath.Join(dir, filename)
}
