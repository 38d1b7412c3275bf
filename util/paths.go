package util

import (
	"fmt"
	"os"
	"path/filepath"
)

// HomeEnv overrides the directory config and database files live in.
const HomeEnv = "FEDGRAPH_HOME"

// GetConfigDir returns the fedgraph data directory, creating it on first use.
// It is $FEDGRAPH_HOME when set, otherwise fedgraph under the user config
// dir (~/.config/fedgraph on Linux).
func GetConfigDir() (string, error) {
	dir := os.Getenv(HomeEnv)
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("no user config dir: %w", err)
		}
		dir = filepath.Join(base, Name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return dir, nil
}

// ResolveFilePath prefers filename in the working directory, then in the
// data directory. A file found in neither place resolves into the data
// directory so it gets created there.
func ResolveFilePath(filename string) string {
	if exists(filename) {
		return filename
	}
	dir, err := GetConfigDir()
	if err != nil {
		return filename
	}
	return filepath.Join(dir, filename)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
