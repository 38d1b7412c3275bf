package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetConfigDirHonoursHomeEnv(t *testing.T) {
	home := filepath.Join(t.TempDir(), "data")
	t.Setenv(HomeEnv, home)

	dir, err := GetConfigDir()
	if err != nil {
		t.Fatalf("GetConfigDir failed: %v", err)
	}
	if dir != home {
		t.Errorf("Expected %s, got %s", home, dir)
	}
	if st, err := os.Stat(home); err != nil || !st.IsDir() {
		t.Errorf("Data directory was not created: %v", err)
	}
}

func TestResolveFilePath(t *testing.T) {
	home := t.TempDir()
	t.Setenv(HomeEnv, home)
	t.Chdir(t.TempDir())

	if got := ResolveFilePath("fedgraph.db"); got != filepath.Join(home, "fedgraph.db") {
		t.Errorf("Missing file should resolve into the data dir, got %s", got)
	}
	if err := os.WriteFile("fedgraph.db", nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if got := ResolveFilePath("fedgraph.db"); got != "fedgraph.db" {
		t.Errorf("Local file should win, got %s", got)
	}
}
