package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestRunStopsOnCancel(t *testing.T) {
	for _, key := range []string{"STORAGE_PROTOCOL", "DATABASE_URL", "PORT", "ENV_FILE"} {
		t.Setenv(key, "")
	}
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	yml := "storage:\n  protocol: local\n  data_dir: " + dir + "\nserver:\n  port: \"0\"\n"
	if err := os.WriteFile(configPath, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := run(ctx, configPath); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunRejectsBadConfig(t *testing.T) {
	t.Setenv("STORAGE_PROTOCOL", "ftp")
	if err := run(context.Background(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for an unknown storage protocol")
	}
}
