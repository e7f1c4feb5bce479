package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/nugget/mailsite/internal/config"
	"github.com/nugget/mailsite/internal/defaults"
)

// clearUmask sets the process umask to 0 so file permission assertions are
// deterministic. It restores the original umask when the test completes.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "data"))
	if err != nil || !info.IsDir() {
		t.Errorf("data directory not created: %v", err)
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	cfgInfo, err := os.Stat(cfgPath)
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := cfgInfo.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}

	got, _ := os.ReadFile(cfgPath)
	if !bytes.Equal(got, defaults.ConfigYAML) {
		t.Error("config.yaml does not match the embedded example")
	}
	if _, err := config.Load(cfgPath); err != nil {
		t.Errorf("written config does not load: %v", err)
	}

	if !strings.Contains(buf.String(), "✓") {
		t.Errorf("output should report the written file:\n%s", buf.String())
	}
}

func TestRunInit_DoesNotOverwrite(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	custom := []byte("listen:\n  port: 9000\n")
	os.WriteFile(cfgPath, custom, 0600)

	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	got, _ := os.ReadFile(cfgPath)
	if !bytes.Equal(got, custom) {
		t.Errorf("config.yaml overwritten:\n%s", got)
	}
	if !strings.Contains(buf.String(), "exists, left unchanged") {
		t.Errorf("output should report the skipped file:\n%s", buf.String())
	}
}

func TestWriteIfMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.txt")

	wrote, err := writeIfMissing(path, []byte("one"), 0o644)
	if err != nil || !wrote {
		t.Fatalf("first write = %v, %v; want true, nil", wrote, err)
	}
	wrote, err = writeIfMissing(path, []byte("two"), 0o644)
	if err != nil || wrote {
		t.Fatalf("second write = %v, %v; want false, nil", wrote, err)
	}
	if got, _ := os.ReadFile(path); string(got) != "one" {
		t.Errorf("content = %q, want %q", got, "one")
	}
}
