package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestDefaultConfigDerivesPathsFromDataDir(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.DataDir == "" {
		t.Fatal("DataDir is empty")
	}
	if got, want := filepath.Dir(cfg.SocketPath), cfg.DataDir; got != want {
		t.Fatalf("SocketPath parent = %q, want %q", got, want)
	}
	if got, want := filepath.Dir(cfg.ImageStoreDir), cfg.DataDir; got != want {
		t.Fatalf("ImageStoreDir parent = %q, want %q", got, want)
	}
	if cfg.DefaultCPUs <= 0 {
		t.Fatalf("DefaultCPUs = %d, want > 0", cfg.DefaultCPUs)
	}
	if cfg.DefaultMemoryMB <= 0 {
		t.Fatalf("DefaultMemoryMB = %d, want > 0", cfg.DefaultMemoryMB)
	}
}

func TestEnsureDirsCreatesTree(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.SocketPath = filepath.Join(cfg.DataDir, "sock", "nanovisord.sock")
	cfg.ImageStoreDir = filepath.Join(cfg.DataDir, "images")
	cfg.KernelPath = filepath.Join(cfg.DataDir, "kernel", "vmlinux")

	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}

	for _, dir := range []string{
		filepath.Dir(cfg.SocketPath),
		cfg.ImageStoreDir,
		filepath.Dir(cfg.KernelPath),
	} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("%s was not created as a directory", dir)
		}
	}
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nanovisord.yaml")
	contents := "dataDir: " + dir + "\ndefaultCPUs: 4\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.DataDir != dir {
		t.Fatalf("DataDir = %q, want %q", cfg.DataDir, dir)
	}
	if cfg.DefaultCPUs != 4 {
		t.Fatalf("DefaultCPUs = %d, want 4", cfg.DefaultCPUs)
	}
	// Fields absent from the file keep DefaultConfig's values.
	want := DefaultConfig()
	if cfg.DefaultMemoryMB != want.DefaultMemoryMB {
		t.Fatalf("DefaultMemoryMB = %d, want default %d", cfg.DefaultMemoryMB, want.DefaultMemoryMB)
	}
}

func TestLoadFileMissingReturnsError(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestDetectPlatformSelectsKnownBackendOnSupportedHosts(t *testing.T) {
	p, err := DetectPlatform()
	if runtime.GOOS != "darwin" && runtime.GOOS != "linux" {
		if err == nil {
			t.Fatal("expected an error on an unsupported GOOS")
		}
		return
	}
	if err != nil {
		t.Fatalf("DetectPlatform: %v", err)
	}
	if p.Backend == "" {
		t.Fatal("Backend is empty on a supported platform")
	}
}
