package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds nanovisord runtime configuration.
type Config struct {
	// DataDir is the base directory for all nanovisor runtime state.
	DataDir string

	// BinDir is the directory containing nanovisor binaries (vminitd, vmexec).
	BinDir string

	// SocketPath is the unix socket path nanovisorctl dials to reach nanovisord.
	SocketPath string

	// ImageStoreDir is the root of the content-addressed OCI image store
	// (internal/imagestore), holding cached manifests/configs/blobs and
	// per-container unpacked rootfs.ext4 + bootlog.log files.
	ImageStoreDir string

	// KernelPath is the path to the guest kernel image the VMM boots.
	KernelPath string

	// InitRamfsPath is the path to the initramfs image containing vminitd
	// and vmexec, attached to every container's VM as PID 1.
	InitRamfsPath string

	// DefaultCPUs and DefaultMemoryMB are the container VM resource
	// defaults applied when a Configuration omits them.
	DefaultCPUs     int
	DefaultMemoryMB int

	// PauseAfterIdle and StopAfterIdle are the thresholds the container
	// manager's idle poll loop applies to each started container's
	// IdleTracker; zero disables the corresponding action.
	PauseAfterIdle time.Duration
	StopAfterIdle  time.Duration
}

// DefaultConfig returns the default configuration, rooted under the user's
// home directory.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".nanovisor")
	execDir := executableDir()

	return &Config{
		DataDir:         dataDir,
		BinDir:          execDir,
		SocketPath:      filepath.Join(dataDir, "nanovisord.sock"),
		ImageStoreDir:   filepath.Join(dataDir, "images"),
		KernelPath:      filepath.Join(dataDir, "kernel", "vmlinux"),
		InitRamfsPath:   filepath.Join(dataDir, "kernel", "initramfs.img"),
		DefaultCPUs:     1,
		DefaultMemoryMB: 512,
		PauseAfterIdle:  0,
		StopAfterIdle:   0,
	}
}

// EnsureDirs creates all required directories.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.DataDir,
		filepath.Dir(c.SocketPath),
		c.ImageStoreDir,
		filepath.Dir(c.KernelPath),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// fileOverlay is the on-disk YAML shape nanovisord's --config flag loads;
// any field left unset in the file keeps DefaultConfig's value.
type fileOverlay struct {
	DataDir         string `yaml:"dataDir"`
	BinDir          string `yaml:"binDir"`
	SocketPath      string `yaml:"socketPath"`
	ImageStoreDir   string `yaml:"imageStoreDir"`
	KernelPath      string `yaml:"kernelPath"`
	InitRamfsPath   string `yaml:"initRamfsPath"`
	DefaultCPUs     int    `yaml:"defaultCPUs"`
	DefaultMemoryMB int    `yaml:"defaultMemoryMB"`
}

// LoadFile starts from DefaultConfig and overlays any field path sets,
// mirroring the teacher's own "defaults struct + EnsureDirs" idiom but
// reading the overlay from YAML instead of hardcoding it, so an operator
// can point nanovisord at a non-default kernel/data directory without
// rebuilding.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, err
	}
	applyOverlay(cfg, overlay)
	return cfg, nil
}

func applyOverlay(cfg *Config, o fileOverlay) {
	if o.DataDir != "" {
		cfg.DataDir = o.DataDir
	}
	if o.BinDir != "" {
		cfg.BinDir = o.BinDir
	}
	if o.SocketPath != "" {
		cfg.SocketPath = o.SocketPath
	}
	if o.ImageStoreDir != "" {
		cfg.ImageStoreDir = o.ImageStoreDir
	}
	if o.KernelPath != "" {
		cfg.KernelPath = o.KernelPath
	}
	if o.InitRamfsPath != "" {
		cfg.InitRamfsPath = o.InitRamfsPath
	}
	if o.DefaultCPUs != 0 {
		cfg.DefaultCPUs = o.DefaultCPUs
	}
	if o.DefaultMemoryMB != 0 {
		cfg.DefaultMemoryMB = o.DefaultMemoryMB
	}
}

// executableDir returns the directory containing the current executable.
func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}
