package imagestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nanovisor/nanovisor/internal/failure"
)

func TestGetWithoutPullFailsWhenNotCached(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, GuestArch)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	_, err = s.Get(context.Background(), "docker.io/library/busybox:latest", false, nil)
	if !failure.Is(err, failure.NotFound) {
		t.Fatalf("Get without pull: err = %v, want notFound", err)
	}
}

func TestRefIndexPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, GuestArch)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.writeRefRecord("docker.io/library/busybox:latest", "sha256:deadbeef"); err != nil {
		t.Fatalf("writeRefRecord: %v", err)
	}

	s2, err := NewStore(dir, GuestArch)
	if err != nil {
		t.Fatalf("NewStore reopen: %v", err)
	}
	if got := s2.refIndex["docker.io/library/busybox:latest"]; got != "sha256:deadbeef" {
		t.Fatalf("refIndex after reopen = %q, want sha256:deadbeef", got)
	}
}

func TestGetInitImageRequiresExistingFile(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, GuestArch)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := s.GetInitImage("initfs.ext4"); !failure.Is(err, failure.NotFound) {
		t.Fatalf("GetInitImage missing file: err = %v, want notFound", err)
	}

	initPath := filepath.Join(dir, "initfs.ext4")
	if err := os.WriteFile(initPath, []byte("fake"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	init, err := s.GetInitImage("initfs.ext4")
	if err != nil {
		t.Fatalf("GetInitImage: %v", err)
	}
	if init.Path != initPath {
		t.Fatalf("GetInitImage.Path = %q, want %q", init.Path, initPath)
	}
}

func TestContainerPathHelpers(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, GuestArch)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	containerDir, err := s.EnsureContainerDir("c1")
	if err != nil {
		t.Fatalf("EnsureContainerDir: %v", err)
	}
	if _, err := os.Stat(containerDir); err != nil {
		t.Fatalf("container dir not created: %v", err)
	}
	if want := filepath.Join(containerDir, "rootfs.ext4"); s.ContainerRootfsPath("c1") != want {
		t.Fatalf("ContainerRootfsPath = %q, want %q", s.ContainerRootfsPath("c1"), want)
	}
	if want := filepath.Join(containerDir, "bootlog.log"); s.ContainerBootlogPath("c1") != want {
		t.Fatalf("ContainerBootlogPath = %q, want %q", s.ContainerBootlogPath("c1"), want)
	}
}
