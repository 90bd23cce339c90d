package ext4

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nanovisor/nanovisor/internal/failure"
)

func newTestImage(t *testing.T) (*Formatter, string) {
	t.Helper()
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "rootfs.ext4")
	f, err := NewFormatter(imgPath, 4<<20)
	if err != nil {
		t.Fatalf("NewFormatter: %v", err)
	}
	return f, imgPath
}

func TestBuildThenReadRoundTrip(t *testing.T) {
	f, imgPath := newTestImage(t)

	if err := f.CreateDir("/etc", 0o755); err != nil {
		t.Fatalf("CreateDir: %v", err)
	}
	content := []byte("hello world\n")
	if err := f.CreateFile("/etc/hostname", 0o644, bytes.NewReader(content)); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := f.CreateSymlink("/etc/link", "hostname", 0o777); err != nil {
		t.Fatalf("CreateSymlink: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := Open(imgPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	got, err := r.ReadFile("/etc/hostname", 0, -1, true)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("ReadFile = %q, want %q", got, content)
	}

	gotViaLink, err := r.ReadFile("/etc/link", 0, -1, true)
	if err != nil {
		t.Fatalf("ReadFile via symlink: %v", err)
	}
	if !bytes.Equal(gotViaLink, content) {
		t.Fatalf("ReadFile via symlink = %q, want %q", gotViaLink, content)
	}

	names, err := r.ListDirectory("/etc")
	if err != nil {
		t.Fatalf("ListDirectory: %v", err)
	}
	if len(names) != 2 || names[0] != "hostname" || names[1] != "link" {
		t.Fatalf("ListDirectory = %v", names)
	}
}

func TestReadFileOffsetCountBoundaries(t *testing.T) {
	f, imgPath := newTestImage(t)
	content := []byte("0123456789")
	if err := f.CreateFile("/data", 0o644, bytes.NewReader(content)); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	r, err := Open(imgPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	cases := []struct {
		offset, count int64
		want          string
	}{
		{0, -1, "0123456789"},
		{3, 4, "3456"},
		{10, -1, ""},
		{20, -1, ""},
		{8, 100, "89"},
	}
	for _, c := range cases {
		got, err := r.ReadFile("/data", c.offset, c.count, true)
		if err != nil {
			t.Fatalf("ReadFile(%d,%d): %v", c.offset, c.count, err)
		}
		if string(got) != c.want {
			t.Fatalf("ReadFile(%d,%d) = %q, want %q", c.offset, c.count, got, c.want)
		}
	}
}

func TestSymlinkCycleFails(t *testing.T) {
	f, imgPath := newTestImage(t)
	if err := f.CreateSymlink("/a", "/b", 0o777); err != nil {
		t.Fatalf("CreateSymlink a: %v", err)
	}
	if err := f.CreateSymlink("/b", "/a", 0o777); err != nil {
		t.Fatalf("CreateSymlink b: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	r, err := Open(imgPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	_, err = r.ReadFile("/a", 0, -1, true)
	if !failure.Is(err, failure.SymlinkLoop) {
		t.Fatalf("ReadFile on cycle: err = %v, want symlinkLoop", err)
	}
}

func TestLongSymlinkChainResolves(t *testing.T) {
	f, imgPath := newTestImage(t)
	if err := f.CreateFile("/target", 0o644, strings.NewReader("leaf")); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	prev := "/target"
	for i := 0; i < 10; i++ {
		name := "/" + string(rune('a'+i))
		if err := f.CreateSymlink(name, prev, 0o777); err != nil {
			t.Fatalf("CreateSymlink %s: %v", name, err)
		}
		prev = name
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	r, err := Open(imgPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	got, err := r.ReadFile(prev, 0, -1, true)
	if err != nil {
		t.Fatalf("ReadFile chain: %v", err)
	}
	if string(got) != "leaf" {
		t.Fatalf("ReadFile chain = %q", got)
	}
}

func TestListDirectoryOnFileFails(t *testing.T) {
	f, imgPath := newTestImage(t)
	if err := f.CreateFile("/file", 0o644, strings.NewReader("x")); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	r, err := Open(imgPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	_, err = r.ListDirectory("/file")
	if !failure.Is(err, failure.NotADirectory) {
		t.Fatalf("ListDirectory on file: err = %v, want notADirectory", err)
	}
}

func TestUnpackAppliesWhiteouts(t *testing.T) {
	f, imgPath := newTestImage(t)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	writeTarFile(t, tw, "/keep.txt", "keep")
	writeTarFile(t, tw, "/remove.txt", "gone")
	tw.Close()
	if err := f.Unpack(&buf, "none", nil); err != nil {
		t.Fatalf("Unpack layer 1: %v", err)
	}

	var buf2 bytes.Buffer
	tw2 := tar.NewWriter(&buf2)
	writeTarFile(t, tw2, "/.wh.remove.txt", "")
	tw2.Close()
	if err := f.Unpack(&buf2, "none", nil); err != nil {
		t.Fatalf("Unpack layer 2: %v", err)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := Open(imgPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if !r.Exists("/keep.txt", true) {
		t.Fatalf("keep.txt should exist")
	}
	if r.Exists("/remove.txt", true) {
		t.Fatalf("remove.txt should have been whited out")
	}
}

func writeTarFile(t *testing.T, tw *tar.Writer, name, content string) {
	t.Helper()
	hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		t.Fatalf("tar Write: %v", err)
	}
}

func TestFormatterRejectsExistingDestination(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "rootfs.ext4")
	if err := os.WriteFile(imgPath, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, err := NewFormatter(imgPath, 1<<20)
	if !failure.Is(err, failure.Exists) {
		t.Fatalf("NewFormatter on existing path: err = %v, want exists", err)
	}
}
