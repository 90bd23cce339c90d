package unpacker

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"

	"github.com/nanovisor/nanovisor/internal/ext4"
)

type fakeLayer struct {
	mt  types.MediaType
	tar []byte
}

func (l *fakeLayer) Digest() (v1.Hash, error)       { return v1.Hash{}, nil }
func (l *fakeLayer) DiffID() (v1.Hash, error)        { return v1.Hash{}, nil }
func (l *fakeLayer) Size() (int64, error)            { return int64(len(l.tar)), nil }
func (l *fakeLayer) MediaType() (types.MediaType, error) { return l.mt, nil }
func (l *fakeLayer) Compressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.tar)), nil
}
func (l *fakeLayer) Uncompressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.tar)), nil
}

type fakeImage struct {
	layers []v1.Layer
}

func (f *fakeImage) Layers() ([]v1.Layer, error) { return f.layers, nil }

func tarWithFile(t *testing.T, name, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	tw.Close()
	return buf.Bytes()
}

func TestUnpackAppliesLayersInOrder(t *testing.T) {
	layer1 := &fakeLayer{mt: types.OCIUncompressedLayer, tar: tarWithFile(t, "/a.txt", "first")}
	layer2 := &fakeLayer{mt: types.OCIUncompressedLayer, tar: tarWithFile(t, "/a.txt", "second")}
	img := &fakeImage{layers: []v1.Layer{layer1, layer2}}

	dir := t.TempDir()
	dest := filepath.Join(dir, "rootfs.ext4")

	mount, err := Unpack(context.Background(), img, dest, 2<<20, nil, nil)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if mount.Source != dest || mount.Type != "block" {
		t.Fatalf("unexpected mount: %+v", mount)
	}

	r, err := ext4.Open(dest)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	got, err := r.ReadFile("/a.txt", 0, -1, true)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "second" {
		t.Fatalf("ReadFile = %q, want later layer to win", got)
	}
}

func TestUnpackRejectsUnsupportedMediaType(t *testing.T) {
	layer := &fakeLayer{mt: types.DockerConfigJSON, tar: nil}
	img := &fakeImage{layers: []v1.Layer{layer}}
	dir := t.TempDir()
	dest := filepath.Join(dir, "rootfs.ext4")

	_, err := Unpack(context.Background(), img, dest, 1<<20, nil, nil)
	if err == nil {
		t.Fatal("expected error for unsupported media type")
	}
}

func TestUnpackCancelledBetweenLayers(t *testing.T) {
	layer1 := &fakeLayer{mt: types.OCIUncompressedLayer, tar: tarWithFile(t, "/a.txt", "x")}
	layer2 := &fakeLayer{mt: types.OCIUncompressedLayer, tar: tarWithFile(t, "/b.txt", "y")}
	img := &fakeImage{layers: []v1.Layer{layer1, layer2}}
	dir := t.TempDir()
	dest := filepath.Join(dir, "rootfs.ext4")

	calls := 0
	cancelled := func() bool {
		calls++
		return calls > 1
	}
	_, err := Unpack(context.Background(), img, dest, 1<<20, nil, cancelled)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}
