// Package unpacker drives an ext4 Formatter from an OCI image's layers,
// producing a single bootable root filesystem block file.
package unpacker

import (
	"context"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"

	"github.com/nanovisor/nanovisor/internal/ext4"
	"github.com/nanovisor/nanovisor/internal/failure"
	"github.com/nanovisor/nanovisor/internal/vmm"
)

// Source is the subset of imagestore.Image this package needs, kept narrow
// so tests can supply a fake image without a real registry pull.
type Source interface {
	Layers() ([]v1.Layer, error)
}

// Progress reports unpack progress across all layers, in the order they are
// applied (lowest layer first).
type Progress func(layerIndex, layerCount int, path string, done, total int64)

// Cancelled is polled between layers so a long unpack can be aborted
// without tearing down a layer partway through.
type Cancelled func() bool

// Unpack unwinds every layer of img onto a fresh ext4 image at destPath and
// returns the resulting block Mount. destPath must not already exist.
func Unpack(ctx context.Context, img Source, destPath string, minDiskSize uint64, progress Progress, cancelled Cancelled) (*vmm.Mount, error) {
	layers, err := img.Layers()
	if err != nil {
		return nil, failure.Wrap(failure.InternalError, "read image layers", err)
	}

	f, err := ext4.NewFormatter(destPath, minDiskSize)
	if err != nil {
		return nil, err
	}

	for i, layer := range layers {
		if cancelled != nil && cancelled() {
			return nil, failure.New(failure.Timeout, "unpack cancelled")
		}
		if err := ctx.Err(); err != nil {
			return nil, failure.Wrap(failure.Timeout, "unpack cancelled", err)
		}

		mt, err := layer.MediaType()
		if err != nil {
			return nil, failure.Wrap(failure.InternalError, "read layer media type", err)
		}
		compression, err := compressionFor(mt)
		if err != nil {
			return nil, err
		}

		rc, err := layer.Compressed()
		if err != nil {
			return nil, failure.Wrap(failure.InternalError, "open layer", err)
		}

		idx := i
		count := len(layers)
		var layerProgress ext4.UnpackProgress
		if progress != nil {
			layerProgress = func(path string, done, total int64) {
				progress(idx, count, path, done, total)
			}
		}

		err = f.Unpack(rc, compression, layerProgress)
		rc.Close()
		if err != nil {
			return nil, err
		}
	}

	if err := f.Close(); err != nil {
		return nil, err
	}

	return &vmm.Mount{
		Type:        "block",
		Source:      destPath,
		Destination: "/",
		Options:     []string{"format=ext4"},
	}, nil
}

// compressionFor maps an OCI/Docker layer media type to the compression
// argument ext4.Formatter.Unpack expects. Raw tar layers are already
// decompressed by go-containerregistry for some media types but not others,
// so this only covers the two shapes the registry actually serves:
// gzip-compressed tar and plain tar.
func compressionFor(mt types.MediaType) (string, error) {
	switch mt {
	case types.OCILayer, types.DockerLayer, types.OCIRestrictedLayer:
		return "gzip", nil
	case types.OCIUncompressedLayer, types.DockerUncompressedLayer:
		return "none", nil
	default:
		return "", failure.Newf(failure.Unsupported, "unsupported layer media type %q", mt)
	}
}
