// Package imagestore resolves OCI image references to a platform-matched
// image (manifest, config and layers, read on demand through the registry
// client) and records on disk the digest each reference last resolved to.
// Image contents are not stored locally, and every Get goes to the registry.
package imagestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/nanovisor/nanovisor/internal/failure"
)

// ProgressFunc reports coarse pull/resolve progress.
type ProgressFunc func(stage, detail string)

// Image is a lazily-accessed handle onto a single resolved, platform-matched
// OCI image: its manifest, config and layers are all fetched on demand from
// the underlying v1.Image, not eagerly copied into this struct.
type Image struct {
	Reference string
	Digest    string
	img       v1.Image
}

func (im *Image) Manifest() (*v1.Manifest, error) {
	m, err := im.img.Manifest()
	if err != nil {
		return nil, failure.Wrap(failure.InternalError, "read image manifest", err)
	}
	return m, nil
}

func (im *Image) Config() (*v1.ConfigFile, error) {
	c, err := im.img.ConfigFile()
	if err != nil {
		return nil, failure.Wrap(failure.InternalError, "read image config", err)
	}
	return c, nil
}

func (im *Image) Layers() ([]v1.Layer, error) {
	ls, err := im.img.Layers()
	if err != nil {
		return nil, failure.Wrap(failure.InternalError, "read image layers", err)
	}
	return ls, nil
}

// Store indexes resolved references to digests on disk, mirroring the
// ref-index/atomic-rename pattern this system has always used for its local
// caches: a sidecar file records which digest a reference last resolved to.
// The index does not let a repeat lookup skip the registry.
type Store struct {
	mu        sync.Mutex
	rootDir   string
	guestArch string
	refIndex  map[string]string // reference -> digest
}

// NewStore opens (creating if necessary) a Store rooted at rootDir.
func NewStore(rootDir, guestArch string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(rootDir, "refs"), 0o755); err != nil {
		return nil, failure.Wrap(failure.InternalError, "create image store root", err)
	}
	s := &Store{rootDir: rootDir, guestArch: guestArch, refIndex: map[string]string{}}
	s.rebuildIndex()
	return s, nil
}

func (s *Store) refIndexDir() string { return filepath.Join(s.rootDir, "refs") }

// rebuildIndex scans the on-disk ref sidecar files, reconstructing the
// in-memory reference->digest map. Called once at startup; entries are also
// added incrementally as references resolve.
func (s *Store) rebuildIndex() {
	entries, err := os.ReadDir(s.refIndexDir())
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.refIndexDir(), e.Name()))
		if err != nil {
			continue
		}
		var rec refRecord
		if json.Unmarshal(data, &rec) == nil && rec.Reference != "" && rec.Digest != "" {
			s.refIndex[rec.Reference] = rec.Digest
		}
	}
}

type refRecord struct {
	Reference string `json:"reference"`
	Digest    string `json:"digest"`
}

func (s *Store) writeRefRecord(reference, digest string) error {
	rec := refRecord{Reference: reference, Digest: digest}
	data, err := json.Marshal(rec)
	if err != nil {
		return failure.Wrap(failure.InternalError, "marshal ref record", err)
	}
	name := digestToFileName(digest) + ".json"
	tmp, err := os.CreateTemp(s.refIndexDir(), "ref-*")
	if err != nil {
		return failure.Wrap(failure.InternalError, "create ref record", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return failure.Wrap(failure.InternalError, "write ref record", err)
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), filepath.Join(s.refIndexDir(), name)); err != nil {
		return failure.Wrap(failure.InternalError, "install ref record", err)
	}
	return nil
}

func digestToFileName(digest string) string {
	out := make([]byte, 0, len(digest))
	for _, r := range digest {
		if r == ':' {
			out = append(out, '_')
			continue
		}
		out = append(out, byte(r))
	}
	return string(out)
}

// Get resolves reference to an Image by consulting the registry and
// indexing the result for next time. pull must be true; pull is false for
// the "must already be cached" case this system uses when the caller wants
// to fail fast rather than hit the network, which Get always refuses since
// producing a usable v1.Image handle requires the round-trip regardless of
// whether the digest is already indexed.
func (s *Store) Get(ctx context.Context, reference string, pull bool, progress ProgressFunc) (*Image, error) {
	if !pull {
		// Re-resolving from a pinned digest still requires a v1.Image
		// handle; the ref index only short-circuits the reference->digest
		// lookup, not the registry round-trip itself, so fetching a handle
		// always requires pull=true even once a digest is already indexed.
		return nil, failure.Newf(failure.NotFound, "image %s not cached locally", reference)
	}

	if progress != nil {
		progress("resolve", reference)
	}
	res, err := pullImage(ctx, reference, s.guestArch)
	if err != nil {
		return nil, err
	}
	if progress != nil {
		progress("resolved", res.Digest)
	}

	if err := s.writeRefRecord(reference, res.Digest); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.refIndex[reference] = res.Digest
	s.mu.Unlock()

	return &Image{Reference: reference, Digest: res.Digest, img: res.Image}, nil
}

// InitImage is the fixed guest init ramfs image this system boots every VM
// from. Building the kernel and initramfs contents themselves is out of
// scope; the Store only locates the file the daemon was configured with.
type InitImage struct {
	Path string
}

// GetInitImage resolves reference to the on-disk init ramfs image. reference
// here is a filesystem path (or a name relative to the store root), not an
// OCI registry reference: the init image is not pulled from a registry.
func (s *Store) GetInitImage(reference string) (*InitImage, error) {
	path := reference
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.rootDir, reference)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, failure.Wrap(failure.NotFound, "init image "+reference, err)
	}
	return &InitImage{Path: path}, nil
}

// ContainerRootfsPath returns the canonical on-disk location for a
// container's unpacked ext4 root filesystem image.
func (s *Store) ContainerRootfsPath(containerID string) string {
	return filepath.Join(s.rootDir, "containers", containerID, "rootfs.ext4")
}

// ContainerBootlogPath returns the canonical on-disk location for a
// container's VM boot log.
func (s *Store) ContainerBootlogPath(containerID string) string {
	return filepath.Join(s.rootDir, "containers", containerID, "bootlog.log")
}

// EnsureContainerDir creates the per-container directory that holds the
// rootfs image and boot log, returning it.
func (s *Store) EnsureContainerDir(containerID string) (string, error) {
	dir := filepath.Join(s.rootDir, "containers", containerID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", failure.Wrap(failure.InternalError, "create container directory", err)
	}
	return dir, nil
}
