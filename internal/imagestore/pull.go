package imagestore

import (
	"context"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/nanovisor/nanovisor/internal/failure"
)

// pullResult is the outcome of resolving a reference to a single,
// platform-matched image.
type pullResult struct {
	Image  v1.Image
	Digest string
}

// pullImage resolves imageRef against its registry, matching an index entry
// (or verifying a single-manifest image) against linux/arch, where arch is
// the guest architecture this daemon's VMs run (always arm64 on the
// Apple-silicon hosts this system targets, regardless of host GOARCH).
func pullImage(ctx context.Context, imageRef string, arch string) (*pullResult, error) {
	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return nil, failure.Wrap(failure.InvalidArgument, "parse image reference "+imageRef, err)
	}

	desc, err := remote.Get(ref, remote.WithContext(ctx), remote.WithPlatform(v1.Platform{OS: "linux", Architecture: arch}))
	if err != nil {
		return nil, failure.Wrap(failure.InternalError, "resolve image "+imageRef, err)
	}

	switch desc.MediaType {
	case types.OCIImageIndex, types.DockerManifestList:
		idx, err := desc.ImageIndex()
		if err != nil {
			return nil, failure.Wrap(failure.InternalError, "read image index", err)
		}
		manifest, err := idx.IndexManifest()
		if err != nil {
			return nil, failure.Wrap(failure.InternalError, "read index manifest", err)
		}
		for _, m := range manifest.Manifests {
			if m.Platform == nil {
				continue
			}
			if m.Platform.OS != "linux" || m.Platform.Architecture != arch {
				continue
			}
			img, err := idx.Image(m.Digest)
			if err != nil {
				return nil, failure.Wrap(failure.InternalError, "read platform image", err)
			}
			return &pullResult{Image: img, Digest: m.Digest.String()}, nil
		}
		return nil, failure.Newf(failure.NotFound, "no linux/%s manifest in image index for %s", arch, imageRef)

	default:
		img, err := desc.Image()
		if err != nil {
			return nil, failure.Wrap(failure.InternalError, "read image", err)
		}
		cfg, err := img.ConfigFile()
		if err != nil {
			return nil, failure.Wrap(failure.InternalError, "read image config", err)
		}
		if cfg.OS != "linux" || cfg.Architecture != arch {
			return nil, failure.Newf(failure.Unsupported, "image %s is %s/%s, want linux/%s", imageRef, cfg.OS, cfg.Architecture, arch)
		}
		return &pullResult{Image: img, Digest: desc.Digest.String()}, nil
	}
}

// GuestArch is the architecture every guest VM this system boots runs as.
// The host may be Intel during development, but the shipped product only
// targets Apple-silicon Macs, so the guest is always arm64.
const GuestArch = "arm64"
