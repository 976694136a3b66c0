package layer

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/cratehq/boxd/internal/metadata"
)

// An immutable named image: an ordered layer chain plus runtime config.
//
// Re-tagging a name binds it to a new Image record; the old record's layers
// stay referenced by any containers composed from them.
type Image struct {
	Name    string              `json:"name"`    // name:tag reference
	Layers  []digest.Digest     `json:"layers"`  // base to top
	Config  ocispec.ImageConfig `json:"config"`  // entrypoint, env, workdir, ports, volumes
	Created time.Time           `json:"created"` // when the tag was bound
}

// Normalizes an image reference, defaulting the tag to "latest".
func NormalizeRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, ":") {
		return "", fmt.Errorf("%w: empty image reference", ErrInvalidImage)
	}
	if !strings.Contains(ref, ":") {
		ref += ":latest"
	}
	return ref, nil
}

// Atomically binds name:tag to a new image built from the given layer chain
// and config.
//
// Every layer in the chain must already be stored. The new chain's reference
// counts are incremented and the previous binding's (if any) decremented in
// the same transaction that rewrites the record, so no interleaving can
// observe a referenced layer with a zero count. Containers running from the
// previous binding are unaffected; they hold their own references.
func (s *Store) TagImage(ref string, chain []digest.Digest, config ocispec.ImageConfig) (Image, error) {
	ref, err := NormalizeRef(ref)
	if err != nil {
		return Image{}, err
	}
	if len(chain) == 0 {
		return Image{}, fmt.Errorf("%w: image %s has no layers", ErrInvalidImage, ref)
	}
	if _, err := s.LayerPaths(chain); err != nil {
		return Image{}, err
	}

	img := Image{
		Name:    ref,
		Layers:  chain,
		Config:  config,
		Created: time.Now().UTC(),
	}

	err = s.meta.Update(func(tx *metadata.Tx) error {
		var prev Image
		hadPrev := true
		if err := tx.Get(bucketImages, ref, &prev); err != nil {
			if !errdefs.IsNotFound(err) {
				return err
			}
			hadPrev = false
		}

		if err := s.Ref(tx, chain); err != nil {
			return err
		}
		if hadPrev {
			if err := s.Unref(tx, prev.Layers); err != nil {
				return err
			}
		}
		return tx.Put(bucketImages, ref, img)
	})
	if err != nil {
		return Image{}, err
	}

	slog.Info("image tagged", "ref", ref, "layers", len(chain))
	return img, nil
}

// Resolves a name:tag reference to its image record.
//
// Returns an error satisfying errdefs.IsNotFound when untagged.
func (s *Store) ResolveImage(ref string) (Image, error) {
	ref, err := NormalizeRef(ref)
	if err != nil {
		return Image{}, err
	}
	var img Image
	if err := s.meta.Get(bucketImages, ref, &img); err != nil {
		if errdefs.IsNotFound(err) {
			return Image{}, fmt.Errorf("image %s: %w", ref, errdefs.ErrNotFound)
		}
		return Image{}, err
	}
	return img, nil
}

// Removes a tag and releases its layer references. The layer content remains
// until gc finds it unreferenced.
func (s *Store) RemoveImage(ref string) error {
	ref, err := NormalizeRef(ref)
	if err != nil {
		return err
	}
	err = s.meta.Update(func(tx *metadata.Tx) error {
		var img Image
		if err := tx.Get(bucketImages, ref, &img); err != nil {
			return err
		}
		if err := s.Unref(tx, img.Layers); err != nil {
			return err
		}
		return tx.Delete(bucketImages, ref)
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("image %s: %w", ref, errdefs.ErrNotFound)
		}
		return err
	}
	slog.Info("image removed", "ref", ref)
	return nil
}

// Returns all tagged images.
func (s *Store) Images() ([]Image, error) {
	var out []Image
	err := s.meta.View(func(tx *metadata.Tx) error {
		return tx.ForEach(bucketImages, func(key string, raw []byte) error {
			var img Image
			if err := tx.Get(bucketImages, key, &img); err != nil {
				return err
			}
			out = append(out, img)
			return nil
		})
	})
	return out, err
}
