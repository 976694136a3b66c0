package layer

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/moby/go-archive"
	"github.com/moby/go-archive/compression"
	"github.com/opencontainers/go-digest"

	"github.com/cratehq/boxd/internal/metadata"
	"github.com/cratehq/boxd/internal/paths"
)

// Metadata buckets owned by the layer store.
const (
	bucketImages = "images"
	bucketLayers = "layer-refs"
)

// Content-addressed storage of immutable filesystem layers.
//
// Each layer is an extracted file tree stored under the digest of its tar
// diff stream. Layers are written to a staging directory and renamed into
// place, so concurrent submissions of identical content cannot corrupt each
// other and re-submission is an idempotent no-op. Reference counts live in
// the metadata store and are updated in the same transaction that records
// the referencing image or container.
type Store struct {
	root     string
	meta     *metadata.Store
	whiteout archive.WhiteoutFormat

	mu sync.Mutex // serializes gc against layer creation and rename

	// Layers created in this process that no image or container references
	// yet. gc skips them so a freshly committed layer cannot vanish before
	// its first reference is recorded. Guarded by freshMu, not mu, because
	// references are recorded inside metadata transactions that may run
	// while gc holds mu.
	freshMu sync.Mutex
	fresh   map[digest.Digest]struct{}
}

func (s *Store) markFresh(dgst digest.Digest) {
	s.freshMu.Lock()
	s.fresh[dgst] = struct{}{}
	s.freshMu.Unlock()
}

func (s *Store) unmarkFresh(dgst digest.Digest) {
	s.freshMu.Lock()
	delete(s.fresh, dgst)
	s.freshMu.Unlock()
}

func (s *Store) isFresh(dgst digest.Digest) bool {
	s.freshMu.Lock()
	defer s.freshMu.Unlock()
	_, ok := s.fresh[dgst]
	return ok
}

// Creates a layer store rooted at the given directory.
//
// whiteout selects how deletion markers in incoming diff streams are
// represented in stored trees; it must match the filesystem driver that
// composes the stored layers.
func NewStore(root string, meta *metadata.Store, whiteout archive.WhiteoutFormat) (*Store, error) {
	if err := os.MkdirAll(root, paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}
	return &Store{
		root:     root,
		meta:     meta,
		whiteout: whiteout,
		fresh:    make(map[digest.Digest]struct{}),
	}, nil
}

// Path of the extracted tree for a digest.
func (s *Store) layerPath(dgst digest.Digest) string {
	return filepath.Join(s.root, dgst.Algorithm().String(), dgst.Encoded())
}

// Stores a layer from its tar diff stream and returns its content digest.
//
// The stream may be compressed; the digest is computed over the decompressed
// bytes, so the digest is a pure function of the diff content. If a layer
// with the same digest already exists the stream is still consumed, but the
// existing layer is reused and no duplicate storage is created.
func (s *Store) CreateLayer(diff io.Reader) (digest.Digest, error) {
	decompressed, err := compression.DecompressStream(diff)
	if err != nil {
		return "", fmt.Errorf("%w: decompress diff: %w", ErrStore, err)
	}
	defer decompressed.Close()

	staging, err := os.MkdirTemp(s.root, "staging-")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrStore, err)
	}
	defer os.RemoveAll(staging)

	digester := digest.Canonical.Digester()
	tee := io.TeeReader(decompressed, digester.Hash())

	if err := archive.Untar(tee, staging, &archive.TarOptions{NoLchown: true, WhiteoutFormat: s.whiteout}); err != nil {
		return "", fmt.Errorf("%w: extract diff: %w", ErrStore, err)
	}
	// Drain trailing padding so the digest covers the whole stream.
	if _, err := io.Copy(io.Discard, tee); err != nil {
		return "", fmt.Errorf("%w: %w", ErrStore, err)
	}

	dgst := digester.Digest()
	target := s.layerPath(dgst)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(target); err == nil {
		slog.Debug("layer already stored", "digest", dgst)
		return dgst, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), paths.DefaultDirMode); err != nil {
		return "", fmt.Errorf("%w: %w", ErrStore, err)
	}
	if err := os.Rename(staging, target); err != nil {
		// A concurrent create of identical content may have won the rename.
		if _, statErr := os.Stat(target); statErr == nil {
			return dgst, nil
		}
		return "", fmt.Errorf("%w: store layer %s: %w", ErrStore, dgst, err)
	}

	if err := s.meta.Update(func(tx *metadata.Tx) error {
		var count int
		if err := tx.Get(bucketLayers, dgst.String(), &count); err != nil && !errdefs.IsNotFound(err) {
			return err
		}
		return tx.Put(bucketLayers, dgst.String(), count)
	}); err != nil {
		return "", err
	}

	s.markFresh(dgst)

	slog.Debug("layer stored", "digest", dgst)
	return dgst, nil
}

// Returns the on-disk path of a layer's extracted tree.
//
// Returns an error satisfying errdefs.IsNotFound when the digest is unknown.
func (s *Store) GetLayer(dgst digest.Digest) (string, error) {
	path := s.layerPath(dgst)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("layer %s: %w", dgst, errdefs.ErrNotFound)
	}
	return path, nil
}

// Resolves an ordered digest chain to on-disk layer paths (base first).
func (s *Store) LayerPaths(chain []digest.Digest) ([]string, error) {
	out := make([]string, 0, len(chain))
	for _, dgst := range chain {
		path, err := s.GetLayer(dgst)
		if err != nil {
			return nil, err
		}
		out = append(out, path)
	}
	return out, nil
}

// Increments the reference count of every layer in the chain inside the
// caller's transaction.
//
// Callers record the referencing image or container in the same transaction,
// so a reference can never be observed without its count and gc can never
// observe a zero count for a referenced layer.
func (s *Store) Ref(tx *metadata.Tx, chain []digest.Digest) error {
	for _, dgst := range chain {
		var count int
		if err := tx.Get(bucketLayers, dgst.String(), &count); err != nil && !errdefs.IsNotFound(err) {
			return err
		}
		if err := tx.Put(bucketLayers, dgst.String(), count+1); err != nil {
			return err
		}
		s.unmarkFresh(dgst)
	}
	return nil
}

// Decrements the reference count of every layer in the chain inside the
// caller's transaction. Counts never go below zero.
func (s *Store) Unref(tx *metadata.Tx, chain []digest.Digest) error {
	for _, dgst := range chain {
		var count int
		if err := tx.Get(bucketLayers, dgst.String(), &count); err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return err
		}
		if count > 0 {
			count--
		}
		if err := tx.Put(bucketLayers, dgst.String(), count); err != nil {
			return err
		}
	}
	return nil
}

// Removes all layers with a zero reference count and returns their digests.
//
// Layers created in this process that have not yet been referenced are
// skipped. Removal is serialized against layer creation, so gc cannot
// delete a layer that a concurrent CreateLayer is renaming into place.
func (s *Store) GC() ([]digest.Digest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dead []digest.Digest
	err := s.meta.Update(func(tx *metadata.Tx) error {
		var scan []digest.Digest
		if err := tx.ForEach(bucketLayers, func(key string, raw []byte) error {
			dgst, err := digest.Parse(key)
			if err != nil {
				return nil // skip corrupt keys
			}
			scan = append(scan, dgst)
			return nil
		}); err != nil {
			return err
		}

		for _, dgst := range scan {
			if s.isFresh(dgst) {
				continue
			}
			var count int
			if err := tx.Get(bucketLayers, dgst.String(), &count); err != nil {
				return err
			}
			if count != 0 {
				continue
			}
			if err := tx.Delete(bucketLayers, dgst.String()); err != nil {
				return err
			}
			dead = append(dead, dgst)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, dgst := range dead {
		if err := os.RemoveAll(s.layerPath(dgst)); err != nil {
			slog.Warn("failed to remove unreferenced layer", "digest", dgst, "error", err)
			continue
		}
		slog.Debug("layer removed", "digest", dgst)
	}

	return dead, nil
}
