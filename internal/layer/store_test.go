package layer

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/moby/go-archive"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"gotest.tools/v3/assert"

	"github.com/cratehq/boxd/internal/metadata"
)

// Builds a tar diff stream from a path -> content map.
func makeDiff(t *testing.T, files map[string]string) io.Reader {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		hdr := &tar.Header{
			Name: name,
			Mode: 0644,
			Size: int64(len(content)),
		}
		assert.NilError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		assert.NilError(t, err)
	}
	assert.NilError(t, tw.Close())
	return &buf
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	meta, err := metadata.Open(filepath.Join(dir, "meta.db"))
	assert.NilError(t, err)
	t.Cleanup(func() { meta.Close() })

	s, err := NewStore(filepath.Join(dir, "layers"), meta, archive.AUFSWhiteoutFormat)
	assert.NilError(t, err)
	return s
}

func TestCreateLayerIdempotent(t *testing.T) {
	s := newTestStore(t)

	files := map[string]string{"etc/hostname": "box\n"}

	first, err := s.CreateLayer(makeDiff(t, files))
	assert.NilError(t, err)

	second, err := s.CreateLayer(makeDiff(t, files))
	assert.NilError(t, err)
	assert.Equal(t, first, second)

	// One stored tree, no duplicates.
	entries, err := os.ReadDir(filepath.Join(s.root, first.Algorithm().String()))
	assert.NilError(t, err)
	assert.Equal(t, len(entries), 1)

	path, err := s.GetLayer(first)
	assert.NilError(t, err)
	content, err := os.ReadFile(filepath.Join(path, "etc/hostname"))
	assert.NilError(t, err)
	assert.Equal(t, string(content), "box\n")
}

func TestCreateLayerConcurrentIdenticalContent(t *testing.T) {
	s := newTestStore(t)
	files := map[string]string{"bin/sh": "#!/bin/true\n"}

	const workers = 8
	digests := make([]digest.Digest, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := s.CreateLayer(makeDiff(t, files))
			if err != nil {
				t.Error(err)
				return
			}
			digests[i] = d
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		assert.Equal(t, digests[0], digests[i])
	}
}

func TestGetLayerNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetLayer(digest.FromString("nope"))
	assert.Assert(t, errdefs.IsNotFound(err))
}

func TestTagResolveImage(t *testing.T) {
	s := newTestStore(t)

	base, err := s.CreateLayer(makeDiff(t, map[string]string{"etc/os-release": "base\n"}))
	assert.NilError(t, err)

	cfg := ocispec.ImageConfig{Entrypoint: []string{"/bin/sh"}, WorkingDir: "/"}
	_, err = s.TagImage("alpine", []digest.Digest{base}, cfg)
	assert.NilError(t, err)

	img, err := s.ResolveImage("alpine:latest")
	assert.NilError(t, err)
	assert.Equal(t, img.Name, "alpine:latest")
	assert.Equal(t, len(img.Layers), 1)
	assert.Equal(t, img.Config.WorkingDir, "/")

	_, err = s.ResolveImage("missing:latest")
	assert.Assert(t, errdefs.IsNotFound(err))
}

func TestTagImageMissingLayer(t *testing.T) {
	s := newTestStore(t)
	_, err := s.TagImage("broken:latest", []digest.Digest{digest.FromString("ghost")}, ocispec.ImageConfig{})
	assert.Assert(t, errdefs.IsNotFound(err))
}

func TestRetagReleasesOldLayers(t *testing.T) {
	s := newTestStore(t)

	old, err := s.CreateLayer(makeDiff(t, map[string]string{"v": "1\n"}))
	assert.NilError(t, err)
	_, err = s.TagImage("app:latest", []digest.Digest{old}, ocispec.ImageConfig{})
	assert.NilError(t, err)

	updated, err := s.CreateLayer(makeDiff(t, map[string]string{"v": "2\n"}))
	assert.NilError(t, err)
	_, err = s.TagImage("app:latest", []digest.Digest{updated}, ocispec.ImageConfig{})
	assert.NilError(t, err)

	removed, err := s.GC()
	assert.NilError(t, err)
	assert.Equal(t, len(removed), 1)
	assert.Equal(t, removed[0], old)

	_, err = s.GetLayer(old)
	assert.Assert(t, errdefs.IsNotFound(err))
	_, err = s.GetLayer(updated)
	assert.NilError(t, err)
}

func TestGCSkipsFreshAndReferencedLayers(t *testing.T) {
	s := newTestStore(t)

	fresh, err := s.CreateLayer(makeDiff(t, map[string]string{"a": "a"}))
	assert.NilError(t, err)

	tagged, err := s.CreateLayer(makeDiff(t, map[string]string{"b": "b"}))
	assert.NilError(t, err)
	_, err = s.TagImage("kept:latest", []digest.Digest{tagged}, ocispec.ImageConfig{})
	assert.NilError(t, err)

	removed, err := s.GC()
	assert.NilError(t, err)
	assert.Equal(t, len(removed), 0)

	_, err = s.GetLayer(fresh)
	assert.NilError(t, err)
	_, err = s.GetLayer(tagged)
	assert.NilError(t, err)
}

func TestRemoveImageReleasesLayers(t *testing.T) {
	s := newTestStore(t)

	d, err := s.CreateLayer(makeDiff(t, map[string]string{"x": "x"}))
	assert.NilError(t, err)
	_, err = s.TagImage("gone:latest", []digest.Digest{d}, ocispec.ImageConfig{})
	assert.NilError(t, err)

	assert.NilError(t, s.RemoveImage("gone:latest"))

	removed, err := s.GC()
	assert.NilError(t, err)
	assert.Equal(t, len(removed), 1)

	err = s.RemoveImage("gone:latest")
	assert.Assert(t, errdefs.IsNotFound(err))
}

func TestNormalizeRef(t *testing.T) {
	ref, err := NormalizeRef("busybox")
	assert.NilError(t, err)
	assert.Equal(t, ref, "busybox:latest")

	ref, err = NormalizeRef("busybox:1.36")
	assert.NilError(t, err)
	assert.Equal(t, ref, "busybox:1.36")

	_, err = NormalizeRef("  ")
	assert.ErrorIs(t, err, ErrInvalidImage)
}
