package rootfs

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"gotest.tools/v3/assert"

	"github.com/cratehq/boxd/internal/layer"
	"github.com/cratehq/boxd/internal/metadata"
)

type diffEntry struct {
	name    string
	content string
	dir     bool
}

// Builds a tar diff stream from entries.
func makeDiff(t *testing.T, entries []diffEntry) io.Reader {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0644}
		if e.dir {
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0755
		} else {
			hdr.Size = int64(len(e.content))
		}
		assert.NilError(t, tw.WriteHeader(hdr))
		if !e.dir {
			_, err := tw.Write([]byte(e.content))
			assert.NilError(t, err)
		}
	}
	assert.NilError(t, tw.Close())
	return &buf
}

func newTestComposer(t *testing.T) (*Composer, *layer.Store) {
	t.Helper()
	dir := t.TempDir()
	meta, err := metadata.Open(filepath.Join(dir, "meta.db"))
	assert.NilError(t, err)
	t.Cleanup(func() { meta.Close() })

	driver := &vfsDriver{}
	store, err := layer.NewStore(filepath.Join(dir, "layers"), meta, driver.WhiteoutFormat())
	assert.NilError(t, err)

	c, err := NewComposer(filepath.Join(dir, "containers"), driver, store)
	assert.NilError(t, err)
	return c, store
}

func storeDiff(t *testing.T, store *layer.Store, entries []diffEntry) digest.Digest {
	t.Helper()
	d, err := store.CreateLayer(makeDiff(t, entries))
	assert.NilError(t, err)
	return d
}

func TestComposeHighestLayerWins(t *testing.T) {
	c, store := newTestComposer(t)

	base := storeDiff(t, store, []diffEntry{
		{name: "etc/", dir: true},
		{name: "etc/motd", content: "base\n"},
		{name: "etc/keep", content: "kept\n"},
	})
	mid := storeDiff(t, store, []diffEntry{
		{name: "etc/", dir: true},
		{name: "etc/motd", content: "mid\n"},
	})
	top := storeDiff(t, store, []diffEntry{
		{name: "etc/", dir: true},
		{name: "etc/motd", content: "top\n"},
	})

	m, err := c.Compose("c1", []digest.Digest{base, mid, top})
	assert.NilError(t, err)
	defer c.Teardown(m)

	motd, err := os.ReadFile(filepath.Join(m.MergedPath, "etc/motd"))
	assert.NilError(t, err)
	assert.Equal(t, string(motd), "top\n")

	keep, err := os.ReadFile(filepath.Join(m.MergedPath, "etc/keep"))
	assert.NilError(t, err)
	assert.Equal(t, string(keep), "kept\n")
}

func TestComposeMissingLayerLeavesNothing(t *testing.T) {
	c, store := newTestComposer(t)

	base := storeDiff(t, store, []diffEntry{{name: "a", content: "a"}})
	ghost := digest.FromString("never stored")

	_, err := c.Compose("c1", []digest.Digest{base, ghost})
	assert.ErrorIs(t, err, ErrCompose)

	// No container directory left behind.
	_, statErr := os.Stat(filepath.Join(c.root, "c1"))
	assert.Assert(t, os.IsNotExist(statErr))
}

func TestComposeRejectsSecondMount(t *testing.T) {
	c, store := newTestComposer(t)
	base := storeDiff(t, store, []diffEntry{{name: "a", content: "a"}})

	m, err := c.Compose("c1", []digest.Digest{base})
	assert.NilError(t, err)
	defer c.Teardown(m)

	_, err = c.Compose("c1", []digest.Digest{base})
	assert.ErrorIs(t, err, ErrCompose)
}

func TestComposeFileDirectoryConflict(t *testing.T) {
	c, store := newTestComposer(t)

	asFile := storeDiff(t, store, []diffEntry{{name: "opt", content: "file"}})
	asDir := storeDiff(t, store, []diffEntry{
		{name: "opt/", dir: true},
		{name: "opt/data", content: "x"},
	})

	_, err := c.Compose("c1", []digest.Digest{asFile, asDir})
	assert.ErrorIs(t, err, ErrCompose)
}

func TestCommitCapturesCopyUp(t *testing.T) {
	c, store := newTestComposer(t)

	base := storeDiff(t, store, []diffEntry{{name: "etc/", dir: true}, {name: "etc/motd", content: "base\n"}})
	m, err := c.Compose("c1", []digest.Digest{base})
	assert.NilError(t, err)
	defer c.Teardown(m)

	// The container writes a new file into its root.
	assert.NilError(t, os.WriteFile(filepath.Join(m.MergedPath, "written"), []byte("hello\n"), 0644))

	dgst, err := c.Commit(m)
	assert.NilError(t, err)

	// The write is visible in the writable layer...
	diffContent, err := os.ReadFile(filepath.Join(m.DiffPath, "written"))
	assert.NilError(t, err)
	assert.Equal(t, string(diffContent), "hello\n")

	// ...and in the committed layer...
	committed, err := store.GetLayer(dgst)
	assert.NilError(t, err)
	layerContent, err := os.ReadFile(filepath.Join(committed, "written"))
	assert.NilError(t, err)
	assert.Equal(t, string(layerContent), "hello\n")

	// ...but not in the underlying image layer.
	basePath, err := store.GetLayer(base)
	assert.NilError(t, err)
	_, statErr := os.Stat(filepath.Join(basePath, "written"))
	assert.Assert(t, os.IsNotExist(statErr))
}

func TestCommitCarriesDeletions(t *testing.T) {
	c, store := newTestComposer(t)

	base := storeDiff(t, store, []diffEntry{
		{name: "etc/", dir: true},
		{name: "etc/doomed", content: "doomed\n"},
		{name: "etc/keep", content: "kept\n"},
	})

	m, err := c.Compose("c1", []digest.Digest{base})
	assert.NilError(t, err)

	// The container deletes a base-layer file before commit.
	assert.NilError(t, os.Remove(filepath.Join(m.MergedPath, "etc/doomed")))

	dgst, err := c.Commit(m)
	assert.NilError(t, err)
	assert.NilError(t, c.Teardown(m))

	// Recomposing [base, committed] must honor the deletion.
	m2, err := c.Compose("c2", []digest.Digest{base, dgst})
	assert.NilError(t, err)
	defer c.Teardown(m2)

	_, statErr := os.Stat(filepath.Join(m2.MergedPath, "etc/doomed"))
	assert.Assert(t, os.IsNotExist(statErr))

	keep, err := os.ReadFile(filepath.Join(m2.MergedPath, "etc/keep"))
	assert.NilError(t, err)
	assert.Equal(t, string(keep), "kept\n")
}

func TestTeardownIdempotent(t *testing.T) {
	c, store := newTestComposer(t)
	base := storeDiff(t, store, []diffEntry{{name: "a", content: "a"}})

	m, err := c.Compose("c1", []digest.Digest{base})
	assert.NilError(t, err)

	assert.NilError(t, c.Teardown(m))
	_, statErr := os.Stat(filepath.Join(c.root, "c1"))
	assert.Assert(t, os.IsNotExist(statErr))

	// Second call is a no-op, as is tearing down a rehydrated handle.
	assert.NilError(t, c.Teardown(m))
	assert.NilError(t, c.Teardown(c.Rehydrate("c1")))
	assert.NilError(t, c.Teardown(nil))
}

func TestCommitThenTeardown(t *testing.T) {
	c, store := newTestComposer(t)
	base := storeDiff(t, store, []diffEntry{{name: "a", content: "a"}})

	m, err := c.Compose("c1", []digest.Digest{base})
	assert.NilError(t, err)

	assert.NilError(t, os.WriteFile(filepath.Join(m.MergedPath, "b"), []byte("b"), 0644))
	dgst, err := c.Commit(m)
	assert.NilError(t, err)

	// Unmounting succeeds even after the writable layer was committed,
	// and the committed layer survives the teardown.
	assert.NilError(t, c.Teardown(m))
	_, err = store.GetLayer(dgst)
	assert.NilError(t, err)
}
