package metadata

import (
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
)

type record struct {
	Name  string
	Count int
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGet(t *testing.T) {
	s := openTestStore(t)

	want := record{Name: "a", Count: 3}
	if err := s.Put("things", "a", want); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var got record
	if err := s.Get("things", "a", &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)

	var got record
	if err := s.Get("things", "missing", &got); !errdefs.IsNotFound(err) {
		t.Fatalf("Get missing key: err = %v, want NotFound", err)
	}

	if err := s.Put("things", "a", record{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Get("things", "missing", &got); !errdefs.IsNotFound(err) {
		t.Fatalf("Get missing key in existing bucket: err = %v, want NotFound", err)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	s := openTestStore(t)

	if err := s.Put("things", "a", record{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete("things", "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete("things", "a"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if err := s.Delete("nobucket", "a"); err != nil {
		t.Fatalf("Delete in absent bucket: %v", err)
	}
}

func TestUpdateAtomicity(t *testing.T) {
	s := openTestStore(t)

	if err := s.Put("refs", "layer1", 1); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// A failing transaction must leave no partial writes behind.
	errBoom := errdefs.ErrUnknown
	err := s.Update(func(tx *Tx) error {
		if err := tx.Put("refs", "layer1", 2); err != nil {
			return err
		}
		if err := tx.Put("containers", "c1", record{Name: "c1"}); err != nil {
			return err
		}
		return errBoom
	})
	if err == nil {
		t.Fatal("Update: expected error")
	}

	var count int
	if err := s.Get("refs", "layer1", &count); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if count != 1 {
		t.Fatalf("refcount = %d after rolled-back tx, want 1", count)
	}
	var got record
	if err := s.Get("containers", "c1", &got); !errdefs.IsNotFound(err) {
		t.Fatalf("container record survived rollback: err = %v", err)
	}
}

func TestForEach(t *testing.T) {
	s := openTestStore(t)

	for _, k := range []string{"a", "b", "c"} {
		if err := s.Put("things", k, record{Name: k}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	var keys []string
	err := s.View(func(tx *Tx) error {
		return tx.ForEach("things", func(key string, raw []byte) error {
			keys = append(keys, key)
			return nil
		})
	})
	if err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("iterated %d keys, want 3", len(keys))
	}
}
