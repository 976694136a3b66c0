package cgroups

import (
	"os"
	"path/filepath"
	"testing"
)

// Fabricates a v2-shaped cgroup root in a temp dir.
func fakeV2Root(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "cgroup.controllers"), []byte("cpu memory\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return root
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestManagerDetectsV2(t *testing.T) {
	root := fakeV2Root(t)
	m := NewManager(root).(*fsManager)
	if !m.v2 {
		t.Fatal("expected v2 detection with cgroup.controllers present")
	}

	m = NewManager(t.TempDir()).(*fsManager)
	if m.v2 {
		t.Fatal("expected v1 detection without cgroup.controllers")
	}
}

func TestManagerFallsBackToNoop(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "missing"))
	if _, ok := m.(noopManager); !ok {
		t.Fatalf("manager = %T, want noopManager", m)
	}
}

func TestV2CreateWritesLimits(t *testing.T) {
	root := fakeV2Root(t)
	m := NewManager(root)

	g, err := m.Create("c1", Limits{CPUShares: 1024, CPUQuota: 50000, MemoryBytes: 64 << 20})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	dir := filepath.Join(root, "boxd", "c1")
	if got := readFile(t, filepath.Join(dir, "memory.max")); got != "67108864" {
		t.Fatalf("memory.max = %q", got)
	}
	if got := readFile(t, filepath.Join(dir, "cpu.max")); got != "50000 100000" {
		t.Fatalf("cpu.max = %q", got)
	}
	// shares 1024 maps near weight 39 on the documented conversion curve
	if got := readFile(t, filepath.Join(dir, "cpu.weight")); got != "39" {
		t.Fatalf("cpu.weight = %q", got)
	}

	if err := g.Attach(4242); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if got := readFile(t, filepath.Join(dir, "cgroup.procs")); got != "4242" {
		t.Fatalf("cgroup.procs = %q", got)
	}
}

func TestV2FreezeThaw(t *testing.T) {
	root := fakeV2Root(t)
	g, err := NewManager(root).Create("c1", Limits{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := g.Freeze(); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if got := readFile(t, filepath.Join(root, "boxd", "c1", "cgroup.freeze")); got != "1" {
		t.Fatalf("cgroup.freeze = %q after freeze", got)
	}

	if err := g.Thaw(); err != nil {
		t.Fatalf("Thaw: %v", err)
	}
	if got := readFile(t, filepath.Join(root, "boxd", "c1", "cgroup.freeze")); got != "0" {
		t.Fatalf("cgroup.freeze = %q after thaw", got)
	}
}

func TestV2Usage(t *testing.T) {
	root := fakeV2Root(t)
	g, err := NewManager(root).Create("c1", Limits{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	dir := filepath.Join(root, "boxd", "c1")
	os.WriteFile(filepath.Join(dir, "cpu.stat"), []byte("usage_usec 1500\nuser_usec 1000\nsystem_usec 500\n"), 0644)
	os.WriteFile(filepath.Join(dir, "memory.current"), []byte("1048576\n"), 0644)

	u, err := g.Usage()
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if u.CPUNanos != 1500000 {
		t.Fatalf("CPUNanos = %d, want 1500000", u.CPUNanos)
	}
	if u.MemoryBytes != 1048576 {
		t.Fatalf("MemoryBytes = %d, want 1048576", u.MemoryBytes)
	}
}

func TestV1CreateWritesLimits(t *testing.T) {
	root := t.TempDir() // no cgroup.controllers -> v1
	g, err := NewManager(root).Create("c1", Limits{CPUShares: 512, CPUQuota: 25000, MemoryBytes: 1 << 20})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if got := readFile(t, filepath.Join(root, "cpu", "boxd", "c1", "cpu.shares")); got != "512" {
		t.Fatalf("cpu.shares = %q", got)
	}
	if got := readFile(t, filepath.Join(root, "cpu", "boxd", "c1", "cpu.cfs_quota_us")); got != "25000" {
		t.Fatalf("cpu.cfs_quota_us = %q", got)
	}
	if got := readFile(t, filepath.Join(root, "memory", "boxd", "c1", "memory.limit_in_bytes")); got != "1048576" {
		t.Fatalf("memory.limit_in_bytes = %q", got)
	}

	if err := g.Freeze(); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if got := readFile(t, filepath.Join(root, "freezer", "boxd", "c1", "freezer.state")); got != "FROZEN" {
		t.Fatalf("freezer.state = %q", got)
	}
}
