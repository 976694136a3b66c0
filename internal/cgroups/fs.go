package cgroups

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cratehq/boxd/internal/paths"
)

const (

	// Mount point of the cgroup filesystem.
	DefaultRoot = "/sys/fs/cgroup"

	// Parent group holding all container groups.
	parentGroup = "boxd"
)

// cgroup v1 controllers the daemon needs.
var v1Controllers = []string{"cpu", "memory", "freezer"}

// Resource groups backed by the cgroup filesystem.
//
// The unified (v2) hierarchy is preferred; the split v1 hierarchy is used
// when the root lacks a cgroup.controllers file. All groups live under a
// "boxd" parent so the daemon never touches foreign groups.
type fsManager struct {
	root string
	v2   bool
}

// Creates a manager over the cgroup filesystem mounted at root (the usual
// mount point when root is empty).
//
// Returns a no-op manager with a warning when the cgroup filesystem is not
// present; containers then run without enforced limits, mirroring the
// behavior of hosts without resource-control support.
func NewManager(root string) Manager {
	if root == "" {
		root = DefaultRoot
	}
	if _, err := os.Stat(root); err != nil {
		slog.Warn("cgroup filesystem unavailable, resource limits disabled", "root", root)
		return NewNoop()
	}
	_, err := os.Stat(filepath.Join(root, "cgroup.controllers"))
	return &fsManager{root: root, v2: err == nil}
}

func (m *fsManager) Create(containerID string, limits Limits) (Group, error) {
	if m.v2 {
		g := &v2Group{dir: filepath.Join(m.root, parentGroup, containerID)}
		if err := g.create(limits); err != nil {
			g.Destroy()
			return nil, err
		}
		return g, nil
	}

	g := &v1Group{root: m.root, name: filepath.Join(parentGroup, containerID)}
	if err := g.create(limits); err != nil {
		g.Destroy()
		return nil, err
	}
	return g, nil
}

// A group in the unified hierarchy.
type v2Group struct {
	dir string
}

func (g *v2Group) create(limits Limits) error {
	if err := os.MkdirAll(g.dir, paths.DefaultDirMode); err != nil {
		return wrap("create group", err)
	}

	if limits.CPUShares > 0 {
		// Map v1 shares [2..262144] onto v2 weight [1..10000].
		weight := 1 + ((limits.CPUShares-2)*9999)/262142
		if err := writeValue(g.dir, "cpu.weight", strconv.FormatInt(weight, 10)); err != nil {
			return err
		}
	}
	if limits.CPUQuota > 0 {
		period := limits.CPUPeriod
		if period == 0 {
			period = defaultCPUPeriod
		}
		max := fmt.Sprintf("%d %d", limits.CPUQuota, period)
		if err := writeValue(g.dir, "cpu.max", max); err != nil {
			return err
		}
	}
	if limits.MemoryBytes > 0 {
		if err := writeValue(g.dir, "memory.max", strconv.FormatInt(limits.MemoryBytes, 10)); err != nil {
			return err
		}
	}
	return nil
}

func (g *v2Group) Attach(pid int) error {
	return writeValue(g.dir, "cgroup.procs", strconv.Itoa(pid))
}

func (g *v2Group) Usage() (Usage, error) {
	var u Usage

	if usec, err := readKeyedValue(filepath.Join(g.dir, "cpu.stat"), "usage_usec"); err == nil {
		u.CPUNanos = usec * 1000
	}
	if cur, err := readUintFile(filepath.Join(g.dir, "memory.current")); err == nil {
		u.MemoryBytes = cur
	} else {
		return u, wrap("read usage", err)
	}
	return u, nil
}

func (g *v2Group) Freeze() error {
	return writeValue(g.dir, "cgroup.freeze", "1")
}

func (g *v2Group) Thaw() error {
	return writeValue(g.dir, "cgroup.freeze", "0")
}

func (g *v2Group) Destroy() error {
	if err := os.Remove(g.dir); err != nil && !os.IsNotExist(err) {
		return wrap("destroy group", err)
	}
	return nil
}

// A group spread across the v1 split hierarchies.
type v1Group struct {
	root string
	name string // relative group path, e.g. boxd/<id>
}

func (g *v1Group) dir(controller string) string {
	return filepath.Join(g.root, controller, g.name)
}

func (g *v1Group) create(limits Limits) error {
	for _, ctrl := range v1Controllers {
		if err := os.MkdirAll(g.dir(ctrl), paths.DefaultDirMode); err != nil {
			return wrap("create group", err)
		}
	}

	if limits.CPUShares > 0 {
		if err := writeValue(g.dir("cpu"), "cpu.shares", strconv.FormatInt(limits.CPUShares, 10)); err != nil {
			return err
		}
	}
	if limits.CPUQuota > 0 {
		period := limits.CPUPeriod
		if period == 0 {
			period = defaultCPUPeriod
		}
		if err := writeValue(g.dir("cpu"), "cpu.cfs_quota_us", strconv.FormatInt(limits.CPUQuota, 10)); err != nil {
			return err
		}
		if err := writeValue(g.dir("cpu"), "cpu.cfs_period_us", strconv.FormatInt(period, 10)); err != nil {
			return err
		}
	}
	if limits.MemoryBytes > 0 {
		if err := writeValue(g.dir("memory"), "memory.limit_in_bytes", strconv.FormatInt(limits.MemoryBytes, 10)); err != nil {
			return err
		}
	}
	return nil
}

func (g *v1Group) Attach(pid int) error {
	for _, ctrl := range v1Controllers {
		if err := writeValue(g.dir(ctrl), "cgroup.procs", strconv.Itoa(pid)); err != nil {
			return err
		}
	}
	return nil
}

func (g *v1Group) Usage() (Usage, error) {
	var u Usage
	if nanos, err := readUintFile(filepath.Join(g.dir("cpu"), "cpuacct.usage")); err == nil {
		u.CPUNanos = nanos
	}
	cur, err := readUintFile(filepath.Join(g.dir("memory"), "memory.usage_in_bytes"))
	if err != nil {
		return u, wrap("read usage", err)
	}
	u.MemoryBytes = cur
	return u, nil
}

func (g *v1Group) Freeze() error {
	return writeValue(g.dir("freezer"), "freezer.state", "FROZEN")
}

func (g *v1Group) Thaw() error {
	return writeValue(g.dir("freezer"), "freezer.state", "THAWED")
}

func (g *v1Group) Destroy() error {
	for _, ctrl := range v1Controllers {
		if err := os.Remove(g.dir(ctrl)); err != nil && !os.IsNotExist(err) {
			return wrap("destroy group", err)
		}
	}
	return nil
}

// Writes a cgroup control value.
func writeValue(dir, file, value string) error {
	if err := os.WriteFile(filepath.Join(dir, file), []byte(value), 0700); err != nil {
		return wrap(fmt.Sprintf("write %s", file), err)
	}
	return nil
}

// Reads a whole-file unsigned integer (the common cgroup stat shape).
func readUintFile(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

// Reads one key's value from a flat "key value" stat file.
func readKeyedValue(path, key string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), " ")
		if ok && k == key {
			return strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		}
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%s: key %q not found", path, key)
}
