package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"

	"github.com/linnemanlabs/go-core/log"
)

func newTestRegistry(t *testing.T, dir string, made map[string]*fakePlugin) *Registry {
	t.Helper()
	return NewRegistry(dir, log.Nop(), WithEntryPoints(fakeBuiltins(made)))
}

func TestRegistry_LoadDiscoveryOrder(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		writePluginDir(t, dir, id, manifest())
	}

	reg := newTestRegistry(t, dir, nil)
	if reg.Loaded() {
		t.Fatal("Loaded() = true before Load")
	}
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reg.Loaded() {
		t.Fatal("Loaded() = false after Load")
	}

	want := []string{"alpha", "bravo", "charlie"}
	if diff := cmp.Diff(want, ids(reg.Entries())); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	for _, e := range reg.Entries() {
		if e.Priority() != 0 {
			t.Errorf("%s priority = %d, want 0", e.ID(), e.Priority())
		}
	}
}

func TestRegistry_OrderAfterRaisesPriority(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writePluginDir(t, dir, "alpha", manifest("bravo"))
	writePluginDir(t, dir, "bravo", manifest())

	reg := newTestRegistry(t, dir, nil)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if diff := cmp.Diff([]string{"bravo", "alpha"}, ids(reg.Entries())); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	alpha, ok := reg.Lookup("alpha")
	if !ok {
		t.Fatal("Lookup(alpha) not found")
	}
	if alpha.Priority() != 1 {
		t.Errorf("alpha priority = %d, want 1", alpha.Priority())
	}
	if diff := cmp.Diff([]string{"bravo"}, alpha.OrderAfter()); diff != "" {
		t.Errorf("OrderAfter mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistry_UnknownAndSelfDependenciesIgnored(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writePluginDir(t, dir, "alpha", manifest("ghost", "alpha"))
	writePluginDir(t, dir, "bravo", manifest())

	reg := newTestRegistry(t, dir, nil)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, e := range reg.Entries() {
		if e.Priority() != 0 {
			t.Errorf("%s priority = %d, want 0", e.ID(), e.Priority())
		}
	}
	if diff := cmp.Diff([]string{"alpha", "bravo"}, ids(reg.Entries())); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

// A chain is resolved in one sweep only, so a->b->c leaves a level with b.
func TestRegistry_ChainSinglePass(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writePluginDir(t, dir, "a", manifest("b"))
	writePluginDir(t, dir, "b", manifest("c"))
	writePluginDir(t, dir, "c", manifest())

	reg := newTestRegistry(t, dir, nil)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := map[string]int{}
	for _, e := range reg.Entries() {
		got[e.ID()] = e.Priority()
	}
	want := map[string]int{"a": 1, "b": 1, "c": 0}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("priorities mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"c", "a", "b"}, ids(reg.Entries())); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

// A dependency raised earlier in the sweep still ends up below the plugin
// that declares it.
func TestRegistry_ForwardEdgeAfterRaise(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		plugins  map[string][]string
		wantPrio map[string]int
		wantIDs  []string
	}{
		{
			name:     "chain in discovery order",
			plugins:  map[string][]string{"a": nil, "b": {"a"}, "c": {"b"}},
			wantPrio: map[string]int{"a": 0, "b": 1, "c": 2},
			wantIDs:  []string{"a", "b", "c"},
		},
		{
			name:     "two dependencies",
			plugins:  map[string][]string{"a": nil, "b": {"a"}, "c": {"a", "b"}},
			wantPrio: map[string]int{"a": 0, "b": 1, "c": 2},
			wantIDs:  []string{"a", "b", "c"},
		},
		{
			name:     "already above",
			plugins:  map[string][]string{"a": nil, "b": {"a"}, "c": {"a"}, "d": {"b", "c"}},
			wantPrio: map[string]int{"a": 0, "b": 1, "c": 1, "d": 2},
			wantIDs:  []string{"a", "b", "c", "d"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			for id, after := range tt.plugins {
				writePluginDir(t, dir, id, manifest(after...))
			}
			reg := newTestRegistry(t, dir, nil)
			if err := reg.Load(context.Background()); err != nil {
				t.Fatalf("Load: %v", err)
			}

			got := map[string]int{}
			for _, e := range reg.Entries() {
				got[e.ID()] = e.Priority()
			}
			if diff := cmp.Diff(tt.wantPrio, got); diff != "" {
				t.Errorf("priorities mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantIDs, ids(reg.Entries())); diff != "" {
				t.Errorf("order mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRegistry_LoadIdempotent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writePluginDir(t, dir, "alpha", manifest())

	made := map[string]*fakePlugin{}
	reg := newTestRegistry(t, dir, made)
	ctx := context.Background()
	if err := reg.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	first := reg.Entries()

	// A plugin added after the first load must not appear.
	writePluginDir(t, dir, "bravo", manifest())
	if err := reg.Load(ctx); err != nil {
		t.Fatalf("second Load: %v", err)
	}
	second := reg.Entries()
	if len(second) != 1 {
		t.Fatalf("len(Entries) = %d, want 1", len(second))
	}
	if first[0] != second[0] {
		t.Error("second Load re-instantiated plugins")
	}
	if len(made) != 1 {
		t.Errorf("factory called %d times, want 1", len(made))
	}
}

func TestRegistry_MissingDir(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t, filepath.Join(t.TempDir(), "nope"), nil)

	err := reg.Load(context.Background())
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("Load error = %v, want *ConfigError", err)
	}
	if !errors.Is(err, ErrPluginDirMissing) {
		t.Errorf("Load error = %v, want ErrPluginDirMissing", err)
	}
	if reg.Loaded() {
		t.Error("Loaded() = true after failed Load")
	}
	if len(reg.Entries()) != 0 {
		t.Errorf("Entries() = %d, want 0", len(reg.Entries()))
	}
}

func TestRegistry_FailedLoadLeavesEmpty(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writePluginDir(t, dir, "alpha", manifest())
	writePluginDir(t, dir, "broken", "builtin: fake\nconfig:\n  fail: boom\n")

	reg := newTestRegistry(t, dir, nil)
	err := reg.Load(context.Background())
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("Load error = %v, want *ConfigError", err)
	}
	if want := filepath.Join(dir, "broken", ManifestFile); cerr.Path != want {
		t.Errorf("ConfigError.Path = %q, want %q", cerr.Path, want)
	}
	if reg.Loaded() || len(reg.Entries()) != 0 {
		t.Error("registry not empty after failed Load")
	}

	// Fixing the directory lets a later Load succeed.
	if err := os.RemoveAll(filepath.Join(dir, "broken")); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load after fix: %v", err)
	}
	if len(reg.Entries()) != 1 {
		t.Errorf("len(Entries) = %d, want 1", len(reg.Entries()))
	}
}

func TestRegistry_SkipsDirsWithoutEntryPoint(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writePluginDir(t, dir, "alpha", manifest())
	if err := os.Mkdir(filepath.Join(dir, "docs"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	reg := newTestRegistry(t, dir, nil)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff([]string{"alpha"}, ids(reg.Entries())); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistry_UnknownBuiltin(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writePluginDir(t, dir, "alpha", "builtin: missing\n")

	err := newTestRegistry(t, dir, nil).Load(context.Background())
	if !errors.Is(err, ErrUnknownBuiltin) {
		t.Errorf("Load error = %v, want ErrUnknownBuiltin", err)
	}
}

type panicEntryPoint struct{}

func (panicEntryPoint) File() string { return "panic.txt" }
func (panicEntryPoint) Load(context.Context, string, string) (Plugin, error) {
	panic("bad plugin")
}

func TestRegistry_EntryPointPanicIsConfigError(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "alpha"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "alpha", "panic.txt"), nil, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	reg := NewRegistry(dir, log.Nop(), WithEntryPoints(panicEntryPoint{}))
	var cerr *ConfigError
	if err := reg.Load(context.Background()); !errors.As(err, &cerr) {
		t.Fatalf("Load error = %v, want *ConfigError", err)
	}
}

func TestNewEntry_RejectsEmptyName(t *testing.T) {
	t.Parallel()
	if _, err := newEntry("x", "", &fakePlugin{name: "  "}); !errors.Is(err, ErrNoName) {
		t.Errorf("newEntry error = %v, want ErrNoName", err)
	}
}

// Any plugin whose order_after names a plugin visited earlier in the sweep
// ends up with a strictly greater priority and is dispatched after it.
func TestResolvePriorities_SingleHopProperty(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "n")
		entries := make([]*Entry, n)
		for i := range entries {
			entries[i] = &Entry{id: fmt.Sprintf("p%d", i), plugin: &fakePlugin{name: fmt.Sprintf("p%d", i)}}
		}
		for i, e := range entries {
			if i == 0 {
				continue
			}
			k := rapid.IntRange(0, i).Draw(rt, fmt.Sprintf("deps%d", i))
			for range k {
				j := rapid.IntRange(0, i-1).Draw(rt, fmt.Sprintf("dep%d", i))
				e.after = append(e.after, entries[j].id)
			}
		}

		resolvePriorities(context.Background(), log.Nop(), entries)

		byID := map[string]*Entry{}
		for _, e := range entries {
			byID[e.id] = e
		}
		for _, e := range entries {
			for _, dep := range e.after {
				if e.priority <= byID[dep].priority {
					rt.Fatalf("%s priority %d not above %s priority %d", e.id, e.priority, dep, byID[dep].priority)
				}
			}
		}

		sorted := append([]*Entry(nil), entries...)
		sortEntries(sorted)
		pos := map[string]int{}
		for i, e := range sorted {
			pos[e.id] = i
		}
		for _, e := range entries {
			for _, dep := range e.after {
				if pos[e.id] <= pos[dep] {
					rt.Fatalf("%s dispatched before %s", e.id, dep)
				}
			}
		}
	})
}

// Plugins that declare nothing keep their relative discovery order.
func TestSortEntries_StableProperty(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(rt *rapid.T) {
		prios := rapid.SliceOfN(rapid.IntRange(0, 3), 0, 12).Draw(rt, "prios")
		entries := make([]*Entry, len(prios))
		for i, p := range prios {
			entries[i] = &Entry{id: fmt.Sprintf("p%02d", i), priority: p}
		}
		sortEntries(entries)
		for i := 1; i < len(entries); i++ {
			a, b := entries[i-1], entries[i]
			if a.priority > b.priority {
				rt.Fatalf("not ascending at %d: %d > %d", i, a.priority, b.priority)
			}
			if a.priority == b.priority && a.id > b.id {
				rt.Fatalf("unstable at %d: %s before %s", i, a.id, b.id)
			}
		}
	})
}
