package plugin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/linnemanlabs/go-core/log"
)

// Entry is a loaded plugin with its identity, priority and cached capabilities.
// Entries are immutable once the registry has finished loading.
type Entry struct {
	id       string
	dir      string
	priority int
	caps     Capability
	after    []string
	plugin   Plugin
}

// ID is the plugin directory name.
func (e *Entry) ID() string { return e.id }

// Dir is the plugin directory.
func (e *Entry) Dir() string { return e.dir }

// Priority is the resolved dispatch priority; lower runs first.
func (e *Entry) Priority() int { return e.priority }

// Caps returns the capabilities detected at load time.
func (e *Entry) Caps() Capability { return e.caps }

// Name returns the plugin's display name.
func (e *Entry) Name() string { return e.plugin.Name() }

// Plugin returns the underlying plugin.
func (e *Entry) Plugin() Plugin { return e.plugin }

// OrderAfter returns the declared soft dependencies.
func (e *Entry) OrderAfter() []string { return slices.Clone(e.after) }

// Settings returns the plugin settings, or nil when it has none.
func (e *Entry) Settings() []Setting {
	if c, ok := e.plugin.(Configurable); ok && e.caps.Has(CapSettings) {
		return c.Settings()
	}
	return nil
}

func newEntry(id, dir string, p Plugin) (*Entry, error) {
	if strings.TrimSpace(p.Name()) == "" {
		return nil, ErrNoName
	}
	e := &Entry{id: id, dir: dir, plugin: p, caps: capabilitiesOf(p)}
	if o, ok := p.(Orderer); ok && e.caps.Has(CapOrderAfter) {
		e.after = slices.Clone(o.OrderAfter())
	}
	return e, nil
}

// Registry discovers plugins under a directory and holds them in dispatch order.
type Registry struct {
	dir         string
	entryPoints []EntryPoint
	logger      log.Logger

	mu      sync.Mutex
	loaded  bool
	entries []*Entry
	byID    map[string]*Entry
}

// Option configures a Registry.
type Option func(*Registry)

// WithEntryPoints sets the entry points tried, in order, for each plugin directory.
func WithEntryPoints(eps ...EntryPoint) Option {
	return func(r *Registry) {
		r.entryPoints = eps
	}
}

// NewRegistry creates an unloaded registry for dir.
func NewRegistry(dir string, logger log.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = log.Nop()
	}
	r := &Registry{dir: dir, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dir returns the plugin directory.
func (r *Registry) Dir() string { return r.dir }

// Loaded reports whether Load has completed successfully.
func (r *Registry) Loaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

// Load discovers, instantiates and orders the plugins. It is a no-op once it
// has succeeded. On failure the registry stays unloaded and empty.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return nil
	}

	entries, err := r.discover(ctx)
	if err != nil {
		return err
	}

	resolvePriorities(ctx, r.logger, entries)
	sortEntries(entries)

	r.byID = make(map[string]*Entry, len(entries))
	for _, e := range entries {
		r.byID[e.id] = e
	}
	r.entries = entries
	r.loaded = true

	r.logger.Info(ctx, "plugins loaded", "dir", r.dir, "count", len(entries))
	return nil
}

// Entries returns a copy of the ordered sequence, or nil before Load.
func (r *Registry) Entries() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.entries)
}

// Lookup finds a loaded plugin by ID.
func (r *Registry) Lookup(id string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	return e, ok
}

func (r *Registry) discover(ctx context.Context) ([]*Entry, error) {
	dirents, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &ConfigError{Path: r.dir, Err: ErrPluginDirMissing}
		}
		return nil, &ConfigError{Path: r.dir, Err: err}
	}

	var entries []*Entry
	for _, de := range dirents {
		if !de.IsDir() {
			continue
		}
		id := de.Name()
		dir := filepath.Join(r.dir, id)

		ep := r.entryPointFor(dir)
		if ep == nil {
			continue
		}

		p, err := instantiate(ctx, ep, dir, id)
		if err != nil {
			return nil, &ConfigError{Path: filepath.Join(dir, ep.File()), Err: err}
		}
		e, err := newEntry(id, dir, p)
		if err != nil {
			return nil, &ConfigError{Path: filepath.Join(dir, ep.File()), Err: err}
		}
		entries = append(entries, e)

		r.logger.Info(ctx, "discovered plugin",
			"plugin", id,
			"name", e.Name(),
			"entry_point", ep.File(),
			"capabilities", e.caps.String(),
		)
	}
	return entries, nil
}

func (r *Registry) entryPointFor(dir string) EntryPoint {
	for _, ep := range r.entryPoints {
		info, err := os.Stat(filepath.Join(dir, ep.File()))
		if err == nil && !info.IsDir() {
			return ep
		}
	}
	return nil
}

func instantiate(ctx context.Context, ep EntryPoint, dir, id string) (p Plugin, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p, err = nil, fmt.Errorf("entry point panicked: %v", rec)
		}
	}()
	p, err = ep.Load(ctx, dir, id)
	if err == nil && p == nil {
		err = errors.New("entry point returned no plugin")
	}
	return p, err
}

// resolvePriorities raises each plugin above the plugins it orders after. It
// is one pass in discovery order: when a plugin is visited it ends up above
// every dependency's priority at that moment. A dependency raised later in the
// sweep can catch up, so a->b->c with a visited before b leaves a level with b.
func resolvePriorities(ctx context.Context, logger log.Logger, entries []*Entry) {
	byID := make(map[string]*Entry, len(entries))
	for _, e := range entries {
		byID[e.id] = e
	}
	for _, e := range entries {
		for _, name := range e.after {
			dep, ok := byID[name]
			if !ok || dep == e {
				continue
			}
			if e.priority <= dep.priority {
				e.priority = dep.priority + 1
				logger.Info(ctx, "raising plugin priority",
					"plugin", e.id,
					"after", dep.id,
					"priority", e.priority,
				)
			}
		}
	}
}

func sortEntries(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].priority < entries[j].priority
	})
}
