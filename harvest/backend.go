package harvest

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/remilejeune/udata-harvest/errors"
)

// Backend discovers and fetches the items of one source. A Backend is built
// fresh for every run and keeps no state across runs. A Backend that also
// implements io.Closer is closed when the run ends.
type Backend interface {
	// Initialize discovers the items of the run and adds them with
	// job.AddItem. An error fails the whole job.
	Initialize(ctx context.Context, job *Job) error

	// Process fetches and transforms one item. An error fails only that item.
	Process(ctx context.Context, item *Item) ([]Record, error)
}

// Options are passed to a Factory for each run.
type Options struct {
	Debug  bool
	Logger *zap.SugaredLogger
}

// Factory builds a Backend for a source.
type Factory func(source *Source, opts Options) (Backend, error)

// Record is a downstream record produced by Process.
type Record struct {
	RemoteID string         `json:"remote_id"`
	Kind     string         `json:"kind,omitempty"`
	Data     map[string]any `json:"data"`
}

// RecordSink persists the records produced for an item.
type RecordSink interface {
	SaveRecords(ctx context.Context, job *Job, item *Item, records []Record) error
}

// DiscardSink drops every record.
type DiscardSink struct{}

func (DiscardSink) SaveRecords(context.Context, *Job, *Item, []Record) error { return nil }

// Registry maps backend names to factories. It is populated at startup and
// frozen before the first run.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	frozen    bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name. Duplicate names are rejected.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" || factory == nil {
		return errors.New("backend name and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return errors.Wrapf(ErrRegistryFrozen, "register %q", name)
	}
	if _, exists := r.factories[name]; exists {
		return errors.Wrapf(ErrDuplicateBackend, "%q", name)
	}
	r.factories[name] = factory
	return nil
}

// MustRegister is Register for startup code, panicking on error.
func (r *Registry) MustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Get returns the factory registered under name.
func (r *Registry) Get(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[name]
	if !ok {
		return nil, errors.WithHintf(errors.Wrapf(ErrUnknownBackend, "%q", name),
			"available backends: %v", r.namesLocked())
	}
	return factory, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
