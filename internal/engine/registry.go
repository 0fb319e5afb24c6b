package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/replaykit/internal/entity"
	"github.com/rendis/replaykit/internal/orchestration"
	"github.com/rendis/replaykit/pkg/schema"
)

// Activity is a plain function run by the host on behalf of an orchestration.
// It receives and returns serialized JSON.
type Activity func(ctx context.Context, input []byte) ([]byte, error)

// Registry is the thread-safe set of functions a host can run, keyed by
// name. Entity names are case-insensitive.
type Registry struct {
	mu            sync.RWMutex
	activities    map[string]Activity
	orchestrators map[string]orchestration.Orchestrator
	entities      map[string]entity.Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		activities:    make(map[string]Activity),
		orchestrators: make(map[string]orchestration.Orchestrator),
		entities:      make(map[string]entity.Handler),
	}
}

// AddActivity registers an activity. Returns CONFLICT on a duplicate name.
func (r *Registry) AddActivity(name string, fn Activity) error {
	if fn == nil {
		return schema.NewError(schema.ErrCodeValidation, "activity is nil")
	}
	return register(&r.mu, r.activities, "activity", name, fn)
}

// AddOrchestrator registers an orchestrator. Returns CONFLICT on a duplicate name.
func (r *Registry) AddOrchestrator(name string, fn orchestration.Orchestrator) error {
	if fn == nil {
		return schema.NewError(schema.ErrCodeValidation, "orchestrator is nil")
	}
	return register(&r.mu, r.orchestrators, "orchestrator", name, fn)
}

// AddEntity registers the handler for an entity name.
func (r *Registry) AddEntity(name string, h entity.Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "entity handler is nil")
	}
	return register(&r.mu, r.entities, "entity", schema.NewEntityID(name, "").Name, h)
}

func register[T any](mu *sync.RWMutex, m map[string]T, kind, name string, v T) error {
	if name == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s name is empty", kind)
	}
	mu.Lock()
	defer mu.Unlock()
	if _, exists := m[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "%s %q already registered", kind, name)
	}
	m[name] = v
	return nil
}

// Activity returns the named activity or NOT_FOUND.
func (r *Registry) Activity(name string) (Activity, error) {
	return lookup(&r.mu, r.activities, "activity", name)
}

// Orchestrator returns the named orchestrator or NOT_FOUND.
func (r *Registry) Orchestrator(name string) (orchestration.Orchestrator, error) {
	return lookup(&r.mu, r.orchestrators, "orchestrator", name)
}

// Entity returns the handler for an entity name or NOT_FOUND.
func (r *Registry) Entity(name string) (entity.Handler, error) {
	return lookup(&r.mu, r.entities, "entity", schema.NewEntityID(name, "").Name)
}

func lookup[T any](mu *sync.RWMutex, m map[string]T, kind, name string) (T, error) {
	mu.RLock()
	defer mu.RUnlock()
	v, ok := m[name]
	if !ok {
		var zero T
		return zero, schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not registered", kind, name)
	}
	return v, nil
}

// Names lists registered names per kind, sorted.
func (r *Registry) Names() (activities, orchestrators, entities []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.activities), sortedKeys(r.orchestrators), sortedKeys(r.entities)
}

func sortedKeys[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
