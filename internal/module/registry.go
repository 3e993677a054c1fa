package module

import (
	"sort"
	"sync"

	coreerrors "github.com/flowmesh/dataplane/pkg/errors"
)

// Registry is the process-wide table of module classes, keyed by the unique
// name each class registers under. Reference modules (internal/modules) are
// added by an explicit modules.RegisterAll call; the pipeline consults it
// when handling create_module.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]Class
}

// NewRegistry returns an empty class registry.
func NewRegistry() *Registry {
	return &Registry{classes: make(map[string]Class)}
}

// Register adds class under name. Fails with AlreadyExists if the name is
// taken.
func (r *Registry) Register(name string, class Class) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.classes[name]; exists {
		return coreerrors.AlreadyExistsf("module class %q already registered", name)
	}
	r.classes[name] = class
	return nil
}

// Lookup resolves name to its Class, or NotFound.
func (r *Registry) Lookup(name string) (Class, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	class, ok := r.classes[name]
	if !ok {
		return nil, coreerrors.NotFoundf("module class %q not registered", name)
	}
	return class, nil
}

// Names returns every registered class name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.classes))
	for name := range r.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
