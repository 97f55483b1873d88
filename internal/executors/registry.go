package executors

import (
	"sort"
	"sync"

	"github.com/rendis/taskflow/pkg/schema"
)

// Registry maps task types to executors. It is filled at startup and read
// concurrently afterwards.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor. Returns error on duplicate type.
func (r *Registry) Register(ex Executor) error {
	if ex == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	typ := ex.Type()
	if typ == "" {
		return schema.NewError(schema.ErrCodeValidation, "executor type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[typ]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor %q already registered", typ)
	}
	r.executors[typ] = ex
	return nil
}

// Get retrieves the executor for a task type.
func (r *Registry) Get(typ string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ex, ok := r.executors[typ]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecutorUnavailable, "no executor registered for task type %q", typ).
			WithDetails(map[string]any{"type": typ})
	}
	return ex, nil
}

// Has reports whether a task type is registered.
func (r *Registry) Has(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[typ]
	return ok
}

// List returns info for all registered executors, sorted by type.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.executors))
	for typ, ex := range r.executors {
		info := Info{Type: typ}
		if d, ok := ex.(Describer); ok {
			info.Description = d.Description()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Type < infos[j].Type })
	return infos
}
