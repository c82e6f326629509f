package deployment

import (
	"sort"
	"sync"

	"deploywatch/internal/stream"
)

// Registry owns one Deployment per resource id. It is constructed explicitly
// and handed to whoever needs it.
type Registry struct {
	mgr      *stream.Manager
	defaults Options

	mu   sync.Mutex
	deps map[string]*Deployment
}

// NewRegistry creates a registry that attaches deployments to mgr. defaults
// supplies capacities, attribution, callbacks and the logger for every
// deployment it creates. mgr may be nil for registries fed by hand.
func NewRegistry(mgr *stream.Manager, defaults Options) *Registry {
	return &Registry{mgr: mgr, defaults: defaults, deps: make(map[string]*Deployment)}
}

// Watch starts following id on the given topics. Watching an id that is
// already followed only re-synchronizes its status when status is not empty.
func (r *Registry) Watch(id, status string, topics ...stream.Topic) (*Deployment, error) {
	r.mu.Lock()
	if d, ok := r.deps[id]; ok {
		r.mu.Unlock()
		if status != "" {
			d.SetInitialStatus(status)
		}
		return d, nil
	}
	opts := r.defaults
	opts.InitialStatus = status
	d := New(id, opts)
	r.deps[id] = d
	r.mu.Unlock()

	if r.mgr != nil && len(topics) > 0 {
		if err := d.Attach(r.mgr, topics...); err != nil {
			r.drop(id, d)
			return nil, err
		}
	}
	return d, nil
}

// Unwatch closes the subscriptions of id and drops its state.
func (r *Registry) Unwatch(id string) bool {
	r.mu.Lock()
	d, ok := r.deps[id]
	delete(r.deps, id)
	r.mu.Unlock()
	if ok {
		d.Close()
	}
	return ok
}

// drop removes d if it is still the deployment registered for id, then
// closes it.
func (r *Registry) drop(id string, d *Deployment) {
	r.mu.Lock()
	if r.deps[id] == d {
		delete(r.deps, id)
	}
	r.mu.Unlock()
	d.Close()
}

func (r *Registry) Get(id string) (*Deployment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deps[id]
	return d, ok
}

// IDs lists the watched resource ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.deps))
	for id := range r.deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close unwatches everything.
func (r *Registry) Close() {
	r.mu.Lock()
	deps := r.deps
	r.deps = make(map[string]*Deployment)
	r.mu.Unlock()
	for _, d := range deps {
		d.Close()
	}
}
