package sitemon

import (
	"context"
	"sort"
	"sync"

	"sitemon/internal/agentstate"
)

type entry struct {
	def     MonitorDefinition
	checker *IntervalChecker
}

// Registry owns the registered monitors. All methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	state   *agentstate.Monitor
}

// NewRegistry creates an empty registry. state may be nil.
func NewRegistry(state *agentstate.Monitor) *Registry {
	return &Registry{entries: map[string]*entry{}, state: state}
}

// Register inserts or replaces def. A replaced monitor starts a fresh interval.
func (r *Registry) Register(def MonitorDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	checker, err := NewIntervalChecker(def.IntervalTicks)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.entries[def.ID] = &entry{def: def, checker: checker}
	n := len(r.entries)
	r.mu.Unlock()

	if r.state != nil {
		r.state.SetRegistered(n)
	}
	return nil
}

// Unregister removes id if present. Executions already dispatched keep running.
// The agent state observation window is restarted either way.
func (r *Registry) Unregister(ctx context.Context, id string) bool {
	r.mu.Lock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	n := len(r.entries)
	r.mu.Unlock()

	if r.state != nil {
		r.state.Clear(ctx)
		r.state.SetRegistered(n)
	}
	return ok
}

// Due advances every checker by one tick and returns the monitors allowed to
// run, ordered by ID.
func (r *Registry) Due() []MonitorDefinition {
	r.mu.Lock()
	out := make([]MonitorDefinition, 0, len(r.entries))
	for _, e := range r.entries {
		if e.checker.Skip() {
			continue
		}
		out = append(out, e.def)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) Get(id string) (MonitorDefinition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return MonitorDefinition{}, false
	}
	return e.def, true
}
