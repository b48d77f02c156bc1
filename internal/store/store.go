// Package store holds the shared mutable runtime state of a page: filter
// values keyed by filter id, per-visualisation query parameters, the current
// zoom and the selected feature per layer. It is the single source of truth
// every engine reads from.
package store

import (
	"maps"
	"slices"
	"sync"

	"github.com/Transport-for-the-North/vis-core-sub002/internal/pageconfig"
)

// Change kinds.
const (
	KindFilter     = "filter"
	KindQueryParam = "queryParam"
	KindZoom       = "zoom"
	KindSelection  = "selection"
)

// Change describes one state mutation.
type Change struct {
	Kind string
	// Key is the filter id, "<visualisation>.<param>", or the layer name.
	Key string
	Old any
	New any
}

// Selected is the selected feature of one layer.
type Selected struct {
	ID          any    `json:"id"`
	Source      string `json:"source"`
	SourceLayer string `json:"sourceLayer,omitempty"`
}

// Store is goroutine-safe. Listeners run synchronously on the writer's
// goroutine after the write is applied.
type Store struct {
	mu        sync.RWMutex
	filters   map[string]any
	params    map[string]map[string]any
	zoom      float64
	selected  map[string]Selected
	listeners map[int]func(Change)
	nextID    int
	bus       *Bus
}

// New creates an empty store.
func New() *Store {
	return &Store{
		filters:   map[string]any{},
		params:    map[string]map[string]any{},
		selected:  map[string]Selected{},
		listeners: map[int]func(Change){},
		bus:       NewBus(),
	}
}

// Subscribe registers fn for every change. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Bus returns the change bus used by out-of-loop watchers such as SSE
// streams.
func (s *Store) Bus() *Bus { return s.bus }

func (s *Store) notify(c Change) {
	s.mu.RLock()
	ids := slices.Sorted(maps.Keys(s.listeners))
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
	s.bus.Publish(c)
}

// Filter returns a filter's value.
func (s *Store) Filter(id string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.filters[id]
	return v, ok
}

// Filters returns a snapshot of every set filter value.
func (s *Store) Filters() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.filters)
}

// SetFilter writes a filter value. Writing an equal value is a no-op;
// writing nil clears it.
func (s *Store) SetFilter(id string, v any) bool {
	v = pageconfig.Normalize(v)
	s.mu.Lock()
	old, had := s.filters[id]
	if v == nil {
		if !had {
			s.mu.Unlock()
			return false
		}
		delete(s.filters, id)
	} else {
		if had && pageconfig.Equal(old, v) {
			s.mu.Unlock()
			return false
		}
		s.filters[id] = v
	}
	s.mu.Unlock()

	s.notify(Change{Kind: KindFilter, Key: id, Old: old, New: v})
	return true
}

// ClearFilter unsets a filter value.
func (s *Store) ClearFilter(id string) bool { return s.SetFilter(id, nil) }

// ParamValues resolves filter values by param name using ids, a paramName to
// filter id map.
func (s *Store) ParamValues(ids map[string]string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(ids))
	for param, id := range ids {
		if v, ok := s.filters[id]; ok {
			out[param] = v
		}
	}
	return out
}

// SetQueryParam writes one query parameter of a visualisation. nil clears.
func (s *Store) SetQueryParam(vis, name string, v any) bool {
	v = pageconfig.Normalize(v)
	s.mu.Lock()
	cur := s.params[vis]
	old, had := cur[name]
	switch {
	case v == nil && !had:
		s.mu.Unlock()
		return false
	case v == nil:
		delete(cur, name)
	case had && pageconfig.Equal(old, v):
		s.mu.Unlock()
		return false
	default:
		if cur == nil {
			cur = map[string]any{}
			s.params[vis] = cur
		}
		cur[name] = v
	}
	s.mu.Unlock()

	s.notify(Change{Kind: KindQueryParam, Key: vis + "." + name, Old: old, New: v})
	return true
}

// ClearQueryParam removes one query parameter of a visualisation.
func (s *Store) ClearQueryParam(vis, name string) bool { return s.SetQueryParam(vis, name, nil) }

// QueryParams returns a copy of a visualisation's query parameters.
func (s *Store) QueryParams(vis string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.params[vis])
}

// MissingQueryParams returns the names in required that the visualisation
// has no value for, in order.
func (s *Store) MissingQueryParams(vis string, required []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var missing []string
	for _, name := range required {
		if _, ok := s.params[vis][name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// SetZoom records the current zoom of the primary surface.
func (s *Store) SetZoom(z float64) {
	s.mu.Lock()
	old := s.zoom
	if old == z {
		s.mu.Unlock()
		return
	}
	s.zoom = z
	s.mu.Unlock()
	s.notify(Change{Kind: KindZoom, Old: old, New: z})
}

// Zoom returns the recorded zoom.
func (s *Store) Zoom() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.zoom
}

// Select records the selected feature of a layer, replacing any previous one.
func (s *Store) Select(layer string, sel Selected) {
	s.mu.Lock()
	old, had := s.selected[layer]
	s.selected[layer] = sel
	s.mu.Unlock()

	var prev any
	if had {
		prev = old
	}
	s.notify(Change{Kind: KindSelection, Key: layer, Old: prev, New: sel})
}

// Deselect clears a layer's selection and returns what was selected.
func (s *Store) Deselect(layer string) (Selected, bool) {
	s.mu.Lock()
	old, had := s.selected[layer]
	delete(s.selected, layer)
	s.mu.Unlock()

	if had {
		s.notify(Change{Kind: KindSelection, Key: layer, Old: old})
	}
	return old, had
}

// Selection returns a layer's selected feature.
func (s *Store) Selection(layer string) (Selected, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sel, ok := s.selected[layer]
	return sel, ok
}

// Selections returns a snapshot of every selection keyed by layer.
func (s *Store) Selections() map[string]Selected {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.selected)
}
