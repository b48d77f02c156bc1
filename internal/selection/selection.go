// Package selection resolves clicks on map-filter layers into a selected
// feature per layer and a filter value.
package selection

import (
	"maps"
	"slices"

	"github.com/charmbracelet/log"

	"github.com/Transport-for-the-North/vis-core-sub002/internal/actions"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/layers"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/pageconfig"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/store"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/surface"
)

// Engine handles clicks on one surface. All methods run on the UI loop.
//
// The store holds the one selection per layer; every engine mirrors it as
// feature state on its own surface, so surfaces sharing a store agree.
type Engine struct {
	surface     surface.Surface
	store       *store.Store
	logger      *log.Logger
	unsubscribe func()
	// filters holds the map-type filters by filter id.
	filters map[string]pageconfig.Filter
	ids     []string
}

// New creates an engine for the map-type filters among filters, keyed by
// filter id.
func New(s surface.Surface, st *store.Store, filters map[string]pageconfig.Filter, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	e := &Engine{
		surface: s,
		store:   st,
		logger:  logger.WithPrefix("selection").With("surface", s.ID()),
		filters: map[string]pageconfig.Filter{},
	}
	for id, f := range filters {
		if f.Type == pageconfig.FilterMap {
			e.filters[id] = f
		}
	}
	e.ids = slices.Sorted(maps.Keys(e.filters))
	for _, sel := range st.Selections() {
		s.SetFeatureState(ref(sel), map[string]any{layers.StateSelected: true})
	}
	e.unsubscribe = st.Subscribe(e.changed)
	return e
}

// Close stops mirroring store selections onto the surface.
func (e *Engine) Close() {
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
}

func (e *Engine) changed(c store.Change) {
	if c.Kind != store.KindSelection {
		return
	}
	if prev, ok := c.Old.(store.Selected); ok {
		e.surface.RemoveFeatureState(ref(prev), layers.StateSelected)
	}
	if sel, ok := c.New.(store.Selected); ok {
		e.surface.SetFeatureState(ref(sel), map[string]any{layers.StateSelected: true})
	}
}

// Click selects the top-most feature under at among the map-filter layers,
// or clears every selection when nothing is hit. It returns the selected
// feature.
func (e *Engine) Click(at surface.Point) (surface.Feature, bool) {
	if len(e.ids) == 0 {
		return surface.Feature{}, false
	}
	var query []string
	for _, id := range e.ids {
		lid := layers.RoleID(e.filters[id].Layer, layers.RoleMain)
		if !slices.Contains(query, lid) {
			query = append(query, lid)
		}
	}

	hits := e.surface.QueryRenderedFeatures(surface.Around(at, 0), query)
	if len(hits) == 0 {
		e.ClearAll()
		return surface.Feature{}, false
	}
	hit := hits[0]
	e.selectFeature(hit)
	return hit, true
}

func (e *Engine) selectFeature(f surface.Feature) {
	layer := f.Layer
	e.store.Select(layer, store.Selected{ID: f.ID, Source: f.Source, SourceLayer: f.SourceLayer})

	for _, id := range e.ids {
		flt := e.filters[id]
		if flt.Layer != layer {
			continue
		}
		v := value(flt, f)
		e.store.SetFilter(id, v)
		actions.Run(e.store, flt, v)
		e.logger.Debug("map filter written", "filter", id, "value", v)
	}
}

// ClearAll unsets the selected state of every map-filter layer holding a
// selection.
func (e *Engine) ClearAll() {
	done := map[string]bool{}
	for _, id := range e.ids {
		layer := e.filters[id].Layer
		if done[layer] {
			continue
		}
		done[layer] = true
		e.store.Deselect(layer)
	}
}

// value extracts the filter's field from f; an empty field or "id" selects
// the feature id.
func value(f pageconfig.Filter, feat surface.Feature) any {
	if f.Field == "" || f.Field == "id" {
		return feat.ID
	}
	return feat.Properties[f.Field]
}

func ref(sel store.Selected) surface.FeatureRef {
	return surface.FeatureRef{Source: sel.Source, SourceLayer: sel.SourceLayer, ID: sel.ID}
}
