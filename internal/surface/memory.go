package surface

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/paulmach/orb"
)

// Memory is an in-memory Surface. It keeps the source and layer stacks and
// per-feature state, and answers rendered-feature queries from features
// placed with Place. It backs headless pages and engine tests.
type Memory struct {
	id string

	mu       sync.Mutex
	sources  map[string]Source
	layers   []Layer
	states   map[stateKey]map[string]any
	placed   []placedFeature
	srcFeats map[string][]Feature
	images   map[string]string
	zoom     float64
	bounds   orb.Bound
	subs     map[int]func(SourceDataEvent)
	nextSub  int
	calls    []string

	// TilesUnsupported makes SetTiles fail with ErrUnsupported.
	TilesUnsupported bool
	// FailAddLayer makes the next AddLayer of each named layer id fail.
	FailAddLayer map[string]error
}

type stateKey struct {
	source, sourceLayer string
	id                  string
}

type placedFeature struct {
	feature Feature
	at      Box
}

// NewMemory creates an empty surface.
func NewMemory(id string) *Memory {
	return &Memory{
		id:       id,
		sources:  map[string]Source{},
		states:   map[stateKey]map[string]any{},
		srcFeats: map[string][]Feature{},
		images:   map[string]string{},
		subs:     map[int]func(SourceDataEvent){},
		bounds:   orb.Bound{Min: orb.Point{-180, -85}, Max: orb.Point{180, 85}},
	}
}

func keyOf(ref FeatureRef) stateKey {
	return stateKey{source: ref.Source, sourceLayer: ref.SourceLayer, id: fmt.Sprint(ref.ID)}
}

func (m *Memory) record(format string, args ...any) {
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
}

// ID returns the surface id.
func (m *Memory) ID() string { return m.id }

// AddSource registers a source.
func (m *Memory) AddSource(id string, src Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[id]; ok {
		return fmt.Errorf("source %q already exists", id)
	}
	src.Tiles = slices.Clone(src.Tiles)
	m.sources[id] = src
	m.record("addSource %s", id)
	return nil
}

// RemoveSource removes a source. It fails while layers still use it.
func (m *Memory) RemoveSource(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[id]; !ok {
		return fmt.Errorf("source %q not found", id)
	}
	for _, l := range m.layers {
		if l.Source == id {
			return fmt.Errorf("source %q is in use by layer %q", id, l.ID)
		}
	}
	delete(m.sources, id)
	m.record("removeSource %s", id)
	return nil
}

// HasSource reports whether a source is registered.
func (m *Memory) HasSource(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sources[id]
	return ok
}

// SetTiles replaces a vector source's tile templates.
func (m *Memory) SetTiles(sourceID string, tiles []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TilesUnsupported {
		return ErrUnsupported
	}
	src, ok := m.sources[sourceID]
	if !ok {
		return fmt.Errorf("source %q not found", sourceID)
	}
	if src.Kind != SourceVector {
		return ErrUnsupported
	}
	src.Tiles = slices.Clone(tiles)
	m.sources[sourceID] = src
	m.record("setTiles %s", sourceID)
	return nil
}

// AddLayer appends a layer to the top of the stack.
func (m *Memory) AddLayer(l Layer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailAddLayer[l.ID]; err != nil {
		delete(m.FailAddLayer, l.ID)
		return err
	}
	if m.indexOf(l.ID) >= 0 {
		return fmt.Errorf("layer %q already exists", l.ID)
	}
	if _, ok := m.sources[l.Source]; !ok {
		return fmt.Errorf("layer %q: source %q not found", l.ID, l.Source)
	}
	l.Paint = maps.Clone(l.Paint)
	l.Layout = maps.Clone(l.Layout)
	l.Metadata = maps.Clone(l.Metadata)
	m.layers = append(m.layers, l)
	m.record("addLayer %s", l.ID)
	return nil
}

// RemoveLayer removes a layer.
func (m *Memory) RemoveLayer(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexOf(id)
	if i < 0 {
		return fmt.Errorf("layer %q not found", id)
	}
	m.layers = slices.Delete(m.layers, i, i+1)
	m.record("removeLayer %s", id)
	return nil
}

// HasLayer reports whether a layer exists.
func (m *Memory) HasLayer(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.indexOf(id) >= 0
}

func (m *Memory) indexOf(id string) int {
	return slices.IndexFunc(m.layers, func(l Layer) bool { return l.ID == id })
}

// SetLayoutProperty sets one layout property on a layer.
func (m *Memory) SetLayoutProperty(layerID, name string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexOf(layerID)
	if i < 0 {
		return fmt.Errorf("layer %q not found", layerID)
	}
	if m.layers[i].Layout == nil {
		m.layers[i].Layout = map[string]any{}
	}
	m.layers[i].Layout[name] = value
	m.record("setLayout %s %s=%v", layerID, name, value)
	return nil
}

// SetFilter sets a layer's filter expression.
func (m *Memory) SetFilter(layerID string, filter any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexOf(layerID)
	if i < 0 {
		return fmt.Errorf("layer %q not found", layerID)
	}
	m.layers[i].Filter = filter
	m.record("setFilter %s", layerID)
	return nil
}

// SetFeatureState merges state into a feature's state.
func (m *Memory) SetFeatureState(ref FeatureRef, state map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := keyOf(ref)
	cur := m.states[k]
	if cur == nil {
		cur = map[string]any{}
		m.states[k] = cur
	}
	maps.Copy(cur, state)
}

// RemoveFeatureState deletes one key of a feature's state, or all of it
// when key is empty.
func (m *Memory) RemoveFeatureState(ref FeatureRef, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := keyOf(ref)
	if key == "" {
		delete(m.states, k)
		return
	}
	delete(m.states[k], key)
	if len(m.states[k]) == 0 {
		delete(m.states, k)
	}
}

// FeatureState returns a copy of a feature's state.
func (m *Memory) FeatureState(ref FeatureRef) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.states[keyOf(ref)])
}

// Place puts f on screen at box. f.Layer names the paint layer drawing it.
func (m *Memory) Place(f Feature, at Box) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placed = append(m.placed, placedFeature{feature: f, at: at})
}

// ClearPlaced removes every placed feature.
func (m *Memory) ClearPlaced() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placed = nil
}

// QueryRenderedFeatures returns placed features on existing layers whose
// screen box intersects box. Features on higher layers come first; within a
// layer the most recently placed comes first.
func (m *Memory) QueryRenderedFeatures(box Box, layers []string) []Feature {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Feature
	for li := len(m.layers) - 1; li >= 0; li-- {
		l := m.layers[li]
		if len(layers) > 0 && !slices.Contains(layers, l.ID) {
			continue
		}
		for pi := len(m.placed) - 1; pi >= 0; pi-- {
			p := m.placed[pi]
			if p.feature.Layer != l.ID || !intersects(p.at, box) {
				continue
			}
			f := p.feature
			f.Properties = maps.Clone(f.Properties)
			f.State = maps.Clone(m.states[keyOf(f.Ref())])
			out = append(out, f)
		}
	}
	return out
}

func intersects(a, b Box) bool {
	return a.Min.X <= b.Max.X && a.Max.X >= b.Min.X && a.Min.Y <= b.Max.Y && a.Max.Y >= b.Min.Y
}

// SetSourceFeatures sets what QuerySourceFeatures returns for a source.
func (m *Memory) SetSourceFeatures(sourceID, sourceLayer string, feats []Feature) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.srcFeats[sourceID+"/"+sourceLayer] = feats
}

// QuerySourceFeatures returns the loaded features of a source.
func (m *Memory) QuerySourceFeatures(sourceID, sourceLayer string) []Feature {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[sourceID]; !ok {
		return nil
	}
	if feats, ok := m.srcFeats[sourceID+"/"+sourceLayer]; ok {
		return slices.Clone(feats)
	}
	src := m.sources[sourceID]
	if src.Data == nil {
		return nil
	}
	out := make([]Feature, 0, len(src.Data.Features))
	for _, gf := range src.Data.Features {
		out = append(out, Feature{
			ID:         gf.ID,
			Source:     sourceID,
			Properties: maps.Clone(gf.Properties),
			Geometry:   gf.Geometry,
		})
	}
	return out
}

// LoadImage registers an image.
func (m *Memory) LoadImage(id, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images[id] = url
	m.record("loadImage %s", id)
	return nil
}

// Images returns the registered images keyed by id.
func (m *Memory) Images() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.images)
}

// SetView sets the camera.
func (m *Memory) SetView(zoom float64, bounds orb.Bound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zoom = zoom
	m.bounds = bounds
}

// Zoom returns the current zoom.
func (m *Memory) Zoom() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.zoom
}

// Bounds returns the visible bounds.
func (m *Memory) Bounds() orb.Bound {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bounds
}

// OnSourceData subscribes fn to source events raised by EmitSourceData.
func (m *Memory) OnSourceData(fn func(SourceDataEvent)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// EmitSourceData delivers ev to subscribers synchronously.
func (m *Memory) EmitSourceData(ev SourceDataEvent) {
	m.mu.Lock()
	ids := slices.Sorted(maps.Keys(m.subs))
	fns := make([]func(SourceDataEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.subs[id])
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Sources returns a snapshot of registered sources.
func (m *Memory) Sources() map[string]Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.sources)
}

// Source returns one source.
func (m *Memory) Source(id string) (Source, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[id]
	return s, ok
}

// Layers returns the layer stack bottom to top.
func (m *Memory) Layers() []Layer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.layers)
}

// GetLayer returns one layer.
func (m *Memory) GetLayer(id string) (Layer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexOf(id)
	if i < 0 {
		return Layer{}, false
	}
	l := m.layers[i]
	l.Paint = maps.Clone(l.Paint)
	l.Layout = maps.Clone(l.Layout)
	l.Metadata = maps.Clone(l.Metadata)
	return l, true
}

// LayerIDs returns layer ids bottom to top.
func (m *Memory) LayerIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.layers))
	for i, l := range m.layers {
		ids[i] = l.ID
	}
	return ids
}

// Calls returns the mutation log.
func (m *Memory) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// ResetCalls clears the mutation log.
func (m *Memory) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

var _ Surface = (*Memory)(nil)
