// Package layers is the layer lifecycle manager. It keeps exactly one
// mounted representation (a source plus its paint-layer variants) of every
// resolvable layer on every attached surface, and none of a layer whose path
// still has missing parameters.
//
// All methods must be called on the UI loop.
package layers

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/Transport-for-the-North/vis-core-sub002/internal/dataclient"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/loop"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/metrics"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/pageconfig"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/pathtmpl"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/surface"
)

// Definition is a layer configuration with its path resolved against the
// current filter values.
type Definition struct {
	Config pageconfig.Layer
	// Path keeps reserved placeholders such as {z} in place.
	Path    string
	Missing []string
}

// Resolve builds a Definition from a layer and the current param values.
func Resolve(cfg pageconfig.Layer, values map[string]any) Definition {
	path, missing := pathtmpl.Resolve(cfg.Path, values)
	return Definition{Config: cfg, Path: path, Missing: missing}
}

// Layer states reported by Info.
const (
	StateAbsent  = "absent"
	StateMounted = "mounted"
	StateFailed  = "failed"
)

// Info describes one layer for status reporting.
type Info struct {
	Name          string   `json:"name"`
	Path          string   `json:"path"`
	MissingParams []string `json:"missingParams,omitempty"`
	State         string   `json:"state"`
	Loading       bool     `json:"loading,omitempty"`
	Surfaces      []string `json:"surfaces,omitempty"`
	Error         string   `json:"error,omitempty"`
}

type entry struct {
	def      Definition
	state    string
	request  string
	pending  string
	source   surface.Source
	specs    []surface.Layer
	gen      uint64
	cancel   context.CancelFunc
	on       map[string]bool
	prefetch map[string]*prefetch
	err      error
}

type prefetch struct {
	unsubscribe func()
	done        bool
}

// Options configures a Manager.
type Options struct {
	Executor loop.Executor
	Fetcher  dataclient.Fetcher
	// TileBaseURL prefixes relative tile templates.
	TileBaseURL string
	Logger      *log.Logger
	Metrics     *metrics.Collector
	// OnError receives feature-collection fetch failures.
	OnError func(layer string, err error)
	// OnMount runs after a layer is mounted on a surface.
	OnMount func(s surface.Surface, cfg pageconfig.Layer)
}

// Manager owns the registry of attached surfaces and mounted layers.
type Manager struct {
	opts     Options
	logger   *log.Logger
	surfaces []surface.Surface
	entries  map[string]*entry
	order    []string

	bboxMu sync.RWMutex
	bboxes map[string]string
}

// NewManager creates a manager with no surfaces attached.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		opts:    opts,
		logger:  logger.WithPrefix("layers"),
		entries: map[string]*entry{},
		bboxes:  map[string]string{},
	}
}

// Attach registers a surface and mounts every currently mounted layer on it.
func (m *Manager) Attach(s surface.Surface) {
	if m.surface(s.ID()) != nil {
		return
	}
	m.surfaces = append(m.surfaces, s)
	for _, name := range m.order {
		e := m.entries[name]
		if e.state != StateMounted {
			continue
		}
		if err := m.mountOn(e, s); err != nil {
			m.logger.Warn("mount on attach failed", "layer", name, "surface", s.ID(), "err", err)
		}
	}
}

// Detach removes every layer from a surface and forgets it.
func (m *Manager) Detach(surfaceID string) {
	s := m.surface(surfaceID)
	if s == nil {
		return
	}
	for _, name := range m.order {
		m.removeFrom(m.entries[name], s)
	}
	m.surfaces = slices.DeleteFunc(m.surfaces, func(x surface.Surface) bool { return x.ID() == surfaceID })
	m.bboxMu.Lock()
	delete(m.bboxes, surfaceID)
	m.bboxMu.Unlock()
}

// Surfaces returns the attached surfaces in attach order.
func (m *Manager) Surfaces() []surface.Surface { return slices.Clone(m.surfaces) }

func (m *Manager) surface(id string) surface.Surface {
	for _, s := range m.surfaces {
		if s.ID() == id {
			return s
		}
	}
	return nil
}

// Sync brings a layer's mounted state in line with def. Tile layers are
// mounted synchronously; feature-collection layers are fetched first and
// mounted when the fetch completes.
func (m *Manager) Sync(def Definition) error {
	name := def.Config.Name
	e, ok := m.entries[name]
	if !ok {
		e = &entry{state: StateAbsent, on: map[string]bool{}, prefetch: map[string]*prefetch{}}
		m.entries[name] = e
		m.order = append(m.order, name)
	}
	e.def = def

	if len(def.Missing) > 0 {
		m.unmount(e)
		return nil
	}

	req := m.request(def)
	if e.pending != "" && req != e.pending {
		m.cancelPending(e)
	}
	if e.state == StateMounted && req == e.request && m.complete(e) {
		return nil
	}
	if req == e.pending {
		return nil
	}

	if def.Config.Type == pageconfig.SourceGeoJSON {
		m.load(e, req)
		return nil
	}
	src := surface.Source{
		Kind:    surface.SourceVector,
		Tiles:   []string{m.tileURL(req)},
		MinZoom: def.Config.MinZoom,
		MaxZoom: def.Config.MaxZoom,
	}
	if e.state == StateMounted {
		return m.retarget(e, req, src)
	}
	return m.mount(e, req, src)
}

// request is the source request of a resolved definition. With viewport
// appending the bbox marker is kept in the template so panning never changes
// it.
func (m *Manager) request(def Definition) string {
	path := def.Path
	if def.Config.Type == pageconfig.SourceTile && def.Config.AppendViewportBbox && !strings.Contains(path, bboxMarker) {
		path = pathtmpl.AppendQuery(path, pathtmpl.ViewportMarker+"="+bboxMarker)
	}
	return path
}

func (m *Manager) tileURL(req string) string {
	if m.opts.TileBaseURL == "" || strings.Contains(req, "://") {
		return req
	}
	return strings.TrimSuffix(m.opts.TileBaseURL, "/") + "/" + strings.TrimPrefix(req, "/")
}

func (m *Manager) mount(e *entry, req string, src surface.Source) error {
	e.source = src
	e.specs = variants(e.def.Config, SourceID(e.def.Config.Name))
	e.request = req
	e.state = StateMounted
	e.err = nil

	var errs []error
	for _, s := range m.surfaces {
		if err := m.mountOn(e, s); err != nil {
			errs = append(errs, err)
		}
	}
	m.opts.Metrics.Layer(metrics.LayerMount)
	return errors.Join(errs...)
}

// mountOn adds the source then every variant in order. A partial mount is
// rolled back.
func (m *Manager) mountOn(e *entry, s surface.Surface) error {
	name := e.def.Config.Name
	if e.on[s.ID()] {
		return nil
	}
	if err := addAll(s, SourceID(name), e.source, e.specs); err != nil {
		return fmt.Errorf("mounting layer %q on %s: %w", name, s.ID(), err)
	}
	e.on[s.ID()] = true
	m.armPrefetch(e, s)
	if m.opts.OnMount != nil {
		m.opts.OnMount(s, e.def.Config)
	}
	return nil
}

func addAll(s surface.Surface, sourceID string, src surface.Source, specs []surface.Layer) error {
	if err := s.AddSource(sourceID, src); err != nil {
		return err
	}
	for _, l := range specs {
		if err := s.AddLayer(l); err != nil {
			removeAll(s, sourceID, specs)
			return err
		}
	}
	return nil
}

// removeAll removes the given layers top-down and then the source. Every
// call is existence-guarded.
func removeAll(s surface.Surface, sourceID string, specs []surface.Layer) {
	for i := len(specs) - 1; i >= 0; i-- {
		if s.HasLayer(specs[i].ID) {
			_ = s.RemoveLayer(specs[i].ID)
		}
	}
	if s.HasSource(sourceID) {
		_ = s.RemoveSource(sourceID)
	}
}

func (m *Manager) removeFrom(e *entry, s surface.Surface) {
	name := e.def.Config.Name
	if p, ok := e.prefetch[s.ID()]; ok {
		p.unsubscribe()
		delete(e.prefetch, s.ID())
	}
	for i := len(Roles) - 1; i >= 0; i-- {
		id := RoleID(name, Roles[i])
		if s.HasLayer(id) {
			if err := s.RemoveLayer(id); err != nil {
				m.logger.Warn("remove layer failed", "layer", id, "surface", s.ID(), "err", err)
			}
		}
	}
	if s.HasSource(SourceID(name)) {
		if err := s.RemoveSource(SourceID(name)); err != nil {
			m.logger.Warn("remove source failed", "layer", name, "surface", s.ID(), "err", err)
		}
	}
	delete(e.on, s.ID())
}

func (m *Manager) unmount(e *entry) {
	m.cancelPending(e)
	wasMounted := e.state == StateMounted
	for _, s := range m.surfaces {
		m.removeFrom(e, s)
	}
	e.state = StateAbsent
	e.request = ""
	e.err = nil
	if wasMounted {
		m.opts.Metrics.Layer(metrics.LayerUnmount)
	}
}

func (m *Manager) cancelPending(e *entry) {
	e.gen++
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.pending = ""
}

// retarget points a mounted tile source at a new template: in place when
// possible, otherwise by a transactional remove and re-add.
func (m *Manager) retarget(e *entry, req string, src surface.Source) error {
	name := e.def.Config.Name
	var errs []error
	var off []surface.Surface
	for _, s := range m.surfaces {
		if !e.on[s.ID()] {
			off = append(off, s)
			continue
		}
		if req == e.request {
			continue
		}
		if src.Kind == surface.SourceVector && !e.def.Config.AppendViewportBbox {
			err := s.SetTiles(SourceID(name), src.Tiles)
			if err == nil {
				m.opts.Metrics.Layer(metrics.LayerSwap)
				continue
			}
			m.logger.Warn("tile template swap failed, re-adding", "err", &TemplateUpdateError{Layer: name, Surface: s.ID(), Err: err})
		}
		m.opts.Metrics.Layer(metrics.LayerFallback)
		if err := m.replace(e, s, src); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		// The request stays stale so the next Sync retries.
		return errors.Join(errs...)
	}
	e.source = src
	e.request = req
	for _, s := range off {
		if err := m.mountOn(e, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// complete reports whether e is mounted on every attached surface.
func (m *Manager) complete(e *entry) bool {
	for _, s := range m.surfaces {
		if !e.on[s.ID()] {
			return false
		}
	}
	return true
}

// replace swaps the source of a mounted layer by removing and re-adding it
// with every variant as currently configured on the surface. It is
// all-or-nothing: on failure the previous source and variants are restored,
// and if that also fails the layer is left fully unmounted on s.
func (m *Manager) replace(e *entry, s surface.Surface, src surface.Source) error {
	name := e.def.Config.Name
	sourceID := SourceID(name)

	var current []surface.Layer
	for _, role := range Roles {
		if l, ok := s.GetLayer(RoleID(name, role)); ok {
			current = append(current, l)
		}
	}
	removeAll(s, sourceID, current)

	err := addAll(s, sourceID, src, current)
	if err == nil {
		return nil
	}
	if rerr := addAll(s, sourceID, e.source, current); rerr != nil {
		removeAll(s, sourceID, current)
		delete(e.on, s.ID())
		return fmt.Errorf("re-adding layer %q on %s: %w", name, s.ID(), errors.Join(err, rerr))
	}
	return fmt.Errorf("re-adding layer %q on %s: %w", name, s.ID(), err)
}

// load fetches a feature collection off the loop and mounts, or replaces,
// the layer when it arrives. Results of superseded loads are dropped.
func (m *Manager) load(e *entry, req string) {
	m.cancelPending(e)
	e.pending = req
	gen := e.gen
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	name := e.def.Config.Name
	fetcher := m.opts.Fetcher

	go func() {
		fc := geojson.NewFeatureCollection()
		err := fetcher.GetInto(ctx, dataclient.Request{Path: req}, fc)
		m.opts.Executor.Post(func() {
			if m.entries[name] != e || e.gen != gen {
				return
			}
			e.pending = ""
			e.cancel = nil
			cancel()
			if err != nil {
				if dataclient.IsAbort(err) {
					return
				}
				m.logger.Warn("feature collection fetch failed", "layer", name, "err", err)
				if e.state != StateMounted {
					e.state = StateFailed
				}
				e.err = err
				if m.opts.OnError != nil {
					m.opts.OnError(name, err)
				}
				return
			}
			src := surface.Source{
				Kind:      surface.SourceGeoJSON,
				Data:      fc,
				MinZoom:   e.def.Config.MinZoom,
				MaxZoom:   e.def.Config.MaxZoom,
				PromoteID: "id",
			}
			if e.state == StateMounted {
				if err := m.retarget(e, req, src); err != nil {
					m.logger.Warn("replacing feature collection failed", "layer", name, "err", err)
				}
				return
			}
			if err := m.mount(e, req, src); err != nil {
				m.logger.Warn("mount failed", "layer", name, "err", err)
			}
		})
	}()
}

// Remove unmounts a layer and forgets it.
func (m *Manager) Remove(name string) {
	e, ok := m.entries[name]
	if !ok {
		return
	}
	m.unmount(e)
	delete(m.entries, name)
	m.order = slices.DeleteFunc(m.order, func(n string) bool { return n == name })
}

// Teardown removes every layer from every surface. It is idempotent.
func (m *Manager) Teardown() {
	for i := len(m.order) - 1; i >= 0; i-- {
		m.unmount(m.entries[m.order[i]])
	}
	m.entries = map[string]*entry{}
	m.order = nil
}

// Config returns the configuration of a synced layer.
func (m *Manager) Config(name string) (pageconfig.Layer, bool) {
	e, ok := m.entries[name]
	if !ok {
		return pageconfig.Layer{}, false
	}
	return e.def.Config, true
}

// MountedOn returns the configurations of layers mounted on a surface, in
// sync order.
func (m *Manager) MountedOn(surfaceID string) []pageconfig.Layer {
	var out []pageconfig.Layer
	for _, name := range m.order {
		if e := m.entries[name]; e.on[surfaceID] {
			out = append(out, e.def.Config)
		}
	}
	return out
}

// Layers reports every synced layer in sync order.
func (m *Manager) Layers() []Info {
	out := make([]Info, 0, len(m.order))
	for _, name := range m.order {
		e := m.entries[name]
		info := Info{
			Name:          name,
			Path:          e.def.Path,
			MissingParams: slices.Clone(e.def.Missing),
			State:         e.state,
			Loading:       e.pending != "",
		}
		for _, s := range m.surfaces {
			if e.on[s.ID()] {
				info.Surfaces = append(info.Surfaces, s.ID())
			}
		}
		if e.err != nil {
			info.Error = e.err.Error()
		}
		out = append(out, info)
	}
	return out
}

const bboxMarker = "{" + pathtmpl.ViewportMarker + "}"

// SetViewportBbox stashes the visible bounds of a surface for tile request
// augmentation. It may be called from any goroutine.
func (m *Manager) SetViewportBbox(surfaceID string, b orb.Bound) {
	v := fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat())
	m.bboxMu.Lock()
	m.bboxes[surfaceID] = v
	m.bboxMu.Unlock()
}

// TransformRequest replaces the viewport marker of a tile request with the
// surface's stashed bbox. Without a stashed bbox the marker parameter is
// dropped. It is safe to call from the renderer's request goroutine.
func (m *Manager) TransformRequest(surfaceID, rawURL string) string {
	m.bboxMu.RLock()
	bbox, ok := m.bboxes[surfaceID]
	m.bboxMu.RUnlock()

	for _, marker := range []string{bboxMarker, "%7Bbbox%7D", "%7bbbox%7d"} {
		if !strings.Contains(rawURL, marker) {
			continue
		}
		if ok {
			return strings.ReplaceAll(rawURL, marker, bbox)
		}
		return dropMarkerParam(rawURL, marker)
	}
	return rawURL
}

func dropMarkerParam(rawURL, marker string) string {
	base, query, found := strings.Cut(rawURL, "?")
	if !found {
		return strings.ReplaceAll(rawURL, marker, "")
	}
	var kept []string
	for _, kv := range strings.Split(query, "&") {
		if _, v, _ := strings.Cut(kv, "="); v == marker {
			continue
		}
		kept = append(kept, kv)
	}
	if len(kept) == 0 {
		return base
	}
	return base + "?" + strings.Join(kept, "&")
}
