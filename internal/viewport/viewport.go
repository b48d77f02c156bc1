// Package viewport publishes the visible bounding box of a surface into
// viewport-type filters, debounced and gated on a minimum zoom.
package viewport

import (
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/log"
	"github.com/paulmach/orb"

	"github.com/Transport-for-the-North/vis-core-sub002/internal/actions"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/loop"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/metrics"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/pageconfig"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/store"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/surface"
)

// DefaultDebounce is the quiet period after pan or zoom end before a
// publish.
const DefaultDebounce = 250 * time.Millisecond

// Bbox keys.
const (
	KeyWest  = "west"
	KeySouth = "south"
	KeyEast  = "east"
	KeyNorth = "north"
	KeyZoom  = "zoom"
)

// Filter is a viewport filter with its resolved minimum zoom.
type Filter struct {
	ID      string
	Config  pageconfig.Filter
	MinZoom float64
}

// MinZoom returns the explicit minimum zoom of f, else the largest minZoom
// among the join layers of its target visualisations.
func MinZoom(f pageconfig.Filter, page pageconfig.Page) float64 {
	if f.MinZoom != nil {
		return *f.MinZoom
	}
	targets := map[string]bool{}
	for _, t := range f.Targets {
		targets[t.Name] = true
	}
	join := map[string]bool{}
	for _, v := range page.Visualisations {
		if targets[v.Name] && v.JoinLayer != "" {
			join[v.JoinLayer] = true
		}
	}
	z := 0.0
	for _, l := range page.Layers {
		if join[l.Name] {
			z = max(z, l.MinZoom)
		}
	}
	return z
}

// Options configures an Engine.
type Options struct {
	Executor loop.Executor
	Debounce time.Duration
	Logger   *log.Logger
	Metrics  *metrics.Collector
}

// Engine captures the viewport of one surface. All methods run on the UI
// loop.
type Engine struct {
	surface surface.Surface
	store   *store.Store
	filters []Filter
	opts    Options
	logger  *log.Logger

	timer loop.Timer
	// last holds the published signature per filter id.
	last map[string]string
}

// New creates an engine for filters.
func New(s surface.Surface, st *store.Store, filters []Filter, opts Options) *Engine {
	if opts.Debounce == 0 {
		opts.Debounce = DefaultDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		surface: s,
		store:   st,
		filters: filters,
		opts:    opts,
		logger:  logger.WithPrefix("viewport").With("surface", s.ID()),
		last:    map[string]string{},
	}
}

// Mount publishes the current viewport at once.
func (e *Engine) Mount() { e.capture() }

// MoveEnd schedules a publish after the debounce period, restarting it if
// one is pending.
func (e *Engine) MoveEnd() {
	e.stop()
	e.timer = e.opts.Executor.AfterFunc(e.opts.Debounce, func() {
		e.timer = nil
		e.capture()
	})
}

// Unmount cancels a pending publish.
func (e *Engine) Unmount() { e.stop() }

func (e *Engine) stop() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) capture() {
	zoom := e.surface.Zoom()
	bounds := e.surface.Bounds()
	for _, f := range e.filters {
		if zoom < f.MinZoom {
			e.belowZoom(f)
			continue
		}
		v := Value(bounds, zoom)
		sig := signature(v)
		if e.last[f.ID] == sig {
			e.opts.Metrics.Viewport(metrics.ViewportSuppressed)
			e.logger.Debug("viewport unchanged", "filter", f.ID)
			continue
		}
		e.last[f.ID] = sig
		e.store.SetFilter(f.ID, v)
		actions.Run(e.store, f.Config, mapped(f.Config, v))
		e.opts.Metrics.Viewport(metrics.ViewportPublished)
	}
}

func (e *Engine) belowZoom(f Filter) {
	delete(e.last, f.ID)
	cleared := e.store.ClearFilter(f.ID)
	cleared = actions.Clear(e.store, f.Config) || cleared
	if cleared {
		e.opts.Metrics.Viewport(metrics.ViewportBelowZoom)
		e.logger.Debug("viewport below minimum zoom", "filter", f.ID, "minZoom", f.MinZoom)
	}
}

// Value returns the rounded bbox descriptor of a viewport.
func Value(b orb.Bound, zoom float64) map[string]any {
	return map[string]any{
		KeyWest:  round(b.Min.Lon(), 6),
		KeySouth: round(b.Min.Lat(), 6),
		KeyEast:  round(b.Max.Lon(), 6),
		KeyNorth: round(b.Max.Lat(), 6),
		KeyZoom:  round(zoom, 2),
	}
}

func signature(v map[string]any) string {
	return fmt.Sprintf("%v,%v,%v,%v@%v", v[KeyWest], v[KeySouth], v[KeyEast], v[KeyNorth], v[KeyZoom])
}

// mapped selects what the filter's actions write: one named key, else the
// whole bbox.
func mapped(f pageconfig.Filter, v map[string]any) any {
	if f.BboxKey != "" {
		return v[f.BboxKey]
	}
	return v
}

func round(f float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(f*p) / p
}
