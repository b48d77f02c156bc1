package page

import (
	"github.com/Transport-for-the-North/vis-core-sub002/internal/hover"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/labels"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/pageconfig"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/selection"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/surface"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/viewport"
)

// View is one attached surface with its engines. Engines start when the
// page becomes ready; events before that are ignored.
type View struct {
	Surface surface.Surface
	Popup   *hover.PopupState

	page      *Page
	hover     *hover.Engine
	selection *selection.Engine
	viewport  *viewport.Engine
	labels    *labels.Controller
}

func (p *Page) wire(v *View) {
	if v.hover != nil {
		return
	}
	res := p.Result()
	s := v.Surface
	logger := p.opts.Logger

	v.hover = hover.New(s, hover.Options{
		Executor:    p.opts.Executor,
		Fetcher:     p.opts.Fetcher,
		Renderer:    p.opts.Renderer,
		Layers:      p.layers,
		Popup:       v.Popup,
		Params:      func() map[string]any { return res.ParamValues(p.store) },
		Delay:       p.opts.Config.HoverDelay,
		TouchBuffer: p.opts.Config.TouchBuffer,
		Logger:      logger,
		Metrics:     p.opts.Metrics,
	})

	byID := make(map[string]pageconfig.Filter, len(res.Filters))
	var vps []viewport.Filter
	for _, f := range res.Filters {
		byID[f.ID] = f.Config
		if f.Config.Type == pageconfig.FilterViewport {
			vps = append(vps, viewport.Filter{ID: f.ID, Config: f.Config, MinZoom: viewport.MinZoom(f.Config, p.cfg)})
		}
	}
	v.selection = selection.New(s, p.store, byID, logger)
	v.viewport = viewport.New(s, p.store, vps, viewport.Options{
		Executor: p.opts.Executor,
		Debounce: p.opts.Config.ViewportDebounce,
		Logger:   logger,
		Metrics:  p.opts.Metrics,
	})
	v.labels = labels.New(s, p.store, p.layers, logger)

	p.layers.SetViewportBbox(s.ID(), s.Bounds())
	v.labels.ZoomChanged()
	v.viewport.Mount()
}

func (v *View) stop() {
	if v.hover == nil {
		return
	}
	v.viewport.Unmount()
	v.selection.Close()
	v.hover.Close()
}

// Ready reports whether the view's engines are running.
func (v *View) Ready() bool { return v.hover != nil }

// PointerMove forwards a desktop pointer move to the hover engine.
func (v *View) PointerMove(at surface.Point) {
	if v.hover != nil {
		v.hover.Move(at)
	}
}

// Tap forwards a touch tap; picked is the feature the surface hit, if any.
func (v *View) Tap(at surface.Point, picked *surface.Feature) {
	if v.hover != nil {
		v.hover.Tap(at, picked)
	}
}

// PointerLeave clears hover state and the tooltip.
func (v *View) PointerLeave() {
	if v.hover != nil {
		v.hover.Leave()
	}
}

// Click selects the feature under at for map filters.
func (v *View) Click(at surface.Point) (surface.Feature, bool) {
	if v.selection == nil {
		return surface.Feature{}, false
	}
	return v.selection.Click(at)
}

// ClearSelection deselects every selected feature.
func (v *View) ClearSelection() {
	if v.selection != nil {
		v.selection.ClearAll()
	}
}

// MoveEnd handles the end of a pan or zoom: the tile bbox is restashed,
// labels follow the zoom and the viewport capture is debounced.
func (v *View) MoveEnd() {
	if v.hover == nil {
		return
	}
	v.page.layers.SetViewportBbox(v.Surface.ID(), v.Surface.Bounds())
	v.labels.ZoomChanged()
	v.viewport.MoveEnd()
}
