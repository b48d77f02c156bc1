// Package hover resolves pointer interaction against the hoverable layers of
// a surface and drives the tooltip.
//
// Each pointer move starts a session: candidate features are gathered in a
// square buffer around the pointer, their hover state is diffed against the
// previous session, and a tooltip is shown at once from synchronous default
// fragments. Layers with a custom tooltip queue an enrichment request that is
// dispatched after a short delay and spliced back into its fragment when it
// resolves, provided its session is still the active one.
package hover

import (
	"context"
	"fmt"
	"html/template"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Transport-for-the-North/vis-core-sub002/internal/dataclient"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/layers"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/loop"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/metrics"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/pageconfig"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/pathtmpl"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/surface"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/tooltip"
)

const (
	// DefaultDelay separates showing the popup from dispatching enrichment.
	DefaultDelay = 100 * time.Millisecond
	// DefaultTouchBuffer is the minimum query half-size for touch input.
	DefaultTouchBuffer = 12.0
	minBuffer          = 3.0
)

// LayerSource lists the layers mounted on a surface.
type LayerSource interface {
	MountedOn(surfaceID string) []pageconfig.Layer
}

// Options configures an Engine.
type Options struct {
	Executor loop.Executor
	Fetcher  dataclient.Fetcher
	Renderer *tooltip.Renderer
	Layers   LayerSource
	Popup    Popup
	// Params returns the current filter values by param name, used to
	// resolve custom tooltip paths.
	Params      func() map[string]any
	Delay       time.Duration
	TouchBuffer float64
	Logger      *log.Logger
	Metrics     *metrics.Collector
}

type key struct {
	layer string
	id    string
}

type candidate struct {
	cfg     pageconfig.Layer
	feature surface.Feature
	base    tooltip.Default
	frag    template.HTML
	request *dataclient.Request
}

type session struct {
	seq    uint64
	cands  []*candidate
	timer  loop.Timer
	cancel context.CancelFunc
	// inflight counts dispatched requests not yet applied.
	inflight int
}

// Engine is the hover state machine of one surface. All methods run on the
// UI loop.
type Engine struct {
	opts    Options
	surface surface.Surface
	logger  *log.Logger

	seq     uint64
	active  *session
	at      surface.Point
	hovered map[key]surface.FeatureRef
	order   []key
}

// New creates an engine for s.
func New(s surface.Surface, opts Options) *Engine {
	if opts.Delay == 0 {
		opts.Delay = DefaultDelay
	}
	if opts.TouchBuffer == 0 {
		opts.TouchBuffer = DefaultTouchBuffer
	}
	if opts.Params == nil {
		opts.Params = func() map[string]any { return nil }
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		opts:    opts,
		surface: s,
		logger:  logger.WithPrefix("hover").With("surface", s.ID()),
		hovered: map[key]surface.FeatureRef{},
	}
}

// Buffer returns the query half-size for the hoverable layers: the largest
// declared buffer or half line width, floored at 3px, and at least
// touchMin for touch input.
func Buffer(cfgs []pageconfig.Layer, touch bool, touchMin float64) float64 {
	b := 0.0
	for _, cfg := range cfgs {
		lb := float64(cfg.BufferSize)
		if cfg.GeometryType == pageconfig.GeometryLine {
			lb = max(lb, layers.LineWidth(cfg)/2)
		}
		b = max(b, lb)
	}
	b = max(b, minBuffer)
	if touch {
		b = max(b, touchMin)
	}
	return b
}

// Move handles a desktop pointer move.
func (e *Engine) Move(at surface.Point) {
	e.at = at
	e.resolve(e.gather(at, false))
}

// Tap handles a touch tap. A feature already picked by the surface is
// reused as the only candidate when it belongs to a hoverable layer.
func (e *Engine) Tap(at surface.Point, picked *surface.Feature) {
	e.at = at
	if picked != nil {
		for _, cfg := range e.hoverable() {
			if cfg.Name == picked.Layer && keep(cfg, *picked) {
				e.resolve([]*candidate{{cfg: cfg, feature: *picked}})
				return
			}
		}
	}
	e.resolve(e.gather(at, true))
}

// Leave handles the pointer leaving the surface.
func (e *Engine) Leave() { e.clear() }

// Close cancels any pending enrichment and clears the tooltip.
func (e *Engine) Close() { e.clear() }

func (e *Engine) hoverable() []pageconfig.Layer {
	var out []pageconfig.Layer
	for _, cfg := range e.opts.Layers.MountedOn(e.surface.ID()) {
		if cfg.IsHoverable {
			out = append(out, cfg)
		}
	}
	return out
}

func (e *Engine) gather(at surface.Point, touch bool) []*candidate {
	cfgs := e.hoverable()
	if len(cfgs) == 0 {
		return nil
	}
	byID := make(map[string]pageconfig.Layer, len(cfgs))
	ids := make([]string, 0, len(cfgs))
	for _, cfg := range cfgs {
		id := layers.RoleID(cfg.Name, layers.RoleMain)
		byID[id] = cfg
		ids = append(ids, id)
	}

	box := surface.Around(at, Buffer(cfgs, touch, e.opts.TouchBuffer))
	var out []*candidate
	seen := map[key]bool{}
	for _, f := range e.surface.QueryRenderedFeatures(box, ids) {
		cfg, ok := byID[f.Layer]
		if !ok || !keep(cfg, f) {
			continue
		}
		if touch {
			return []*candidate{{cfg: cfg, feature: f}}
		}
		k := keyOf(f)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, &candidate{cfg: cfg, feature: f})
	}
	return out
}

// keep drops features without a bound value on layers that only hover on
// data.
func keep(cfg pageconfig.Layer, f surface.Feature) bool {
	if cfg.HoverOnlyOnData || !cfg.HoverNullValues() {
		return boundValue(cfg, f) != nil
	}
	return true
}

// boundValue is the visualisation value joined onto the feature (feature
// state "value"), else the configured value property.
func boundValue(cfg pageconfig.Layer, f surface.Feature) any {
	if v, ok := f.State["value"]; ok {
		return v
	}
	field := cfg.ValueField
	if field == "" {
		field = "value"
	}
	return f.Properties[field]
}

func keyOf(f surface.Feature) key {
	return key{layer: f.Layer, id: fmt.Sprint(f.ID)}
}

func (e *Engine) resolve(cands []*candidate) {
	if len(cands) == 0 {
		e.clear()
		return
	}

	keys := make([]key, len(cands))
	for i, c := range cands {
		keys[i] = keyOf(c.feature)
	}
	if e.active != nil && sameSet(e.order, keys) {
		e.opts.Popup.Move(e.at)
		e.opts.Metrics.HoverUnchanged()
		return
	}

	e.diffHoverState(cands, keys)
	e.start(cands)
}

func sameSet(a, b []key) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[key]bool, len(a))
	for _, k := range a {
		set[k] = true
	}
	for _, k := range b {
		if !set[k] {
			return false
		}
	}
	return true
}

func (e *Engine) diffHoverState(cands []*candidate, keys []key) {
	next := make(map[key]surface.FeatureRef, len(cands))
	for i, c := range cands {
		next[keys[i]] = c.feature.Ref()
	}
	for _, k := range e.order {
		if _, ok := next[k]; !ok {
			e.surface.RemoveFeatureState(e.hovered[k], layers.StateHover)
		}
	}
	for _, k := range keys {
		if _, ok := e.hovered[k]; !ok {
			e.surface.SetFeatureState(next[k], map[string]any{layers.StateHover: true})
		}
	}
	e.hovered = next
	e.order = keys
}

// start supersedes the active session, renders every fragment and shows the
// popup, then schedules enrichment.
func (e *Engine) start(cands []*candidate) {
	e.cancelSession()
	e.seq++
	sess := &session{seq: e.seq, cands: cands}
	e.active = sess
	e.opts.Metrics.HoverSession()

	params := e.opts.Params()
	queued := 0
	for _, c := range cands {
		c.base = e.defaultContent(c)
		ct := c.cfg.CustomTooltip
		switch {
		case ct == nil:
			c.frag = e.renderDefault(c.base)
		case ct.Mode == pageconfig.TooltipReplace:
			c.frag = e.opts.Renderer.Loading()
		default:
			withSlot := c.base
			withSlot.Slot = e.opts.Renderer.Loading()
			c.frag = e.renderDefault(withSlot)
		}
		if ct != nil {
			c.request = e.request(c, params)
			queued++
		}
	}
	e.show(sess)

	if queued > 0 {
		sess.timer = e.opts.Executor.AfterFunc(e.opts.Delay, func() { e.dispatch(sess) })
	}
	e.logger.Debug("hover session", "seq", sess.seq, "candidates", len(cands), "queued", queued)
}

func (e *Engine) request(c *candidate, params map[string]any) *dataclient.Request {
	values := maps.Clone(params)
	if values == nil {
		values = map[string]any{}
	}
	maps.Copy(values, c.feature.Properties)
	values["id"] = c.feature.ID
	path, missing := pathtmpl.Resolve(c.cfg.CustomTooltip.Path, values)
	if len(missing) > 0 {
		e.logger.Debug("tooltip path unresolved", "layer", c.cfg.Name, "missing", missing)
		return nil
	}
	return &dataclient.Request{Path: path, SkipAuth: c.cfg.CustomTooltip.SkipAuth}
}

func (e *Engine) defaultContent(c *candidate) tooltip.Default {
	f := c.feature
	d := tooltip.Default{Layer: c.cfg.Name}

	titleField := c.cfg.TitleField
	if titleField == "" {
		titleField = "name"
	}
	if t, ok := f.Properties[titleField]; ok && t != nil {
		d.Title = tooltip.FormatValue(t)
	} else {
		d.Title = c.cfg.Name
	}
	if v := boundValue(c.cfg, f); v != nil {
		d.Value, d.HasValue = tooltip.FormatValue(v), true
	}
	if c.cfg.HoverTipShouldIncludeMetadata {
		names := make([]string, 0, len(f.Properties))
		for k := range f.Properties {
			if k != titleField && k != c.cfg.ValueField {
				names = append(names, k)
			}
		}
		sort.Strings(names)
		for _, k := range names {
			d.Metadata = append(d.Metadata, tooltip.Field{Name: k, Value: tooltip.FormatValue(f.Properties[k])})
		}
	}
	return d
}

func (e *Engine) renderDefault(d tooltip.Default) template.HTML {
	html, err := e.opts.Renderer.Default(d)
	if err != nil {
		e.logger.Error("rendering tooltip", "layer", d.Layer, "err", err)
		return e.opts.Renderer.Unavailable()
	}
	return html
}

func (e *Engine) show(sess *session) {
	frags := make([]template.HTML, len(sess.cands))
	for i, c := range sess.cands {
		frags[i] = c.frag
	}
	e.opts.Popup.Show(e.at, e.opts.Renderer.Join(frags))
}

// dispatch issues the queued requests of sess, unless it was superseded
// while waiting.
func (e *Engine) dispatch(sess *session) {
	if e.active != sess {
		return
	}
	sess.timer = nil
	ctx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel

	failed := false
	for i, c := range sess.cands {
		if c.cfg.CustomTooltip == nil {
			continue
		}
		if c.request == nil {
			e.fail(c)
			failed = true
			continue
		}
		sess.inflight++
		e.opts.Metrics.Enrichment(metrics.EnrichIssued)
		req := *c.request
		go func(i int) {
			doc, err := e.opts.Fetcher.Get(ctx, req)
			e.opts.Executor.Post(func() { e.apply(sess, i, doc, err) })
		}(i)
	}
	if sess.inflight == 0 {
		cancel()
	}
	if failed {
		e.show(sess)
	}
}

// apply splices one enrichment result into its candidate's fragment. Results
// of any session other than the active one are dropped.
func (e *Engine) apply(sess *session, i int, doc any, err error) {
	if e.active != sess || sess.seq != e.seq {
		e.opts.Metrics.Enrichment(metrics.EnrichStale)
		return
	}
	sess.inflight--
	if sess.inflight == 0 {
		sess.cancel()
	}
	c := sess.cands[i]

	switch {
	case err != nil && dataclient.IsAbort(err):
		e.opts.Metrics.Enrichment(metrics.EnrichCancelled)
		return
	case err != nil:
		e.opts.Metrics.Enrichment(metrics.EnrichFailed)
		e.logger.Warn("tooltip enrichment failed", "layer", c.cfg.Name, "err", err)
		e.fail(c)
	default:
		e.opts.Metrics.Enrichment(metrics.EnrichApplied)
		html, rerr := e.opts.Renderer.Records(c.cfg.CustomTooltip.Template, records(doc))
		if rerr != nil {
			e.logger.Warn("rendering enriched tooltip", "layer", c.cfg.Name, "err", rerr)
			e.fail(c)
			break
		}
		if c.cfg.CustomTooltip.Mode == pageconfig.TooltipReplace {
			c.frag = html
		} else {
			withSlot := c.base
			withSlot.Slot = html
			c.frag = e.renderDefault(withSlot)
		}
	}
	e.show(sess)
}

func (e *Engine) fail(c *candidate) {
	if c.cfg.CustomTooltip.Mode == pageconfig.TooltipReplace {
		c.frag = e.opts.Renderer.Error(c.cfg.Name, c.base.Title)
		return
	}
	withSlot := c.base
	withSlot.Slot = e.opts.Renderer.Unavailable()
	c.frag = e.renderDefault(withSlot)
}

// records normalises an enrichment response to a record list, most recently
// drawn first.
func records(doc any) []map[string]any {
	var out []map[string]any
	if list, ok := dataclient.Unwrap(doc); ok {
		for _, item := range list {
			if rec, ok := item.(map[string]any); ok {
				out = append(out, rec)
			}
		}
	} else if rec, ok := doc.(map[string]any); ok {
		out = append(out, rec)
	}
	slices.Reverse(out)
	return out
}

func (e *Engine) cancelSession() {
	sess := e.active
	if sess == nil {
		return
	}
	if sess.timer != nil {
		sess.timer.Stop()
		sess.timer = nil
	}
	if sess.cancel != nil {
		sess.cancel()
	}
	e.active = nil
}

// clear ends the session, unsets every hover flag and hides the popup.
func (e *Engine) clear() {
	e.cancelSession()
	e.seq++
	for _, k := range e.order {
		e.surface.RemoveFeatureState(e.hovered[k], layers.StateHover)
	}
	e.hovered = map[key]surface.FeatureRef{}
	e.order = nil
	e.opts.Popup.Hide()
}
