// Package page wires the engines of one page together: it compiles the page
// configuration, seeds the filter store, keeps mounted layers in line with
// filter values and gives every attached surface its hover, selection,
// viewport and label engines.
package page

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Transport-for-the-North/vis-core-sub002/internal/actions"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/compiler"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/dataclient"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/hover"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/layers"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/loop"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/metrics"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/pageconfig"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/store"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/surface"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/tooltip"
)

// Config holds the tunables of a page runtime. Zero values use each
// engine's default.
type Config struct {
	HoverDelay       time.Duration `json:"hoverDelay,omitempty" yaml:"hoverDelay,omitempty"`
	ViewportDebounce time.Duration `json:"viewportDebounce,omitempty" yaml:"viewportDebounce,omitempty"`
	TouchBuffer      float64       `json:"touchBuffer,omitempty" yaml:"touchBuffer,omitempty"`
	TileBaseURL      string        `json:"tileBaseUrl,omitempty" yaml:"tileBaseUrl,omitempty"`
	Concurrency      int           `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
}

// Options configures a Page.
type Options struct {
	Config   Config
	Executor loop.Executor
	Fetcher  dataclient.Fetcher
	// Tables overrides where metadata tables are loaded from.
	Tables   compiler.TableSource
	Renderer *tooltip.Renderer
	// Query is a shared page query string used to seed filter values.
	Query   string
	Logger  *log.Logger
	Metrics *metrics.Collector
	// OnError receives bootstrap failures and layer fetch failures.
	OnError func(error)
}

// Page states.
const (
	StateLoading = "loading"
	StateReady   = "ready"
	StateBlocked = "blocked"
)

// Status is the readiness of a page.
type Status struct {
	State  string                  `json:"state" enum:"loading,ready,blocked"`
	Error  string                  `json:"error,omitempty"`
	Tables []compiler.TableProblem `json:"tables,omitempty"`
}

// Page is the runtime of one page configuration. Attach, Detach, Teardown
// and every View method run on the UI loop; the remaining methods are safe
// from any goroutine.
type Page struct {
	cfg    pageconfig.Page
	opts   Options
	logger *log.Logger
	store  *store.Store
	layers *layers.Manager

	mu     sync.RWMutex
	status Status
	result *compiler.Result

	views       map[string]*View
	order       []string
	queued      atomic.Bool
	unsubscribe func()
}

// New creates a page in the loading state.
func New(cfg pageconfig.Page, opts Options) (*Page, error) {
	if opts.Executor == nil {
		return nil, errors.New("page: executor is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("page: fetcher is required")
	}
	if opts.Renderer == nil {
		r, err := tooltip.New()
		if err != nil {
			return nil, fmt.Errorf("loading tooltip templates: %w", err)
		}
		opts.Renderer = r
	}
	if opts.OnError == nil {
		opts.OnError = func(error) {}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	opts.Logger = logger

	p := &Page{
		cfg:    cfg,
		opts:   opts,
		logger: logger.WithPrefix("page").With("page", cfg.Name),
		store:  store.New(),
		status: Status{State: StateLoading},
		views:  map[string]*View{},
	}
	p.layers = layers.NewManager(layers.Options{
		Executor:    opts.Executor,
		Fetcher:     opts.Fetcher,
		TileBaseURL: opts.Config.TileBaseURL,
		Logger:      logger,
		Metrics:     opts.Metrics,
		OnError: func(layer string, err error) {
			opts.OnError(fmt.Errorf("layer %s: %w", layer, err))
		},
		OnMount: p.mounted,
	})
	return p, nil
}

// Bootstrap compiles the configuration and, on success, seeds the store and
// queues the initial layer mounts on the loop. A *compiler.ConfigurationError
// leaves the page blocked for good.
func (p *Page) Bootstrap(ctx context.Context) error {
	res, err := compiler.Compile(ctx, p.cfg, compiler.Options{
		Fetcher:     p.opts.Fetcher,
		Tables:      p.opts.Tables,
		Query:       p.opts.Query,
		Concurrency: p.opts.Config.Concurrency,
		Logger:      p.opts.Logger,
		Metrics:     p.opts.Metrics,
	})
	if err != nil {
		if dataclient.IsAbort(err) {
			return err
		}
		st := Status{State: StateBlocked, Error: err.Error()}
		var cfgErr *compiler.ConfigurationError
		if errors.As(err, &cfgErr) {
			st.Tables = cfgErr.Tables
		}
		p.setStatus(st)
		p.opts.OnError(err)
		return err
	}

	p.mu.Lock()
	p.result = res
	p.mu.Unlock()
	p.unsubscribe = p.store.Subscribe(p.changed)
	res.Seed(p.store)

	p.opts.Executor.Post(func() {
		for _, def := range res.Layers {
			p.sync(def)
		}
		for _, id := range p.order {
			p.wire(p.views[id])
		}
		p.setStatus(Status{State: StateReady})
		p.logger.Info("page ready", "surfaces", len(p.order))
	})
	return nil
}

// Status reports the page readiness.
func (p *Page) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// KindStatus marks status transitions published on the store bus.
const KindStatus = "status"

func (p *Page) setStatus(st Status) {
	p.mu.Lock()
	p.status = st
	p.mu.Unlock()
	p.store.Bus().Publish(store.Change{Kind: KindStatus, New: st})
}

// Result returns the compiled page, or nil before a successful bootstrap.
func (p *Page) Result() *compiler.Result {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.result
}

// Config returns the page configuration.
func (p *Page) Config() pageconfig.Page { return p.cfg }

// Store returns the page's filter store.
func (p *Page) Store() *store.Store { return p.store }

// ErrUnknownFilter is returned for writes to a filter id the page lacks.
var ErrUnknownFilter = errors.New("unknown filter")

// ErrNotReady is returned for writes before the page is ready.
var ErrNotReady = errors.New("page not ready")

// ErrOutOfDomain is returned for values outside a filter's domain.
var ErrOutOfDomain = errors.New("value outside filter domain")

// SetFilter writes a filter value from outside the map, runs its actions
// and reports whether anything changed. Nil clears the filter.
func (p *Page) SetFilter(id string, v any) (bool, error) {
	res := p.Result()
	if res == nil {
		return false, ErrNotReady
	}
	f, ok := res.Filter(id)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownFilter, id)
	}
	if v != nil {
		items, isList := v.([]any)
		if !isList {
			items = []any{v}
		}
		for _, item := range items {
			if !f.Contains(item) {
				return false, fmt.Errorf("%w: %s=%v", ErrOutOfDomain, id, item)
			}
		}
	}
	changed := p.store.SetFilter(id, v)
	if v == nil {
		changed = actions.Clear(p.store, f.Config) || changed
	} else {
		changed = actions.Run(p.store, f.Config, v) || changed
	}
	return changed, nil
}

// QueryString encodes the current filter values for sharing.
func (p *Page) QueryString() string {
	res := p.Result()
	if res == nil {
		return ""
	}
	return p.store.QueryString(res.IDs)
}

// Layers reports the state of every synced layer. It waits for the loop.
func (p *Page) Layers(ctx context.Context) ([]layers.Info, error) {
	ch := make(chan []layers.Info, 1)
	p.opts.Executor.Post(func() { ch <- p.layers.Layers() })
	select {
	case infos := <-ch:
		return infos, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TransformRequest augments a tile request of a surface with its viewport.
func (p *Page) TransformRequest(surfaceID, rawURL string) string {
	return p.layers.TransformRequest(surfaceID, rawURL)
}

// changed reacts to store writes. Filters without actions feed their
// target visualisations directly; layer paths are re-resolved once per
// burst of writes.
func (p *Page) changed(c store.Change) {
	if c.Kind != store.KindFilter {
		return
	}
	res := p.Result()
	if res == nil {
		return
	}
	if f, ok := res.Filter(c.Key); ok && len(f.Config.Actions) == 0 {
		for _, t := range f.Config.Targets {
			if t.Type != "" && t.Type != "queryParam" {
				continue
			}
			param := t.Param
			if param == "" {
				param = f.Config.ParamName
			}
			p.store.SetQueryParam(t.Name, param, c.New)
		}
	}
	if p.queued.CompareAndSwap(false, true) {
		p.opts.Executor.Post(p.resync)
	}
}

func (p *Page) resync() {
	p.queued.Store(false)
	res := p.Result()
	if res == nil {
		return
	}
	values := res.ParamValues(p.store)
	for _, cfg := range p.cfg.Layers {
		p.sync(layers.Resolve(cfg, values))
	}
}

func (p *Page) sync(def layers.Definition) {
	if err := p.layers.Sync(def); err != nil {
		p.logger.Warn("layer sync failed", "layer", def.Config.Name, "err", err)
		p.opts.OnError(err)
	}
}

// mounted refreshes the labels of a newly mounted labelable layer.
func (p *Page) mounted(s surface.Surface, cfg pageconfig.Layer) {
	if !cfg.ShouldHaveLabel {
		return
	}
	if v := p.views[s.ID()]; v != nil && v.labels != nil {
		v.labels.ZoomChanged()
	}
}

// Attach registers a surface, mounts the current layers on it and, once
// the page is ready, starts its engines.
func (p *Page) Attach(s surface.Surface) *View {
	if v, ok := p.views[s.ID()]; ok {
		return v
	}
	v := &View{Surface: s, Popup: hover.NewPopupState(nil), page: p}
	p.views[s.ID()] = v
	p.order = append(p.order, s.ID())
	p.layers.Attach(s)
	if p.Status().State == StateReady {
		p.wire(v)
	}
	return v
}

// View returns the view of an attached surface.
func (p *Page) View(surfaceID string) (*View, bool) {
	v, ok := p.views[surfaceID]
	return v, ok
}

// Detach stops a surface's engines and unmounts its layers.
func (p *Page) Detach(surfaceID string) {
	v, ok := p.views[surfaceID]
	if !ok {
		return
	}
	v.stop()
	p.layers.Detach(surfaceID)
	delete(p.views, surfaceID)
	p.order = slices.DeleteFunc(p.order, func(id string) bool { return id == surfaceID })
}

// Teardown clears the selections, detaches every surface and stops reacting
// to the store. It is idempotent.
func (p *Page) Teardown() {
	if p.unsubscribe != nil {
		p.unsubscribe()
		p.unsubscribe = nil
	}
	for _, layer := range slices.Sorted(maps.Keys(p.store.Selections())) {
		p.store.Deselect(layer)
	}
	for _, id := range slices.Clone(p.order) {
		p.views[id].stop()
	}
	p.layers.Teardown()
	p.views = map[string]*View{}
	p.order = nil
}
