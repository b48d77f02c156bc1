// Package compiler turns a declarative page configuration into runtime
// state: resolved layer definitions, accepted visualisation parameters,
// loaded metadata tables, filter domains, filter ids and initial filter
// values.
//
// Compile runs once per page mount and either returns a ready Result or an
// error; a *ConfigurationError leaves the page blocked.
package compiler

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/danielgtaylor/huma/v2"

	"github.com/Transport-for-the-North/vis-core-sub002/internal/dataclient"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/layers"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/logging"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/metrics"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/pageconfig"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/pathtmpl"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/store"
)

// Options configures a compilation.
type Options struct {
	Fetcher dataclient.Fetcher
	// Tables loads metadata tables; defaults to RemoteTables over Fetcher.
	Tables TableSource
	// Query is a shared page query string (see store.QueryString) whose
	// values take precedence over defaults when they lie in the domain.
	Query string
	// Concurrency bounds parallel fetches.
	Concurrency int
	Logger      *log.Logger
	Metrics     *metrics.Collector
}

// Result is the compiled runtime state of a page.
type Result struct {
	Page pageconfig.Page `json:"-"`
	// Layers holds every layer resolved against the initial values, in
	// declaration order. Layers with Missing params stay unmounted.
	Layers  []layers.Definition         `json:"layers"`
	Params  map[string]VisParams        `json:"params"`
	Tables  map[string][]map[string]any `json:"-"`
	Filters []Filter                    `json:"filters"`
	// IDs maps param name to filter id.
	IDs map[string]string `json:"ids"`
	// Values holds the initial value of every seeded filter by id.
	Values map[string]any `json:"values"`
	Ready  bool           `json:"ready"`
}

// Filter returns a compiled filter by id.
func (r *Result) Filter(id string) (Filter, bool) {
	for _, f := range r.Filters {
		if f.ID == id {
			return f, true
		}
	}
	return Filter{}, false
}

// ParamValues maps the values of st to param names.
func (r *Result) ParamValues(st *store.Store) map[string]any {
	return st.ParamValues(r.IDs)
}

// Seed writes the initial values into st.
func (r *Result) Seed(st *store.Store) {
	for _, f := range r.Filters {
		if v, ok := r.Values[f.ID]; ok {
			st.SetFilter(f.ID, v)
		}
	}
}

type compilation struct {
	page   pageconfig.Page
	opts   Options
	logger *log.Logger
	result *Result
}

// Compile runs the bootstrap pipeline.
func Compile(ctx context.Context, page pageconfig.Page, opts Options) (*Result, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Tables == nil {
		opts.Tables = RemoteTables{Fetcher: opts.Fetcher}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.FromContext(ctx)
	}
	c := &compilation{
		page:   page,
		opts:   opts,
		logger: logger.WithPrefix("compiler").With("page", page.Name),
		result: &Result{
			Page:   page,
			Params: map[string]VisParams{},
			Tables: map[string][]map[string]any{},
			Values: map[string]any{},
		},
	}

	c.deriveParams(ctx)

	if err := c.loadTables(ctx); err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			opts.Metrics.ConfigurationError()
			c.logger.Error("bootstrap aborted", "tables", cfgErr.Names())
		}
		return nil, err
	}

	c.result.Filters, c.result.IDs = assignIDs(page.Filters)
	if err := c.buildDomains(ctx); err != nil {
		return nil, err
	}
	if err := c.seed(); err != nil {
		return nil, err
	}
	if page.Dual() {
		for i := range c.result.Filters {
			c.result.Filters[i].Side = Side(c.result.Filters[i].Config.ParamName)
		}
	}
	c.resolveLayers()

	c.result.Ready = true
	c.logger.Info("page compiled",
		"layers", len(c.result.Layers),
		"filters", len(c.result.Filters),
		"tables", len(c.result.Tables))
	return c.result, nil
}

// deriveParams reads the API schema, if one is declared, and records the
// accepted params of every visualisation. A schema that cannot be fetched
// falls back to the data path templates.
func (c *compilation) deriveParams(ctx context.Context) {
	var doc *huma.OpenAPI
	if c.page.APISchemaPath != "" {
		var raw apiDoc
		err := c.opts.Fetcher.GetInto(ctx, dataclient.Request{Path: c.page.APISchemaPath, SkipAuth: true}, &raw)
		if err != nil {
			c.logger.Warn("api schema unavailable", "path", c.page.APISchemaPath, "err", err)
		} else {
			doc = raw.openAPI()
		}
	}
	for _, vis := range c.page.Visualisations {
		c.result.Params[vis.Name] = DeriveParams(doc, vis)
	}
}

func (c *compilation) seed() error {
	var fromURL map[string]any
	if c.opts.Query != "" {
		var err error
		fromURL, err = store.ParseQueryString(c.opts.Query, c.result.IDs)
		if err != nil {
			return fmt.Errorf("parsing page query string: %w", err)
		}
	}
	for _, f := range c.result.Filters {
		raw, hasURL := fromURL[f.ID]
		if v, ok := seed(f, raw, hasURL); ok {
			c.result.Values[f.ID] = pageconfig.Normalize(v)
		}
	}
	return nil
}

// resolveLayers resolves every layer path against the seeded values.
// Parameterless layers resolve trivially; the rest carry the names they
// still miss.
func (c *compilation) resolveLayers() {
	values := map[string]any{}
	for param, id := range c.result.IDs {
		if v, ok := c.result.Values[id]; ok {
			values[param] = v
		}
	}
	for _, cfg := range c.page.Layers {
		if len(pathtmpl.Placeholders(cfg.Path)) == 0 {
			c.result.Layers = append(c.result.Layers, layers.Definition{Config: cfg, Path: cfg.Path})
			continue
		}
		def := layers.Resolve(cfg, values)
		if len(def.Missing) > 0 {
			c.logger.Debug("layer waiting for params", "layer", cfg.Name, "missing", def.Missing)
		}
		c.result.Layers = append(c.result.Layers, def)
	}
}
