package compiler

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Transport-for-the-North/vis-core-sub002/internal/dataclient"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/pageconfig"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/pathtmpl"
)

// Sides of a dual-layout filter.
const (
	SideLeft  = "left"
	SideRight = "right"
	SideBoth  = "both"
)

// Filter is a compiled filter.
type Filter struct {
	ID     string              `json:"id"`
	Config pageconfig.Filter   `json:"config"`
	Domain []pageconfig.Option `json:"domain,omitempty"`
	// Side is set on dual layouts only.
	Side string `json:"side,omitempty"`
}

// Contains reports whether v is in the domain. Filters without a domain
// accept anything.
func (f Filter) Contains(v any) bool {
	if len(f.Domain) == 0 {
		return true
	}
	return slices.ContainsFunc(f.Domain, func(o pageconfig.Option) bool { return pageconfig.Equal(o.Value, v) })
}

// Values returns every domain value in order.
func (f Filter) Values() []any {
	out := make([]any, len(f.Domain))
	for i, o := range f.Domain {
		out[i] = o.Value
	}
	return out
}

var nonIdent = regexp.MustCompile(`[^a-z0-9]+`)

// assignIDs gives every filter a deterministic id derived from its param
// name, suffixed on collision, and builds the paramName to id map. The first
// filter of a param name owns it in the map.
func assignIDs(cfgs []pageconfig.Filter) ([]Filter, map[string]string) {
	used := map[string]bool{}
	ids := map[string]string{}
	out := make([]Filter, len(cfgs))
	for i, cfg := range cfgs {
		base := strings.Trim(nonIdent.ReplaceAllString(strings.ToLower(cfg.ParamName), "-"), "-")
		if base == "" {
			base = "filter"
		}
		id := base
		for n := 2; used[id]; n++ {
			id = fmt.Sprintf("%s-%d", base, n)
		}
		used[id] = true
		if _, ok := ids[cfg.ParamName]; !ok {
			ids[cfg.ParamName] = id
		}
		out[i] = Filter{ID: id, Config: cfg}
	}
	return out, ids
}

// sideSuffixes mark paired-scenario filters of a dual layout.
var sideSuffixes = []struct{ suffix, side string }{
	{"_left", SideLeft}, {"left", SideLeft},
	{"_right", SideRight}, {"right", SideRight},
}

// Side tags a param name by naming convention: a "Left"/"Right" (or
// "_left"/"_right") suffix pairs the filter with one surface, anything else
// drives both.
func Side(paramName string) string {
	lower := strings.ToLower(paramName)
	for _, s := range sideSuffixes {
		if strings.HasSuffix(lower, s.suffix) && len(lower) > len(s.suffix) {
			return s.side
		}
	}
	return SideBoth
}

// StripSide removes a paired-scenario suffix from a field name.
func StripSide(name string) string {
	lower := strings.ToLower(name)
	for _, s := range sideSuffixes {
		if strings.HasSuffix(lower, s.suffix) && len(lower) > len(s.suffix) {
			return name[:len(name)-len(s.suffix)]
		}
	}
	return name
}

// buildDomains fills every filter's value domain. API-derived domains are
// looked up concurrently; a failed lookup leaves an empty domain.
func (c *compilation) buildDomains(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i := range c.result.Filters {
		f := &c.result.Filters[i]
		v := f.Config.Values
		switch v.Source {
		case pageconfig.ValuesMetadataTable:
			f.Domain = finish(v, tableDomain(v, c.result.Tables[v.MetadataTable]))
		case pageconfig.ValuesAPI:
			g.Go(func() error {
				opts, err := c.apiDomain(gctx, f.Config)
				if err != nil {
					if dataclient.IsAbort(err) {
						return err
					}
					c.logger.Warn("distinct values lookup failed", "filter", f.ID, "err", err)
					return nil
				}
				f.Domain = finish(v, opts)
				return nil
			})
		default:
			f.Domain = finish(v, slices.Clone(v.Values))
		}
	}
	return g.Wait()
}

func tableDomain(v pageconfig.Values, rows []map[string]any) []pageconfig.Option {
	display := v.DisplayColumn
	if display == "" {
		display = v.ParamColumn
	}
	var out []pageconfig.Option
	for _, row := range rows {
		if !pageconfig.MatchAll(v.Where, row) {
			continue
		}
		val, ok := row[v.ParamColumn]
		if !ok || val == nil {
			continue
		}
		out = append(out, pageconfig.Option{Display: fmt.Sprint(row[display]), Value: pageconfig.Normalize(val)})
	}
	return out
}

// apiDomain fetches distinct values of the filter's field. Paired-scenario
// suffixes are stripped from the field first, so "yearLeft" reads "year".
func (c *compilation) apiDomain(ctx context.Context, f pageconfig.Filter) ([]pageconfig.Option, error) {
	field := f.Values.Field
	if field == "" {
		field = f.ParamName
	}
	field = StripSide(field)

	path, _ := pathtmpl.Resolve(f.Values.Path, map[string]any{"field": field})
	list, err := dataclient.GetList(ctx, c.opts.Fetcher, dataclient.Request{Path: path})
	if err != nil {
		return nil, fmt.Errorf("distinct values for %q: %w", field, err)
	}
	var out []pageconfig.Option
	for _, item := range list {
		val := item
		if row, ok := item.(map[string]any); ok {
			val = row[field]
		}
		if val == nil {
			continue
		}
		out = append(out, pageconfig.Option{Display: fmt.Sprint(val), Value: pageconfig.Normalize(val)})
	}
	return out, nil
}

// finish deduplicates by value (first display wins), drops excluded values
// and sorts.
func finish(v pageconfig.Values, opts []pageconfig.Option) []pageconfig.Option {
	out := make([]pageconfig.Option, 0, len(opts))
	for _, o := range opts {
		o.Value = pageconfig.Normalize(o.Value)
		if slices.ContainsFunc(out, func(p pageconfig.Option) bool { return pageconfig.Equal(p.Value, o.Value) }) {
			continue
		}
		if slices.ContainsFunc(v.Exclude, func(x any) bool { return pageconfig.Equal(x, o.Value) }) {
			continue
		}
		out = append(out, o)
	}

	desc := strings.HasPrefix(v.SortBy, "-")
	switch strings.TrimPrefix(v.SortBy, "-") {
	case "display":
		slices.SortStableFunc(out, func(a, b pageconfig.Option) int { return sign(desc) * strings.Compare(a.Display, b.Display) })
	case "value":
		slices.SortStableFunc(out, func(a, b pageconfig.Option) int { return sign(desc) * pageconfig.Compare(a.Value, b.Value) })
	}
	return out
}

func sign(desc bool) int {
	if desc {
		return -1
	}
	return 1
}

// seed picks a filter's initial value: a URL-provided value inside the
// domain, else unset for blank-on-init, every value for multi-select
// select-all, the declared default, the declared minimum, or the first
// domain value.
func seed(f Filter, fromURL any, hasURL bool) (any, bool) {
	cfg := f.Config
	if hasURL {
		if v, ok := matchURL(f, fromURL); ok {
			return v, true
		}
	}

	switch cfg.Type {
	case pageconfig.FilterMap, pageconfig.FilterViewport:
		if cfg.DefaultValue != nil {
			return cfg.DefaultValue, true
		}
		return nil, false
	}

	switch {
	case cfg.ShouldBeBlankOnInit:
		return nil, false
	case cfg.MultiSelect && cfg.SelectAll:
		if len(f.Domain) == 0 {
			return nil, false
		}
		return f.Values(), true
	case cfg.DefaultValue != nil:
		return multi(cfg, cfg.DefaultValue), true
	case cfg.Min != nil:
		return multi(cfg, *cfg.Min), true
	case len(f.Domain) > 0:
		return multi(cfg, lowest(f.Domain)), true
	}
	return nil, false
}

// lowest is the smallest value of a numeric domain, or the first value of
// any other domain.
func lowest(domain []pageconfig.Option) any {
	v := domain[0].Value
	for _, o := range domain {
		if !pageconfig.IsNumeric(o.Value) {
			return domain[0].Value
		}
		if pageconfig.Compare(o.Value, v) < 0 {
			v = o.Value
		}
	}
	return v
}

func multi(cfg pageconfig.Filter, v any) any {
	if !cfg.MultiSelect {
		return v
	}
	if list, ok := v.([]any); ok {
		return list
	}
	return []any{v}
}

// matchURL maps raw URL strings onto typed domain values. Every element of a
// multi-valued entry must lie in the domain.
func matchURL(f Filter, raw any) (any, bool) {
	items, isList := raw.([]any)
	if !isList {
		items = []any{raw}
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		v, ok := lookup(f, item)
		if !ok {
			return nil, false
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, false
	}
	if f.Config.MultiSelect {
		return out, true
	}
	if len(out) != 1 {
		return nil, false
	}
	return out[0], true
}

func lookup(f Filter, item any) (any, bool) {
	s, ok := pathtmpl.Format(item)
	if !ok {
		return nil, false
	}
	if len(f.Domain) == 0 {
		return item, true
	}
	for _, o := range f.Domain {
		if str, ok := pathtmpl.Format(o.Value); ok && str == s {
			return o.Value, true
		}
	}
	return nil, false
}
