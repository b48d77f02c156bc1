// Package actions runs the follow-on effects a filter declares for when its
// value is written.
package actions

import (
	"github.com/Transport-for-the-North/vis-core-sub002/internal/pageconfig"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/store"
)

// Run applies every action of f for value and reports whether any
// visualisation query parameter changed.
func Run(st *store.Store, f pageconfig.Filter, value any) bool {
	changed := false
	for _, a := range f.Actions {
		for _, t := range targets(f, a) {
			switch a.Action {
			case pageconfig.ActionUpdateQueryParams:
				changed = st.SetQueryParam(t.vis, t.param, value) || changed
			case pageconfig.ActionClearQueryParams:
				changed = st.ClearQueryParam(t.vis, t.param) || changed
			}
		}
	}
	return changed
}

// Clear removes the query parameters f's update actions write.
func Clear(st *store.Store, f pageconfig.Filter) bool {
	changed := false
	for _, a := range f.Actions {
		if a.Action != pageconfig.ActionUpdateQueryParams {
			continue
		}
		for _, t := range targets(f, a) {
			changed = st.ClearQueryParam(t.vis, t.param) || changed
		}
	}
	return changed
}

type target struct {
	vis   string
	param string
}

// targets lists the (visualisation, param) pairs an action writes: the
// action's own visualisations, else the filter's targets. A target's Param
// overrides the filter's param name.
func targets(f pageconfig.Filter, a pageconfig.Action) []target {
	params := make(map[string]string, len(f.Targets))
	for _, t := range f.Targets {
		params[t.Name] = t.Param
	}
	param := func(vis string) string {
		if p := params[vis]; p != "" {
			return p
		}
		return f.ParamName
	}

	var out []target
	if len(a.Visualisations) > 0 {
		for _, vis := range a.Visualisations {
			out = append(out, target{vis: vis, param: param(vis)})
		}
		return out
	}
	for _, t := range f.Targets {
		out = append(out, target{vis: t.Name, param: param(t.Name)})
	}
	return out
}
