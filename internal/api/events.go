package api

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/Transport-for-the-North/vis-core-sub002/internal/compiler"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/humastar"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/page"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/store"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/tooltip"
)

// StatusSelector is the element the configuration error overlay is patched
// into.
const StatusSelector = "#page-status"

// RegisterEvents registers the Datastar event stream.
func (h *APIHandler) RegisterEvents(api huma.API) {
	huma.Get(api, "/api/v1/events", h.Events, huma.OperationTags("events"))
}

// Events streams the page state as Datastar signals: once on connect, then
// after every store change or status transition.
func (h *APIHandler) Events(ctx context.Context, input *struct{}) (*huma.StreamResponse, error) {
	return humastar.Stream(func(sse humastar.SSE) {
		bus := h.page.Store().Bus()
		ch := bus.Subscribe()
		defer bus.Unsubscribe(ch)

		if err := h.send(sse); err != nil {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-ch:
				if !ok {
					return
				}
				switch c.Kind {
				case store.KindFilter, store.KindSelection, store.KindQueryParam, page.KindStatus:
					if err := h.send(sse); err != nil {
						return
					}
				}
			}
		}
	}), nil
}

func (h *APIHandler) send(sse humastar.SSE) error {
	st := h.page.Status()
	if st.State == page.StateBlocked {
		if err := sse.Patch(string(h.renderer.Blocked(problems(st.Tables))), StatusSelector); err != nil {
			return err
		}
	}
	if st.Error != "" {
		if err := sse.Error(st.Error); err != nil {
			return err
		}
	}
	return sse.Signals(map[string]any{
		"status":      st.State,
		"filters":     h.page.Store().Filters(),
		"selected":    h.page.Store().Selections(),
		"queryString": h.page.QueryString(),
	})
}

func problems(tables []compiler.TableProblem) []tooltip.Problem {
	out := make([]tooltip.Problem, len(tables))
	for i, t := range tables {
		out[i] = tooltip.Problem{Table: t.Table, Reason: t.Reason}
	}
	return out
}
