// Package api defines the Huma routes that expose the state of a running
// page: its compiled configuration, filter values, layer states and a
// Datastar event stream of store changes.
package api

import (
	"context"
	"errors"
	"sort"

	"github.com/danielgtaylor/huma/v2"

	"github.com/Transport-for-the-North/vis-core-sub002/internal/compiler"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/layers"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/page"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/tooltip"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Types

type IDInput struct {
	ID string `path:"id" doc:"Filter ID" example:"year"`
}

type HealthBody struct {
	Status  string `json:"status" doc:"Health status" example:"ok"`
	Version string `json:"version" doc:"API version" example:"1.0.0"`
	Page    string `json:"page" doc:"Page readiness" enum:"loading,ready,blocked"`
}

type PageBody struct {
	Name   string                        `json:"name" doc:"Page name"`
	Layout string                        `json:"layout,omitempty" doc:"single or dual"`
	Status page.Status                   `json:"status"`
	IDs    map[string]string             `json:"ids,omitempty" doc:"Param name to filter id"`
	Params map[string]compiler.VisParams `json:"params,omitempty" doc:"Accepted parameters per visualisation"`
}

type FilterBody struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Param  string `json:"paramName"`
	Type   string `json:"type"`
	Side   string `json:"side,omitempty"`
	Value  any    `json:"value,omitempty"`
	Domain []any  `json:"domain,omitempty"`
}

type FilterValueBody struct {
	Value any `json:"value,omitempty" doc:"New value; null or absent clears the filter"`
}

type FilterUpdatedBody struct {
	Changed     bool   `json:"changed"`
	QueryString string `json:"queryString"`
}

type QueryStringBody struct {
	QueryString string `json:"queryString" doc:"Shareable encoding of the filter values" example:"year=2030&mode=bus,rail"`
}

// APIHandler holds the page-state handlers. Methods named Register* are
// auto-discovered by huma.AutoRegister.
type APIHandler struct {
	page     *page.Page
	renderer *tooltip.Renderer
}

func NewAPIHandler(p *page.Page, renderer *tooltip.Renderer) *APIHandler {
	return &APIHandler{page: p, renderer: renderer}
}

// RegisterHealth registers health check routes.
func (h *APIHandler) RegisterHealth(api huma.API) {
	huma.Get(api, "/health", h.GetHealth, huma.OperationTags("health"))
}

// RegisterPage registers page routes.
func (h *APIHandler) RegisterPage(api huma.API) {
	huma.Get(api, "/api/v1/page", h.GetPage, huma.OperationTags("page"))
	huma.Get(api, "/api/v1/query-string", h.GetQueryString, huma.OperationTags("page"))
}

// RegisterFilters registers filter routes.
func (h *APIHandler) RegisterFilters(api huma.API) {
	huma.Get(api, "/api/v1/filters", h.GetFilters, huma.OperationTags("filters"))
	huma.Put(api, "/api/v1/filters/{id}", h.PutFilter, huma.OperationTags("filters"))
}

// RegisterLayers registers layer state routes.
func (h *APIHandler) RegisterLayers(api huma.API) {
	huma.Get(api, "/api/v1/layers", h.GetLayers, huma.OperationTags("layers"))
}

// Handlers

func (h *APIHandler) GetHealth(ctx context.Context, input *struct{}) (*struct{ Body HealthBody }, error) {
	return &struct{ Body HealthBody }{Body: HealthBody{
		Status:  "ok",
		Version: Version,
		Page:    h.page.Status().State,
	}}, nil
}

func (h *APIHandler) GetPage(ctx context.Context, input *struct{}) (*struct{ Body PageBody }, error) {
	cfg := h.page.Config()
	body := PageBody{Name: cfg.Name, Layout: cfg.Layout, Status: h.page.Status()}
	if res := h.page.Result(); res != nil {
		body.IDs = res.IDs
		body.Params = res.Params
	}
	return &struct{ Body PageBody }{Body: body}, nil
}

func (h *APIHandler) GetFilters(ctx context.Context, input *struct{}) (*struct{ Body []FilterBody }, error) {
	res := h.page.Result()
	if res == nil {
		return nil, huma.Error503ServiceUnavailable("page not ready")
	}
	values := h.page.Store().Filters()
	out := make([]FilterBody, 0, len(res.Filters))
	for _, f := range res.Filters {
		out = append(out, FilterBody{
			ID:     f.ID,
			Name:   f.Config.Name,
			Param:  f.Config.ParamName,
			Type:   f.Config.Type,
			Side:   f.Side,
			Value:  values[f.ID],
			Domain: f.Values(),
		})
	}
	return &struct{ Body []FilterBody }{Body: out}, nil
}

func (h *APIHandler) PutFilter(ctx context.Context, input *struct {
	IDInput
	Body FilterValueBody
}) (*struct{ Body FilterUpdatedBody }, error) {
	changed, err := h.page.SetFilter(input.ID, input.Body.Value)
	switch {
	case errors.Is(err, page.ErrNotReady):
		return nil, huma.Error503ServiceUnavailable(err.Error())
	case errors.Is(err, page.ErrUnknownFilter):
		return nil, huma.Error404NotFound(err.Error())
	case errors.Is(err, page.ErrOutOfDomain):
		return nil, huma.Error422UnprocessableEntity(err.Error())
	case err != nil:
		return nil, huma.Error500InternalServerError("setting filter", err)
	}
	return &struct{ Body FilterUpdatedBody }{Body: FilterUpdatedBody{
		Changed:     changed,
		QueryString: h.page.QueryString(),
	}}, nil
}

func (h *APIHandler) GetLayers(ctx context.Context, input *struct{}) (*struct{ Body []layers.Info }, error) {
	infos, err := h.page.Layers(ctx)
	if err != nil {
		return nil, huma.Error503ServiceUnavailable("layer state unavailable", err)
	}
	if infos == nil {
		infos = []layers.Info{}
	}
	return &struct{ Body []layers.Info }{Body: infos}, nil
}

func (h *APIHandler) GetQueryString(ctx context.Context, input *struct{}) (*struct{ Body QueryStringBody }, error) {
	return &struct{ Body QueryStringBody }{Body: QueryStringBody{QueryString: h.page.QueryString()}}, nil
}

func sortedKeys(m map[string][]map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
