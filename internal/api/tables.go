package api

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
)

// TableSummary describes one loaded metadata table.
type TableSummary struct {
	Name string `json:"name" doc:"Metadata table name"`
	Rows int    `json:"rows" doc:"Rows kept after predicates"`
}

// TablesOutput is the response for listing tables.
type TablesOutput struct {
	Body struct {
		Tables []TableSummary `json:"tables" doc:"Loaded metadata tables"`
	}
}

// TableInput selects one metadata table.
type TableInput struct {
	Name string `path:"name" doc:"Metadata table name" example:"zones"`
}

// TableOutput is the response for reading a table.
type TableOutput struct {
	Body struct {
		Rows  []map[string]any `json:"rows" doc:"Table rows"`
		Count int              `json:"count" doc:"Number of rows returned"`
	}
}

// RegisterTables registers metadata table routes.
func (h *APIHandler) RegisterTables(api huma.API) {
	huma.Get(api, "/api/v1/tables", h.ListTables, huma.OperationTags("tables"))
	huma.Get(api, "/api/v1/tables/{name}", h.GetTable, huma.OperationTags("tables"))
}

// ListTables returns the metadata tables loaded at bootstrap.
func (h *APIHandler) ListTables(ctx context.Context, input *struct{}) (*TablesOutput, error) {
	res := h.page.Result()
	if res == nil {
		return nil, huma.Error503ServiceUnavailable("page not ready")
	}
	out := &TablesOutput{}
	out.Body.Tables = []TableSummary{}
	for _, name := range sortedKeys(res.Tables) {
		out.Body.Tables = append(out.Body.Tables, TableSummary{Name: name, Rows: len(res.Tables[name])})
	}
	return out, nil
}

// GetTable returns the rows of one metadata table.
func (h *APIHandler) GetTable(ctx context.Context, input *TableInput) (*TableOutput, error) {
	res := h.page.Result()
	if res == nil {
		return nil, huma.Error503ServiceUnavailable("page not ready")
	}
	rows, ok := res.Tables[input.Name]
	if !ok {
		return nil, huma.Error404NotFound("table not found")
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	out := &TableOutput{}
	out.Body.Rows = rows
	out.Body.Count = len(rows)
	return out, nil
}
