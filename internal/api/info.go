package api

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
)

type InfoHandler struct {
	page    string
	dataURL string
	dataDir string
	dbOK    bool
}

func NewInfoHandler(page, dataURL, dataDir string, dbOK bool) *InfoHandler {
	return &InfoHandler{page: page, dataURL: dataURL, dataDir: dataDir, dbOK: dbOK}
}

func (h *InfoHandler) RegisterRoutes(api huma.API) {
	huma.Get(api, "/api/v1/info", h.GetInfo, huma.OperationTags("health"))
}

type InfoBody struct {
	Name     string   `json:"name" doc:"Service name"`
	Version  string   `json:"version" doc:"Service version"`
	Page     string   `json:"page" doc:"Configured page name"`
	DataURL  string   `json:"data_url,omitempty" doc:"Data collaborator base URL"`
	DataDir  string   `json:"data_dir,omitempty" doc:"Local metadata table directory"`
	DB       bool     `json:"db" doc:"Whether local metadata tables are available"`
	Features []string `json:"features" doc:"Available features"`
}

func (h *InfoHandler) GetInfo(ctx context.Context, input *struct{}) (*struct{ Body InfoBody }, error) {
	features := []string{"filters", "layers", "events", "metrics"}
	if h.dbOK {
		features = append(features, "duckdb")
	}
	return &struct{ Body InfoBody }{Body: InfoBody{
		Name:     "viscore",
		Version:  Version,
		Page:     h.page,
		DataURL:  h.dataURL,
		DataDir:  h.dataDir,
		DB:       h.dbOK,
		Features: features,
	}}, nil
}
