package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"

	"github.com/Transport-for-the-North/vis-core-sub002/internal/api"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/metrics"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/page"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/tooltip"
)

// Config holds the server configuration.
type Config struct {
	Host string
	Port string
	// DataURL and DataDir are reported by the info endpoint.
	DataURL string
	DataDir string
	DB      bool
}

// Server is the page-state HTTP server.
type Server struct {
	config  Config
	mux     *http.ServeMux
	humaAPI huma.API
	page    *page.Page
	metrics *metrics.Collector
}

// New creates a server exposing p. A nil renderer uses the embedded
// fragments; a nil collector disables /metrics.
func New(cfg Config, p *page.Page, renderer *tooltip.Renderer, m *metrics.Collector) (*Server, error) {
	if renderer == nil {
		r, err := tooltip.New()
		if err != nil {
			return nil, fmt.Errorf("loading fragments: %w", err)
		}
		renderer = r
	}
	mux := http.NewServeMux()

	// Create Huma API with humago (pure stdlib) adapter
	humaConfig := huma.DefaultConfig("viscore API", api.Version)
	humaConfig.Info.Description = "State of a running map page: filters, layers and metadata tables."
	humaConfig.Servers = []*huma.Server{
		{URL: fmt.Sprintf("http://%s:%s", cfg.Host, cfg.Port), Description: "Local server"},
	}
	// Disable $schema property in responses (cleaner JSON)
	humaConfig.CreateHooks = []func(huma.Config) huma.Config{}
	humaConfig.Transformers = append(humaConfig.Transformers, api.LinkTransformer())

	s := &Server{
		config:  cfg,
		mux:     mux,
		humaAPI: humago.New(mux, humaConfig),
		page:    p,
		metrics: m,
	}
	s.routes(renderer)
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// OpenAPI returns the API description.
func (s *Server) OpenAPI() *huma.OpenAPI {
	return s.humaAPI.OpenAPI()
}

func (s *Server) routes(renderer *tooltip.Renderer) {
	huma.AutoRegister(s.humaAPI, api.NewAPIHandler(s.page, renderer))
	api.NewInfoHandler(s.page.Config().Name, s.config.DataURL, s.config.DataDir, s.config.DB).RegisterRoutes(s.humaAPI)

	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}
	s.mux.HandleFunc("/", s.handleRoot)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"service": "viscore",
		"page":    s.page.Config().Name,
		"status":  s.page.Status().State,
	})
}
