package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Transport-for-the-North/vis-core-sub002/internal/dataclient/dataclienttest"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/logging"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/loop"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/metrics"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/page"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/pageconfig"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/surface"
)

func testPage() pageconfig.Page {
	return pageconfig.Page{
		Name: "flows",
		Layers: []pageconfig.Layer{
			{Name: "zones", Type: pageconfig.SourceTile, GeometryType: pageconfig.GeometryPolygon, Path: "/tiles/{z}/{x}/{y}?year={year}", SourceLayer: "zones"},
		},
		MetadataTables: []pageconfig.MetadataTable{{Name: "zones", Path: "/meta/zones"}},
		Filters: []pageconfig.Filter{
			{Name: "Year", ParamName: "year", Type: pageconfig.FilterDropdown, Values: pageconfig.Values{
				Source: pageconfig.ValuesLocal,
				Values: []pageconfig.Option{{Display: "2018", Value: 2018}, {Display: "2030", Value: 2030}},
			}},
		},
	}
}

func newServer(t *testing.T, zones []any) (*Server, *page.Page) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	l := loop.New(0)
	go l.Run(ctx)

	fake := dataclienttest.New()
	fake.Respond("/meta/zones", zones)
	m := metrics.NewCollector("test")
	p, err := page.New(testPage(), page.Options{Executor: l, Fetcher: fake, Logger: logging.Discard(), Metrics: m})
	require.NoError(t, err)
	require.NoError(t, l.Do(ctx, func() { p.Attach(surface.NewMemory("main")) }))
	_ = p.Bootstrap(ctx)
	if len(zones) > 0 {
		require.Eventually(t, func() bool { return p.Status().State == page.StateReady }, time.Second, 5*time.Millisecond)
	}

	srv, err := New(Config{Host: "localhost", Port: "8090"}, p, nil, m)
	require.NoError(t, err)
	return srv, p
}

func do(t *testing.T, srv http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
}

func TestHealth(t *testing.T) {
	srv, _ := newServer(t, []any{map[string]any{"code": "E01"}})
	rec := do(t, srv, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct{ Status, Page string }
	decode(t, rec, &body)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, page.StateReady, body.Page)
	assert.Contains(t, rec.Header().Values("Link"), `</api/v1/page>; rel="page"`)
}

func TestFiltersRoundTrip(t *testing.T) {
	srv, _ := newServer(t, []any{map[string]any{"code": "E01"}})

	var filters []struct {
		ID     string
		Value  any
		Domain []any
	}
	decode(t, do(t, srv, http.MethodGet, "/api/v1/filters", ""), &filters)
	require.Len(t, filters, 1)
	assert.Equal(t, "year", filters[0].ID)
	assert.Equal(t, 2018.0, filters[0].Value)
	assert.Equal(t, []any{2018.0, 2030.0}, filters[0].Domain)

	rec := do(t, srv, http.MethodPut, "/api/v1/filters/year", `{"value": 2030}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated struct {
		Changed     bool
		QueryString string
	}
	decode(t, rec, &updated)
	assert.True(t, updated.Changed)
	assert.Equal(t, "year=2030", updated.QueryString)

	assert.Equal(t, http.StatusUnprocessableEntity, do(t, srv, http.MethodPut, "/api/v1/filters/year", `{"value": 1999}`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPut, "/api/v1/filters/speed", `{"value": 1}`).Code)

	var qs struct{ QueryString string }
	decode(t, do(t, srv, http.MethodGet, "/api/v1/query-string", ""), &qs)
	assert.Equal(t, "year=2030", qs.QueryString)
}

func TestLayersAndTables(t *testing.T) {
	srv, _ := newServer(t, []any{map[string]any{"code": "E01"}, map[string]any{"code": "E02"}})

	var infos []struct {
		Name, Path, State string
		Surfaces          []string
	}
	decode(t, do(t, srv, http.MethodGet, "/api/v1/layers", ""), &infos)
	require.Len(t, infos, 1)
	assert.Equal(t, "zones", infos[0].Name)
	assert.Equal(t, "/tiles/{z}/{x}/{y}?year=2018", infos[0].Path)
	assert.Equal(t, "mounted", infos[0].State)
	assert.Equal(t, []string{"main"}, infos[0].Surfaces)

	var tables struct {
		Tables []struct {
			Name string
			Rows int
		}
	}
	decode(t, do(t, srv, http.MethodGet, "/api/v1/tables", ""), &tables)
	require.Len(t, tables.Tables, 1)
	assert.Equal(t, 2, tables.Tables[0].Rows)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/api/v1/tables/nope", "").Code)
}

func TestBlockedPage(t *testing.T) {
	srv, p := newServer(t, []any{})
	assert.Equal(t, page.StateBlocked, p.Status().State)

	var body struct {
		Status struct {
			State  string
			Tables []struct{ Table, Reason string }
		}
	}
	decode(t, do(t, srv, http.MethodGet, "/api/v1/page", ""), &body)
	assert.Equal(t, page.StateBlocked, body.Status.State)
	require.Len(t, body.Status.Tables, 1)
	assert.Equal(t, "zones", body.Status.Tables[0].Table)

	assert.Equal(t, http.StatusServiceUnavailable, do(t, srv, http.MethodGet, "/api/v1/filters", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, srv, http.MethodPut, "/api/v1/filters/year", `{"value": 2030}`).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newServer(t, []any{})
	rec := do(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_compiler_configuration_errors_total 1")
}

func TestEventsStreamReportsBlockedPage(t *testing.T) {
	srv, _ := newServer(t, []any{})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, "#page-status")
	assert.Contains(t, body, `"error":"configuration error: metadata tables unusable: zones (empty)"`)
	assert.Contains(t, body, `"status":"blocked"`)
}
