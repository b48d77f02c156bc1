package pageconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePage = `
name: Bus Accessibility
layout: dual
layers:
  - name: zones
    path: /tiles/zones/{z}/{x}/{y}?year={year}
    sourceLayer: zones
    isHoverable: true
    hoverNulls: false
  - name: stops
    geometryType: point
    path: /api/stops
filters:
  - filterName: Year
    paramName: year
    type: dropdown
    defaultValue: 2018
    values:
      values:
        - {displayValue: "2018", paramValue: 2018}
  - filterName: Zone
    paramName: zoneId
    type: map
    layer: zones
    field: id
metadataTables:
  - name: years
    path: /api/meta/years
`

func TestParseYAMLAppliesDefaults(t *testing.T) {
	page, err := Parse([]byte(samplePage), ".yaml")
	require.NoError(t, err)

	assert.True(t, page.Dual())
	require.Len(t, page.Layers, 2)

	zones := page.Layers[0]
	assert.Equal(t, SourceTile, zones.Type)
	assert.Equal(t, GeometryPolygon, zones.GeometryType)
	assert.False(t, zones.HoverNullValues())
	assert.True(t, zones.ShowInLegend())
	assert.Equal(t, 0.65, zones.DefaultOpacity)

	assert.Equal(t, SourceGeoJSON, page.Layers[1].Type)

	year := page.Filters[0]
	assert.Equal(t, float64(2018), year.DefaultValue)
	assert.Equal(t, ValuesLocal, year.Values.Source)
	assert.Equal(t, float64(2018), year.Values.Values[0].Value)
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "page.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"name":"p","layers":[{"name":"a","path":"/a.geojson"}],"filters":[]}`), 0o644))

	page, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "single", page.Layout)
	assert.Equal(t, SourceGeoJSON, page.Layers[0].Type)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		page Page
	}{
		{"duplicate layer", Page{Layers: []Layer{{Name: "a", Path: "/a", GeometryType: GeometryPoint}, {Name: "a", Path: "/b", GeometryType: GeometryPoint}}}},
		{"missing path", Page{Layers: []Layer{{Name: "a", GeometryType: GeometryPoint}}}},
		{"map filter unknown layer", Page{Filters: []Filter{{Name: "f", ParamName: "p", Type: FilterMap, Layer: "nope"}}}},
		{"unknown table", Page{Filters: []Filter{{Name: "f", ParamName: "p", Values: Values{Source: ValuesMetadataTable, MetadataTable: "t"}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.page.Validate())
		})
	}
}

func TestPredicateMatch(t *testing.T) {
	row := map[string]any{"mode": "bus", "year": float64(2019)}

	assert.True(t, Predicate{Column: "mode", Value: "bus"}.Match(row))
	assert.False(t, Predicate{Column: "mode", Operator: "!=", Value: "bus"}.Match(row))
	assert.True(t, Predicate{Column: "mode", Operator: "in", Value: []any{"rail", "bus"}}.Match(row))
	assert.True(t, Predicate{Column: "year", Operator: ">=", Value: 2019}.Match(row))
	assert.False(t, Predicate{Column: "year", Operator: "<", Value: 2000}.Match(row))
	assert.False(t, Predicate{Column: "missing", Operator: ">", Value: 1}.Match(row))
}

func TestCompare(t *testing.T) {
	assert.Equal(t, -1, Compare(2, 10))
	assert.Equal(t, -1, Compare("2", "10"))
	assert.Equal(t, 1, Compare("b", "a"))
	assert.Equal(t, 0, Compare(3, float64(3)))
}
