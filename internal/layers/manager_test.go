package layers

import (
	"errors"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Transport-for-the-North/vis-core-sub002/internal/dataclient/dataclienttest"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/logging"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/loop"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/pageconfig"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/surface"
)

func newManager(t *testing.T) (*Manager, *loop.Manual, *dataclienttest.Fake) {
	t.Helper()
	exec := loop.NewManual()
	fake := dataclienttest.New()
	m := NewManager(Options{Executor: exec, Fetcher: fake, Logger: logging.Discard()})
	return m, exec, fake
}

func zonesLayer() pageconfig.Layer {
	return pageconfig.Layer{
		Name:           "zones",
		Type:           pageconfig.SourceTile,
		GeometryType:   pageconfig.GeometryPolygon,
		Path:           "/tiles/{z}/{x}/{y}?year={year}",
		SourceLayer:    "zones",
		IsHoverable:    true,
		IsStylable:     true,
		DefaultOpacity: 0.65,
	}
}

func TestMissingParamsRoundTrip(t *testing.T) {
	m, _, _ := newManager(t)
	left, right := surface.NewMemory("left"), surface.NewMemory("right")
	m.Attach(left)
	m.Attach(right)
	cfg := zonesLayer()

	def := Resolve(cfg, map[string]any{})
	assert.Equal(t, []string{"year"}, def.Missing)
	require.NoError(t, m.Sync(def))
	for _, s := range []*surface.Memory{left, right} {
		assert.Empty(t, s.Sources())
		assert.Empty(t, s.Layers())
	}
	info := m.Layers()
	require.Len(t, info, 1)
	assert.Equal(t, StateAbsent, info[0].State)
	assert.Equal(t, []string{"year"}, info[0].MissingParams)

	require.NoError(t, m.Sync(Resolve(cfg, map[string]any{"year": 2018})))
	for _, s := range []*surface.Memory{left, right} {
		src, ok := s.Source("zones-source")
		require.True(t, ok)
		assert.Equal(t, []string{"/tiles/{z}/{x}/{y}?year=2018"}, src.Tiles)
		assert.Equal(t, []string{"zones", "zones-hover", "zones-select"}, s.LayerIDs())
	}

	require.NoError(t, m.Sync(Resolve(cfg, map[string]any{})))
	for _, s := range []*surface.Memory{left, right} {
		assert.Empty(t, s.Sources())
		assert.Empty(t, s.Layers())
	}
}

func TestVariantsCarryMetadataAndOrder(t *testing.T) {
	m, _, _ := newManager(t)
	s := surface.NewMemory("map")
	m.Attach(s)

	cfg := zonesLayer()
	cfg.Path = "/tiles/{z}/{x}/{y}"
	cfg.IsHoverable = false
	cfg.ImageMarker = &pageconfig.ImageMarker{Property: "icon"}
	require.NoError(t, m.Sync(Resolve(cfg, nil)))

	assert.Equal(t, []string{"addSource zones-source", "addLayer zones", "addLayer zones-select", "addLayer zones-symbol"}, s.Calls())
	for _, l := range s.Layers() {
		assert.Equal(t, true, l.Metadata["isStylable"], l.ID)
		assert.Equal(t, 0.65, l.Metadata["defaultOpacity"], l.ID)
		assert.Equal(t, true, l.Metadata["shouldShowInLegend"], l.ID)
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	m, _, _ := newManager(t)
	s := surface.NewMemory("map")
	m.Attach(s)
	require.NoError(t, m.Sync(Resolve(zonesLayer(), map[string]any{"year": 2018})))
	require.NoError(t, s.AddLayer(surface.Layer{ID: "zones-label", Source: "zones-source", Type: surface.LayerSymbol}))

	m.Teardown()
	assert.Empty(t, s.Layers())
	assert.Empty(t, s.Sources())

	assert.NotPanics(t, m.Teardown)
	assert.Empty(t, m.Layers())
}

func TestRemovalToleratesTornDownSurface(t *testing.T) {
	m, _, _ := newManager(t)
	s := surface.NewMemory("map")
	m.Attach(s)
	require.NoError(t, m.Sync(Resolve(zonesLayer(), map[string]any{"year": 2018})))

	require.NoError(t, s.RemoveLayer("zones-hover"))
	require.NoError(t, s.RemoveLayer("zones-select"))
	require.NoError(t, s.RemoveLayer("zones"))
	require.NoError(t, s.RemoveSource("zones-source"))

	assert.NotPanics(t, func() { m.Remove("zones") })
	assert.Empty(t, m.Layers())
}

func TestTemplateSwapInPlace(t *testing.T) {
	m, _, _ := newManager(t)
	s := surface.NewMemory("map")
	m.Attach(s)
	cfg := zonesLayer()
	require.NoError(t, m.Sync(Resolve(cfg, map[string]any{"year": 2018})))
	s.ResetCalls()

	require.NoError(t, m.Sync(Resolve(cfg, map[string]any{"year": 2019})))
	assert.Equal(t, []string{"setTiles zones-source"}, s.Calls())
	src, _ := s.Source("zones-source")
	assert.Equal(t, []string{"/tiles/{z}/{x}/{y}?year=2019"}, src.Tiles)

	s.ResetCalls()
	require.NoError(t, m.Sync(Resolve(cfg, map[string]any{"year": 2019})))
	assert.Empty(t, s.Calls(), "unchanged request is a no-op")
}

func TestTemplateSwapFallbackPreservesConfiguration(t *testing.T) {
	m, _, _ := newManager(t)
	s := surface.NewMemory("map")
	s.TilesUnsupported = true
	m.Attach(s)
	cfg := zonesLayer()
	require.NoError(t, m.Sync(Resolve(cfg, map[string]any{"year": 2018})))
	require.NoError(t, s.SetLayoutProperty("zones", "visibility", "none"))

	require.NoError(t, m.Sync(Resolve(cfg, map[string]any{"year": 2019})))

	src, _ := s.Source("zones-source")
	assert.Equal(t, []string{"/tiles/{z}/{x}/{y}?year=2019"}, src.Tiles)
	assert.Equal(t, []string{"zones", "zones-hover", "zones-select"}, s.LayerIDs())
	main, _ := s.GetLayer("zones")
	assert.Equal(t, "none", main.Layout["visibility"])
	assert.Equal(t, true, main.Metadata["isStylable"])
}

func TestTemplateSwapFallbackRollsBack(t *testing.T) {
	m, _, _ := newManager(t)
	s := surface.NewMemory("map")
	s.TilesUnsupported = true
	m.Attach(s)
	cfg := zonesLayer()
	require.NoError(t, m.Sync(Resolve(cfg, map[string]any{"year": 2018})))

	s.FailAddLayer = map[string]error{"zones-select": errors.New("boom")}
	err := m.Sync(Resolve(cfg, map[string]any{"year": 2019}))
	require.Error(t, err)

	src, ok := s.Source("zones-source")
	require.True(t, ok)
	assert.Equal(t, []string{"/tiles/{z}/{x}/{y}?year=2018"}, src.Tiles, "previous source restored")
	assert.Equal(t, []string{"zones", "zones-hover", "zones-select"}, s.LayerIDs())

	require.NoError(t, m.Sync(Resolve(cfg, map[string]any{"year": 2019})), "retried on next sync")
	src, _ = s.Source("zones-source")
	assert.Equal(t, []string{"/tiles/{z}/{x}/{y}?year=2019"}, src.Tiles)
}

func TestTemplateSwapFailedRestoreRemountsOnRetry(t *testing.T) {
	m, _, _ := newManager(t)
	s := surface.NewMemory("map")
	s.TilesUnsupported = true
	m.Attach(s)
	cfg := zonesLayer()
	require.NoError(t, m.Sync(Resolve(cfg, map[string]any{"year": 2018})))

	s.FailAddLayer = map[string]error{"zones": errors.New("boom"), "zones-hover": errors.New("boom2")}
	require.Error(t, m.Sync(Resolve(cfg, map[string]any{"year": 2019})))
	assert.Empty(t, s.Sources(), "left fully unmounted")
	assert.Empty(t, s.Layers())

	require.NoError(t, m.Sync(Resolve(cfg, map[string]any{"year": 2019})))
	src, ok := s.Source("zones-source")
	require.True(t, ok)
	assert.Equal(t, []string{"/tiles/{z}/{x}/{y}?year=2019"}, src.Tiles)
	assert.Equal(t, []string{"zones", "zones-hover", "zones-select"}, s.LayerIDs())

	info := m.Layers()
	require.Len(t, info, 1)
	assert.Equal(t, StateMounted, info[0].State)
	assert.Equal(t, []string{"map"}, info[0].Surfaces)
}

func TestSyncRemountsSurfaceThatFailedToMount(t *testing.T) {
	m, _, _ := newManager(t)
	left, right := surface.NewMemory("left"), surface.NewMemory("right")
	m.Attach(left)
	m.Attach(right)
	right.FailAddLayer = map[string]error{"zones-hover": errors.New("boom")}
	def := Resolve(zonesLayer(), map[string]any{"year": 2018})

	require.Error(t, m.Sync(def))
	assert.Empty(t, right.Sources())
	assert.Len(t, left.Sources(), 1)

	require.NoError(t, m.Sync(def))
	assert.Equal(t, []string{"zones", "zones-hover", "zones-select"}, right.LayerIDs())
	assert.Equal(t, []string{"zones", "zones-hover", "zones-select"}, left.LayerIDs())
}

func TestViewportBboxKeepsTemplateStable(t *testing.T) {
	m, _, _ := newManager(t)
	s := surface.NewMemory("map")
	m.Attach(s)
	cfg := zonesLayer()
	cfg.AppendViewportBbox = true
	require.NoError(t, m.Sync(Resolve(cfg, map[string]any{"year": 2018})))

	src, _ := s.Source("zones-source")
	require.Equal(t, []string{"/tiles/{z}/{x}/{y}?year=2018&bbox={bbox}"}, src.Tiles)

	tile := "/tiles/8/1/2?year=2018&bbox={bbox}"
	assert.Equal(t, "/tiles/8/1/2?year=2018", m.TransformRequest("map", tile))

	m.SetViewportBbox("map", orb.Bound{Min: orb.Point{-2.5, 53.1}, Max: orb.Point{-1.25, 54}})
	assert.Equal(t, "/tiles/8/1/2?year=2018&bbox=-2.500000,53.100000,-1.250000,54.000000", m.TransformRequest("map", tile))
	assert.Equal(t, "/tiles/8/1/2?bbox=-2.500000,53.100000,-1.250000,54.000000", m.TransformRequest("map", "/tiles/8/1/2?bbox=%7Bbbox%7D"))
	assert.Equal(t, "/other", m.TransformRequest("map", "/other"))

	s.ResetCalls()
	m.SetViewportBbox("map", orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}})
	assert.Empty(t, s.Calls(), "panning never touches the source")
}

func TestAttachMountsExistingLayers(t *testing.T) {
	m, _, _ := newManager(t)
	left := surface.NewMemory("left")
	m.Attach(left)
	require.NoError(t, m.Sync(Resolve(zonesLayer(), map[string]any{"year": 2018})))

	right := surface.NewMemory("right")
	m.Attach(right)
	assert.True(t, right.HasSource("zones-source"))
	assert.Equal(t, []string{"left", "right"}, m.Layers()[0].Surfaces)

	m.Detach("left")
	assert.Empty(t, left.Layers())
	assert.Equal(t, []string{"right"}, m.Layers()[0].Surfaces)
}

func stopsCollection() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	f := geojson.NewFeature(orb.Point{-1.5, 53.8})
	f.ID = "s1"
	f.Properties["icon"] = "/icons/bus.png"
	fc.Append(f)
	return fc
}

func TestGeoJSONMountsWhenFetched(t *testing.T) {
	m, exec, fake := newManager(t)
	s := surface.NewMemory("map")
	m.Attach(s)
	fake.Respond("/api/stops?mode=bus", stopsCollection())

	cfg := pageconfig.Layer{Name: "stops", Type: pageconfig.SourceGeoJSON, GeometryType: pageconfig.GeometryPoint, Path: "/api/stops?mode={mode}"}
	require.NoError(t, m.Sync(Resolve(cfg, map[string]any{"mode": "bus"})))
	assert.False(t, s.HasSource("stops-source"), "never blocks on the fetch")
	assert.True(t, m.Layers()[0].Loading)

	require.True(t, exec.Wait(2*time.Second))
	exec.Flush()

	src, ok := s.Source("stops-source")
	require.True(t, ok)
	assert.Equal(t, surface.SourceGeoJSON, src.Kind)
	require.Len(t, src.Data.Features, 1)
	assert.Equal(t, []string{"stops", "stops-select"}, s.LayerIDs())
}

func TestGeoJSONStaleFetchDropped(t *testing.T) {
	m, exec, fake := newManager(t)
	fake.IgnoreCancel = true
	s := surface.NewMemory("map")
	m.Attach(s)
	fake.Respond("/api/stops?mode=bus", stopsCollection())
	fake.Respond("/api/stops?mode=rail", geojson.NewFeatureCollection())
	releaseBus := fake.Hold("/api/stops?mode=bus")

	cfg := pageconfig.Layer{Name: "stops", Type: pageconfig.SourceGeoJSON, GeometryType: pageconfig.GeometryPoint, Path: "/api/stops?mode={mode}"}
	require.NoError(t, m.Sync(Resolve(cfg, map[string]any{"mode": "bus"})))
	<-fake.Started()
	require.NoError(t, m.Sync(Resolve(cfg, map[string]any{"mode": "rail"})))

	require.True(t, exec.Wait(2*time.Second))
	exec.Flush()
	src, _ := s.Source("stops-source")
	assert.Empty(t, src.Data.Features)

	releaseBus()
	require.True(t, exec.Wait(2*time.Second))
	exec.Flush()
	src, _ = s.Source("stops-source")
	assert.Empty(t, src.Data.Features, "stale collection ignored")
}

func TestGeoJSONFetchErrorReported(t *testing.T) {
	exec := loop.NewManual()
	fake := dataclienttest.New()
	var reported []string
	m := NewManager(Options{
		Executor: exec,
		Fetcher:  fake,
		Logger:   logging.Discard(),
		OnError:  func(layer string, err error) { reported = append(reported, layer) },
	})
	m.Attach(surface.NewMemory("map"))
	fake.Fail("/api/broken", errors.New("down"))

	cfg := pageconfig.Layer{Name: "broken", Type: pageconfig.SourceGeoJSON, GeometryType: pageconfig.GeometryLine, Path: "/api/broken"}
	require.NoError(t, m.Sync(Resolve(cfg, nil)))
	require.True(t, exec.Wait(2*time.Second))
	exec.Flush()

	assert.Equal(t, []string{"broken"}, reported)
	info := m.Layers()[0]
	assert.Equal(t, StateFailed, info.State)
	assert.NotEmpty(t, info.Error)
}

func TestImagePrefetchRunsOnce(t *testing.T) {
	m, exec, _ := newManager(t)
	s := surface.NewMemory("map")
	m.Attach(s)

	cfg := pageconfig.Layer{
		Name:         "stations",
		Type:         pageconfig.SourceTile,
		GeometryType: pageconfig.GeometryPoint,
		Path:         "/tiles/stations/{z}/{x}/{y}",
		SourceLayer:  "stations",
		ImageMarker:  &pageconfig.ImageMarker{Property: "icon"},
	}
	require.NoError(t, m.Sync(Resolve(cfg, nil)))
	s.SetSourceFeatures("stations-source", "stations", []surface.Feature{
		{ID: 1, Properties: map[string]any{"icon": "/i/a.png"}},
		{ID: 2, Properties: map[string]any{"icon": "/i/b.png"}},
		{ID: 3, Properties: map[string]any{"icon": "/i/a.png"}},
	})

	s.EmitSourceData(surface.SourceDataEvent{SourceID: "stations-source", Loaded: false})
	s.EmitSourceData(surface.SourceDataEvent{SourceID: "other", Loaded: true})
	exec.Flush()
	assert.Empty(t, s.Images())

	s.EmitSourceData(surface.SourceDataEvent{SourceID: "stations-source", Loaded: true})
	s.EmitSourceData(surface.SourceDataEvent{SourceID: "stations-source", Loaded: true})
	exec.Flush()
	assert.Equal(t, map[string]string{"/i/a.png": "/i/a.png", "/i/b.png": "/i/b.png"}, s.Images())

	s.ResetCalls()
	s.EmitSourceData(surface.SourceDataEvent{SourceID: "stations-source", Loaded: true})
	exec.Flush()
	assert.Empty(t, s.Calls())
}
