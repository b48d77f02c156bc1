package page

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Transport-for-the-North/vis-core-sub002/internal/compiler"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/dataclient/dataclienttest"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/layers"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/logging"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/loop"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/pageconfig"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/store"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/surface"
)

func years() pageconfig.Values {
	return pageconfig.Values{Source: pageconfig.ValuesLocal, Values: []pageconfig.Option{
		{Display: "2018", Value: 2018}, {Display: "2030", Value: 2030},
	}}
}

func flowsPage() pageconfig.Page {
	return pageconfig.Page{
		Name: "flows",
		Layers: []pageconfig.Layer{
			{Name: "zones", Type: pageconfig.SourceTile, GeometryType: pageconfig.GeometryPolygon, Path: "/tiles/{z}/{x}/{y}?year={year}", SourceLayer: "zones", IsHoverable: true},
			{Name: "links", Type: pageconfig.SourceTile, GeometryType: pageconfig.GeometryLine, Path: "/links/{z}/{x}/{y}?mode={mode}", SourceLayer: "links"},
		},
		Filters: []pageconfig.Filter{
			{Name: "Year", ParamName: "year", Type: pageconfig.FilterDropdown, Values: years(),
				Targets: []pageconfig.Target{{Name: "flows"}}},
			{Name: "Mode", ParamName: "mode", Type: pageconfig.FilterDropdown, ShouldBeBlankOnInit: true,
				Values: pageconfig.Values{Values: []pageconfig.Option{{Value: "bus"}, {Value: "rail"}}}},
		},
	}
}

type harness struct {
	page *Page
	exec *loop.Manual
	fake *dataclienttest.Fake
	errs []error
	left *surface.Memory
	view *View
}

func newHarness(t *testing.T, cfg pageconfig.Page) *harness {
	t.Helper()
	h := &harness{exec: loop.NewManual(), fake: dataclienttest.New(), left: surface.NewMemory("left")}
	p, err := New(cfg, Options{
		Executor: h.exec,
		Fetcher:  h.fake,
		Logger:   logging.Discard(),
		OnError:  func(err error) { h.errs = append(h.errs, err) },
	})
	require.NoError(t, err)
	h.page = p
	h.view = p.Attach(h.left)
	return h
}

func tiles(t *testing.T, s *surface.Memory, layer string) []string {
	t.Helper()
	src, ok := s.Source(layers.SourceID(layer))
	if !ok {
		return nil
	}
	return src.Tiles
}

func TestBootstrapMountsResolvedLayers(t *testing.T) {
	h := newHarness(t, flowsPage())
	assert.Equal(t, StateLoading, h.page.Status().State)
	assert.False(t, h.view.Ready())

	require.NoError(t, h.page.Bootstrap(context.Background()))
	h.exec.Flush()

	assert.Equal(t, StateReady, h.page.Status().State)
	assert.True(t, h.view.Ready())
	assert.Equal(t, []string{"/tiles/{z}/{x}/{y}?year=2018"}, tiles(t, h.left, "zones"))
	assert.Nil(t, tiles(t, h.left, "links"), "mode is blank on init")
	assert.Equal(t, "year=2018", h.page.QueryString())
	assert.Equal(t, map[string]any{"year": 2018.0}, h.page.Store().QueryParams("flows"))
}

func TestFilterWritesResyncLayers(t *testing.T) {
	h := newHarness(t, flowsPage())
	require.NoError(t, h.page.Bootstrap(context.Background()))
	h.exec.Flush()

	changed, err := h.page.SetFilter("year", 2030)
	require.NoError(t, err)
	assert.True(t, changed)
	_, err = h.page.SetFilter("mode", "rail")
	require.NoError(t, err)
	assert.Equal(t, 1, h.exec.Flush(), "one resync per burst")

	assert.Equal(t, []string{"/tiles/{z}/{x}/{y}?year=2030"}, tiles(t, h.left, "zones"))
	assert.Equal(t, []string{"/links/{z}/{x}/{y}?mode=rail"}, tiles(t, h.left, "links"))
	assert.Equal(t, map[string]any{"year": 2030.0}, h.page.Store().QueryParams("flows"))

	_, err = h.page.SetFilter("mode", nil)
	require.NoError(t, err)
	h.exec.Flush()
	assert.Nil(t, tiles(t, h.left, "links"))
}

func TestSetFilterValidation(t *testing.T) {
	h := newHarness(t, flowsPage())
	_, err := h.page.SetFilter("year", 2030)
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, h.page.Bootstrap(context.Background()))
	h.exec.Flush()

	_, err = h.page.SetFilter("speed", 1)
	assert.ErrorIs(t, err, ErrUnknownFilter)
	_, err = h.page.SetFilter("year", 1999)
	assert.ErrorIs(t, err, ErrOutOfDomain)

	changed, err := h.page.SetFilter("year", 2018)
	require.NoError(t, err)
	assert.False(t, changed, "same value")
	assert.Zero(t, h.exec.Flush())
}

func TestConfigurationErrorBlocksPage(t *testing.T) {
	cfg := flowsPage()
	cfg.MetadataTables = []pageconfig.MetadataTable{{Name: "zones", Path: "/meta/zones"}}
	h := newHarness(t, cfg)
	h.fake.Respond("/meta/zones", []any{})

	err := h.page.Bootstrap(context.Background())
	var cfgErr *compiler.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))

	st := h.page.Status()
	assert.Equal(t, StateBlocked, st.State)
	assert.Equal(t, []compiler.TableProblem{{Table: "zones", Reason: "empty"}}, st.Tables)
	require.Len(t, h.errs, 1)
	assert.Nil(t, h.page.Result())

	h.exec.Flush()
	assert.Empty(t, h.left.Sources())
	assert.False(t, h.view.Ready())
}

func TestURLQuerySeedsPage(t *testing.T) {
	exec := loop.NewManual()
	p, err := New(flowsPage(), Options{
		Executor: exec,
		Fetcher:  dataclienttest.New(),
		Logger:   logging.Discard(),
		Query:    "year=2030&mode=bus",
	})
	require.NoError(t, err)
	s := surface.NewMemory("main")
	require.NoError(t, p.Bootstrap(context.Background()))
	exec.Flush()
	p.Attach(s)

	assert.Equal(t, []string{"/tiles/{z}/{x}/{y}?year=2030"}, tiles(t, s, "zones"))
	assert.Equal(t, []string{"/links/{z}/{x}/{y}?mode=bus"}, tiles(t, s, "links"))
	v, ok := p.View("main")
	require.True(t, ok)
	assert.True(t, v.Ready(), "attached after ready")
}

func TestTeardownUnmountsEverything(t *testing.T) {
	h := newHarness(t, flowsPage())
	require.NoError(t, h.page.Bootstrap(context.Background()))
	h.exec.Flush()
	require.NotEmpty(t, h.left.Layers())

	h.page.Teardown()
	h.page.Teardown()
	assert.Empty(t, h.left.Layers())
	assert.Empty(t, h.left.Sources())

	_, err := h.page.SetFilter("year", 2030)
	require.NoError(t, err)
	assert.Zero(t, h.exec.Flush(), "no longer subscribed")
}

func TestTeardownClearsSelections(t *testing.T) {
	h := newHarness(t, flowsPage())
	right := surface.NewMemory("right")
	h.page.Attach(right)
	require.NoError(t, h.page.Bootstrap(context.Background()))
	h.exec.Flush()

	ref := surface.FeatureRef{Source: layers.SourceID("zones"), ID: 4}
	h.page.Store().Select("zones", store.Selected{ID: 4, Source: ref.Source})
	for _, s := range []*surface.Memory{h.left, right} {
		assert.Equal(t, true, s.FeatureState(ref)[layers.StateSelected], s.ID())
	}

	h.page.Teardown()
	assert.Empty(t, h.page.Store().Selections())
	for _, s := range []*surface.Memory{h.left, right} {
		assert.Nil(t, s.FeatureState(ref)[layers.StateSelected], s.ID())
	}
}
