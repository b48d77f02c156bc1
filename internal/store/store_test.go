package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetFilterNotifiesOnlyOnChange(t *testing.T) {
	s := New()
	var changes []Change
	unsubscribe := s.Subscribe(func(c Change) { changes = append(changes, c) })

	assert.True(t, s.SetFilter("year", 2018))
	assert.False(t, s.SetFilter("year", float64(2018)), "equal after normalisation")
	assert.True(t, s.SetFilter("year", 2019))
	assert.True(t, s.ClearFilter("year"))
	assert.False(t, s.ClearFilter("year"))

	require.Len(t, changes, 3)
	assert.Equal(t, Change{Kind: KindFilter, Key: "year", New: float64(2018)}, changes[0])
	assert.Equal(t, float64(2018), changes[1].Old)
	assert.Nil(t, changes[2].New)

	unsubscribe()
	s.SetFilter("year", 2020)
	assert.Len(t, changes, 3)
}

func TestQueryParams(t *testing.T) {
	s := New()
	s.SetQueryParam("Bus", "year", 2018)
	s.SetQueryParam("Bus", "bbox", "1,2,3,4")

	assert.Equal(t, map[string]any{"year": float64(2018), "bbox": "1,2,3,4"}, s.QueryParams("Bus"))
	assert.Equal(t, []string{"mode"}, s.MissingQueryParams("Bus", []string{"year", "mode"}))

	s.ClearQueryParam("Bus", "bbox")
	assert.Equal(t, []string{"bbox"}, s.MissingQueryParams("Bus", []string{"bbox"}))
	assert.Nil(t, s.QueryParams("Rail"))
}

func TestSelection(t *testing.T) {
	s := New()
	s.Select("zones", Selected{ID: 1, Source: "zones"})
	s.Select("zones", Selected{ID: 2, Source: "zones"})

	sel, ok := s.Selection("zones")
	require.True(t, ok)
	assert.Equal(t, 2, sel.ID)
	assert.Len(t, s.Selections(), 1)

	old, ok := s.Deselect("zones")
	assert.True(t, ok)
	assert.Equal(t, 2, old.ID)
	_, ok = s.Deselect("zones")
	assert.False(t, ok)
}

func TestBusReceivesChanges(t *testing.T) {
	s := New()
	ch := s.Bus().Subscribe()
	defer s.Bus().Unsubscribe(ch)

	s.SetZoom(9)
	c := <-ch
	assert.Equal(t, KindZoom, c.Kind)
	assert.Equal(t, float64(9), c.New)
}

func TestQueryStringRoundTrip(t *testing.T) {
	ids := map[string]string{"year": "f-year", "mode": "f-mode"}
	s := New()
	s.SetFilter("f-year", 2018)
	s.SetFilter("f-mode", []any{"bus", "rail"})
	s.SetFilter("f-other", "x")

	q := s.QueryString(ids)
	assert.Equal(t, "mode=bus%2Crail&year=2018", q)

	got, err := ParseQueryString("?"+q+"&unknown=1", ids)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"f-year": "2018", "f-mode": []any{"bus", "rail"}}, got)
}
