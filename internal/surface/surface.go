// Package surface defines the rendering-surface engine the map runtime
// drives, and an in-memory implementation used for headless pages and tests.
//
// A surface is one map viewport. Implementations are not assumed to be
// goroutine-safe: callers confine every call to the UI loop.
package surface

import (
	"errors"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// ErrUnsupported is returned by SetTiles when a source cannot swap its tile
// template in place.
var ErrUnsupported = errors.New("operation not supported by surface")

// Source kinds.
const (
	SourceVector  = "vector"
	SourceGeoJSON = "geojson"
)

// Paint-layer types.
const (
	LayerFill   = "fill"
	LayerLine   = "line"
	LayerCircle = "circle"
	LayerSymbol = "symbol"
)

// Source is a data feed registered on a surface.
type Source struct {
	Kind    string
	Tiles   []string
	Data    *geojson.FeatureCollection
	MinZoom float64
	MaxZoom float64
	// PromoteID names the property used as feature id.
	PromoteID string
}

// Layer is a styled drawable bound to a source.
type Layer struct {
	ID          string
	Type        string
	Source      string
	SourceLayer string
	Paint       map[string]any
	Layout      map[string]any
	Filter      any
	MinZoom     float64
	MaxZoom     float64
	Metadata    map[string]any
}

// FeatureRef addresses one feature for feature-state updates.
type FeatureRef struct {
	Source      string
	SourceLayer string
	ID          any
}

// Feature is a rendered or source feature returned by queries.
type Feature struct {
	ID          any
	Layer       string
	Source      string
	SourceLayer string
	Properties  map[string]any
	State       map[string]any
	Geometry    orb.Geometry
}

// Ref returns the feature-state address of f.
func (f Feature) Ref() FeatureRef {
	return FeatureRef{Source: f.Source, SourceLayer: f.SourceLayer, ID: f.ID}
}

// Point is a position in screen pixels.
type Point struct{ X, Y float64 }

// Box is a screen-space rectangle.
type Box struct{ Min, Max Point }

// Around returns the square box of half-size r centred on p.
func Around(p Point, r float64) Box {
	return Box{Min: Point{p.X - r, p.Y - r}, Max: Point{p.X + r, p.Y + r}}
}

// Contains reports whether p lies in b, edges included.
func (b Box) Contains(p Point) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X && p.Y >= b.Min.Y && p.Y <= b.Max.Y
}

// SourceDataEvent reports source loading progress.
type SourceDataEvent struct {
	SourceID string
	// Loaded is true once every tile in view has loaded.
	Loaded bool
}

// Surface is the rendering-surface engine.
type Surface interface {
	ID() string

	AddSource(id string, src Source) error
	RemoveSource(id string) error
	HasSource(id string) bool
	// SetTiles swaps a vector source's tile template in place.
	SetTiles(sourceID string, tiles []string) error

	AddLayer(l Layer) error
	RemoveLayer(id string) error
	HasLayer(id string) bool
	// GetLayer returns the layer as currently configured on the surface.
	GetLayer(id string) (Layer, bool)
	SetLayoutProperty(layerID, name string, value any) error
	SetFilter(layerID string, filter any) error

	SetFeatureState(ref FeatureRef, state map[string]any)
	RemoveFeatureState(ref FeatureRef, key string)

	// QueryRenderedFeatures returns rendered features intersecting box on the
	// given layers, top-most first.
	QueryRenderedFeatures(box Box, layers []string) []Feature
	QuerySourceFeatures(sourceID, sourceLayer string) []Feature

	LoadImage(id, url string) error

	Zoom() float64
	Bounds() orb.Bound

	// OnSourceData subscribes to source loading events; the returned func
	// unsubscribes.
	OnSourceData(fn func(SourceDataEvent)) (unsubscribe func())
}
