package layers

import (
	"maps"

	"github.com/Transport-for-the-North/vis-core-sub002/internal/pageconfig"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/surface"
)

// Role is a paint-layer variant of a mounted layer.
type Role string

const (
	RoleMain   Role = "main"
	RoleHover  Role = "hover"
	RoleSelect Role = "select"
	RoleLabel  Role = "label"
	RoleSymbol Role = "symbol"
)

// Roles lists every variant in mount order.
var Roles = []Role{RoleMain, RoleHover, RoleSelect, RoleSymbol, RoleLabel}

// RoleID returns the surface layer id of a variant. The main variant uses
// the layer name itself.
func RoleID(name string, role Role) string {
	if role == RoleMain {
		return name
	}
	return name + "-" + string(role)
}

// SourceID returns the surface source id of a layer.
func SourceID(name string) string { return name + "-source" }

// Feature-state keys.
const (
	StateHover    = "hover"
	StateSelected = "selected"
)

const (
	defaultLineWidth    = 2.0
	defaultCircleRadius = 5.0
	highlightColor      = "#ffd400"
)

func paintType(g pageconfig.GeometryType) string {
	switch g {
	case pageconfig.GeometryLine:
		return surface.LayerLine
	case pageconfig.GeometryPoint:
		return surface.LayerCircle
	}
	return surface.LayerFill
}

// metadata is attached to every variant at mount.
func metadata(cfg pageconfig.Layer) map[string]any {
	return map[string]any{
		"isStylable":                  cfg.IsStylable,
		"shouldShowInLegend":          cfg.ShowInLegend(),
		"defaultOpacity":              cfg.DefaultOpacity,
		"hiddenClassificationControl": cfg.HiddenClassificationControl,
	}
}

// stateExpr switches between on and off by a boolean feature-state key.
func stateExpr(key string, on, off any) []any {
	return []any{"case", []any{"boolean", []any{"feature-state", key}, false}, on, off}
}

func mainPaint(cfg pageconfig.Layer) map[string]any {
	var paint map[string]any
	switch cfg.GeometryType {
	case pageconfig.GeometryLine:
		paint = map[string]any{
			"line-color":   "#1b6ec2",
			"line-width":   defaultLineWidth,
			"line-opacity": cfg.DefaultOpacity,
		}
	case pageconfig.GeometryPoint:
		paint = map[string]any{
			"circle-color":   "#1b6ec2",
			"circle-radius":  defaultCircleRadius,
			"circle-opacity": cfg.DefaultOpacity,
		}
	default:
		paint = map[string]any{
			"fill-color":         "#1b6ec2",
			"fill-opacity":       cfg.DefaultOpacity,
			"fill-outline-color": "#ffffff",
		}
	}
	maps.Copy(paint, cfg.CustomPaint)
	return paint
}

// overlayPaint draws the hover or select highlight, visible only while the
// feature carries the state key.
func overlayPaint(cfg pageconfig.Layer, key string) (string, map[string]any) {
	switch cfg.GeometryType {
	case pageconfig.GeometryPoint:
		return surface.LayerCircle, map[string]any{
			"circle-color":          highlightColor,
			"circle-radius":         defaultCircleRadius + 2,
			"circle-opacity":        stateExpr(key, 1, 0),
			"circle-stroke-width":   1,
			"circle-stroke-opacity": stateExpr(key, 1, 0),
		}
	default:
		width := LineWidth(cfg)
		return surface.LayerLine, map[string]any{
			"line-color":   highlightColor,
			"line-width":   width + 2,
			"line-opacity": stateExpr(key, 1, 0),
		}
	}
}

// LineWidth returns the rendered line width of a layer, honouring a numeric
// custom line-width.
func LineWidth(cfg pageconfig.Layer) float64 {
	if w, ok := pageconfig.Normalize(cfg.CustomPaint["line-width"]).(float64); ok {
		return w
	}
	return defaultLineWidth
}

func symbolLayout(cfg pageconfig.Layer) map[string]any {
	size := cfg.ImageMarker.Size
	if size == 0 {
		size = 1
	}
	return map[string]any{
		"icon-image":            []any{"get", cfg.ImageMarker.Property},
		"icon-size":             size,
		"icon-allow-overlap":    true,
		"icon-ignore-placement": true,
	}
}

// variants builds the paint layers mounted with a source, in order.
func variants(cfg pageconfig.Layer, sourceID string) []surface.Layer {
	meta := metadata(cfg)
	base := surface.Layer{
		Source:      sourceID,
		SourceLayer: cfg.SourceLayer,
		MinZoom:     cfg.MinZoom,
		MaxZoom:     cfg.MaxZoom,
	}

	out := make([]surface.Layer, 0, 4)
	main := base
	main.ID = RoleID(cfg.Name, RoleMain)
	main.Type = paintType(cfg.GeometryType)
	main.Paint = mainPaint(cfg)
	main.Metadata = maps.Clone(meta)
	out = append(out, main)

	if cfg.IsHoverable {
		hover := base
		hover.ID = RoleID(cfg.Name, RoleHover)
		hover.Type, hover.Paint = overlayPaint(cfg, StateHover)
		hover.Metadata = maps.Clone(meta)
		out = append(out, hover)
	}

	sel := base
	sel.ID = RoleID(cfg.Name, RoleSelect)
	sel.Type, sel.Paint = overlayPaint(cfg, StateSelected)
	sel.Metadata = maps.Clone(meta)
	out = append(out, sel)

	if cfg.ImageMarker != nil {
		sym := base
		sym.ID = RoleID(cfg.Name, RoleSymbol)
		sym.Type = surface.LayerSymbol
		sym.Layout = symbolLayout(cfg)
		sym.Metadata = maps.Clone(meta)
		out = append(out, sym)
	}
	return out
}

// Label placements.
const (
	PlacementPoint = "point"
	PlacementLine  = "line"
)

// LabelVariant builds the text label layer of cfg. Features without a bound
// value are transparent unless the layer labels nulls.
func LabelVariant(cfg pageconfig.Layer, placement string) surface.Layer {
	text := any([]any{"to-string", []any{"feature-state", "value"}})
	if cfg.LabelField != "" {
		text = []any{"get", cfg.LabelField}
	}
	opacity := any(1.0)
	if !cfg.LabelNulls {
		opacity = []any{"case", []any{"==", []any{"feature-state", "value"}, nil}, 0.0, 1.0}
	}
	return surface.Layer{
		ID:          RoleID(cfg.Name, RoleLabel),
		Type:        surface.LayerSymbol,
		Source:      SourceID(cfg.Name),
		SourceLayer: cfg.SourceLayer,
		Layout: map[string]any{
			"text-field":       text,
			"text-size":        12,
			"symbol-placement": placement,
			"visibility":       "visible",
		},
		Paint: map[string]any{
			"text-color":      "#222222",
			"text-halo-color": "#ffffff",
			"text-halo-width": 1.5,
			"text-opacity":    opacity,
		},
		Metadata: metadata(cfg),
	}
}
