// Package labels shows and hides the text label layers of labelable layers
// as the zoom crosses each layer's label threshold.
package labels

import (
	"github.com/charmbracelet/log"
	"github.com/paulmach/orb"

	"github.com/Transport-for-the-North/vis-core-sub002/internal/layers"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/pageconfig"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/store"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/surface"
)

// LayerSource lists the layers mounted on a surface.
type LayerSource interface {
	MountedOn(surfaceID string) []pageconfig.Layer
}

// Controller manages the labels of one surface. All methods run on the UI
// loop.
type Controller struct {
	surface surface.Surface
	store   *store.Store
	layers  LayerSource
	logger  *log.Logger
}

// New creates a controller for s.
func New(s surface.Surface, st *store.Store, src LayerSource, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.Default()
	}
	return &Controller{
		surface: s,
		store:   st,
		layers:  src,
		logger:  logger.WithPrefix("labels").With("surface", s.ID()),
	}
}

// ZoomChanged records the zoom and updates every label layer.
func (c *Controller) ZoomChanged() {
	zoom := c.surface.Zoom()
	c.store.SetZoom(zoom)
	for _, cfg := range c.layers.MountedOn(c.surface.ID()) {
		if cfg.ShouldHaveLabel {
			c.update(cfg, zoom)
		}
	}
}

func (c *Controller) update(cfg pageconfig.Layer, zoom float64) {
	id := layers.RoleID(cfg.Name, layers.RoleLabel)
	present := c.surface.HasLayer(id)

	switch {
	case zoom <= cfg.LabelZoomLevel:
		if present {
			c.setVisibility(id, "none")
		}
	case present:
		c.setVisibility(id, "visible")
	default:
		placement := c.placement(cfg)
		if err := c.surface.AddLayer(layers.LabelVariant(cfg, placement)); err != nil {
			c.logger.Warn("adding label layer failed", "layer", cfg.Name, "err", err)
			return
		}
		c.logger.Debug("label layer created", "layer", cfg.Name, "placement", placement)
	}
}

func (c *Controller) setVisibility(id, v string) {
	if err := c.surface.SetLayoutProperty(id, "visibility", v); err != nil {
		c.logger.Warn("setting label visibility failed", "layer", id, "err", err)
	}
}

// placement samples the loaded source features: any line geometry places
// labels along lines, anything else at points.
func (c *Controller) placement(cfg pageconfig.Layer) string {
	if cfg.GeometryType == pageconfig.GeometryLine {
		return layers.PlacementLine
	}
	for _, f := range c.surface.QuerySourceFeatures(layers.SourceID(cfg.Name), cfg.SourceLayer) {
		switch f.Geometry.(type) {
		case orb.LineString, orb.MultiLineString:
			return layers.PlacementLine
		}
	}
	return layers.PlacementPoint
}
