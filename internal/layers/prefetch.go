package layers

import (
	"github.com/Transport-for-the-North/vis-core-sub002/internal/surface"
)

// armPrefetch registers a one-shot trigger that loads the marker images of
// an image-marker layer once its source has fully loaded on s.
func (m *Manager) armPrefetch(e *entry, s surface.Surface) {
	cfg := e.def.Config
	if cfg.ImageMarker == nil || cfg.ImageMarker.Property == "" {
		return
	}
	if _, ok := e.prefetch[s.ID()]; ok {
		return
	}
	sourceID := SourceID(cfg.Name)
	p := &prefetch{}
	p.unsubscribe = s.OnSourceData(func(ev surface.SourceDataEvent) {
		if ev.SourceID != sourceID || !ev.Loaded {
			return
		}
		m.opts.Executor.Post(func() { m.prefetchImages(e, s, p) })
	})
	e.prefetch[s.ID()] = p
}

func (m *Manager) prefetchImages(e *entry, s surface.Surface, p *prefetch) {
	if p.done || e.prefetch[s.ID()] != p {
		return
	}
	p.done = true
	p.unsubscribe()

	cfg := e.def.Config
	seen := map[string]bool{}
	for _, f := range s.QuerySourceFeatures(SourceID(cfg.Name), cfg.SourceLayer) {
		url, ok := f.Properties[cfg.ImageMarker.Property].(string)
		if !ok || url == "" || seen[url] {
			continue
		}
		seen[url] = true
		if err := s.LoadImage(url, url); err != nil {
			m.logger.Warn("image prefetch failed", "layer", cfg.Name, "url", url, "err", err)
		}
	}
	m.logger.Debug("prefetched marker images", "layer", cfg.Name, "count", len(seen))
}
