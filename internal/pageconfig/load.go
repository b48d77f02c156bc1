package pageconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a page configuration from a YAML or JSON file, applies
// defaults and validates it.
func Load(path string) (Page, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Page{}, fmt.Errorf("reading page config: %w", err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes a page configuration. ext selects the format (".yaml",
// ".yml" or anything else for JSON).
func Parse(data []byte, ext string) (Page, error) {
	var page Page
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &page); err != nil {
			return Page{}, fmt.Errorf("parsing page config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &page); err != nil {
			return Page{}, fmt.Errorf("parsing page config: %w", err)
		}
	}

	page.applyDefaults()
	if err := page.Validate(); err != nil {
		return Page{}, err
	}
	return page, nil
}

func (p *Page) applyDefaults() {
	if p.Layout == "" {
		p.Layout = "single"
	}
	for i := range p.Layers {
		l := &p.Layers[i]
		if l.Type == "" {
			l.Type = inferSourceKind(l.Path)
		}
		if l.GeometryType == "" {
			l.GeometryType = GeometryPolygon
		}
		if l.DefaultOpacity == 0 {
			l.DefaultOpacity = 0.65
		}
		if l.CustomTooltip != nil && l.CustomTooltip.Mode == "" {
			l.CustomTooltip.Mode = TooltipJoin
		}
	}
	for i := range p.Filters {
		f := &p.Filters[i]
		f.DefaultValue = Normalize(f.DefaultValue)
		f.Values.Exclude = normalizeSlice(f.Values.Exclude)
		for j := range f.Values.Values {
			f.Values.Values[j].Value = Normalize(f.Values.Values[j].Value)
		}
		for j := range f.Values.Where {
			f.Values.Where[j].Value = Normalize(f.Values.Where[j].Value)
		}
		if f.Values.Source == "" {
			switch {
			case f.Values.MetadataTable != "":
				f.Values.Source = ValuesMetadataTable
			case f.Values.Path != "":
				f.Values.Source = ValuesAPI
			default:
				f.Values.Source = ValuesLocal
			}
		}
	}
	for i := range p.MetadataTables {
		for j := range p.MetadataTables[i].Where {
			p.MetadataTables[i].Where[j].Value = Normalize(p.MetadataTables[i].Where[j].Value)
		}
	}
}

// inferSourceKind treats templates carrying tile indices as tile sources.
func inferSourceKind(path string) SourceKind {
	if strings.Contains(path, "{z}") {
		return SourceTile
	}
	return SourceGeoJSON
}

// Validate checks structural consistency of the configuration.
func (p Page) Validate() error {
	layers := map[string]bool{}
	for _, l := range p.Layers {
		if l.Name == "" {
			return fmt.Errorf("layer with empty name")
		}
		if layers[l.Name] {
			return fmt.Errorf("duplicate layer %q", l.Name)
		}
		layers[l.Name] = true
		if l.Path == "" {
			return fmt.Errorf("layer %q has no path", l.Name)
		}
		switch l.GeometryType {
		case GeometryPolygon, GeometryLine, GeometryPoint:
		default:
			return fmt.Errorf("layer %q: unsupported geometry type %q", l.Name, l.GeometryType)
		}
	}

	tables := map[string]bool{}
	for _, t := range p.MetadataTables {
		if t.Name == "" || t.Path == "" {
			return fmt.Errorf("metadata table needs name and path")
		}
		tables[t.Name] = true
	}

	for _, f := range p.Filters {
		if f.ParamName == "" {
			return fmt.Errorf("filter %q has no paramName", f.Name)
		}
		if f.Type == FilterMap {
			if f.Layer == "" {
				return fmt.Errorf("map filter %q has no layer", f.Name)
			}
			if !layers[f.Layer] {
				return fmt.Errorf("map filter %q references unknown layer %q", f.Name, f.Layer)
			}
		}
		if f.Values.Source == ValuesMetadataTable && !tables[f.Values.MetadataTable] {
			return fmt.Errorf("filter %q references unknown metadata table %q", f.Name, f.Values.MetadataTable)
		}
	}
	return nil
}
