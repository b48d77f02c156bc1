// Package pageconfig holds the declarative page configuration: layers,
// visualisations, filters and metadata tables. It is read-only input; the
// compiler turns it into runtime state.
package pageconfig

// SourceKind is the data feed a layer draws from.
type SourceKind string

const (
	SourceTile    SourceKind = "tile"
	SourceGeoJSON SourceKind = "geojson"
)

// GeometryType is the drawable geometry of a layer.
type GeometryType string

const (
	GeometryPolygon GeometryType = "polygon"
	GeometryLine    GeometryType = "line"
	GeometryPoint   GeometryType = "point"
)

// Page is a complete page configuration.
type Page struct {
	Name           string          `json:"name" yaml:"name" doc:"Page name"`
	Layout         string          `json:"layout,omitempty" yaml:"layout,omitempty" enum:"single,dual" doc:"single or dual (side-by-side) map layout"`
	Layers         []Layer         `json:"layers" yaml:"layers"`
	Visualisations []Visualisation `json:"visualisations" yaml:"visualisations"`
	Filters        []Filter        `json:"filters" yaml:"filters"`
	MetadataTables []MetadataTable `json:"metadataTables,omitempty" yaml:"metadataTables,omitempty"`
	// APISchemaPath is fetched from the data collaborator to derive
	// visualisation query parameters. Empty disables derivation.
	APISchemaPath string `json:"apiSchemaPath,omitempty" yaml:"apiSchemaPath,omitempty" doc:"Path of the OpenAPI document"`
}

// Dual reports whether the page drives left/right map surfaces.
func (p Page) Dual() bool { return p.Layout == "dual" }

// Layer is a drawable bound to one source.
type Layer struct {
	Name         string       `json:"name" yaml:"name" doc:"Unique layer name"`
	Type         SourceKind   `json:"type,omitempty" yaml:"type,omitempty" enum:"tile,geojson"`
	GeometryType GeometryType `json:"geometryType" yaml:"geometryType" enum:"polygon,line,point"`
	Path         string       `json:"path" yaml:"path" doc:"Tile URL or feature collection path template"`
	SourceLayer  string       `json:"sourceLayer,omitempty" yaml:"sourceLayer,omitempty"`

	IsHoverable     bool `json:"isHoverable,omitempty" yaml:"isHoverable,omitempty"`
	IsStylable      bool `json:"isStylable,omitempty" yaml:"isStylable,omitempty"`
	ShouldHaveLabel bool `json:"shouldHaveLabel,omitempty" yaml:"shouldHaveLabel,omitempty"`

	LabelZoomLevel float64 `json:"labelZoomLevel,omitempty" yaml:"labelZoomLevel,omitempty"`
	LabelNulls     bool    `json:"labelNulls,omitempty" yaml:"labelNulls,omitempty"`
	LabelField     string  `json:"labelField,omitempty" yaml:"labelField,omitempty"`

	// HoverNulls defaults to true; false drops hover candidates whose bound
	// value is null.
	HoverNulls                    *bool  `json:"hoverNulls,omitempty" yaml:"hoverNulls,omitempty"`
	HoverOnlyOnData               bool   `json:"hoverOnlyOnData,omitempty" yaml:"hoverOnlyOnData,omitempty"`
	HoverTipShouldIncludeMetadata bool   `json:"hoverTipShouldIncludeMetadata,omitempty" yaml:"hoverTipShouldIncludeMetadata,omitempty"`
	ValueField                    string `json:"valueField,omitempty" yaml:"valueField,omitempty" doc:"Property holding the joined value"`
	TitleField                    string `json:"titleField,omitempty" yaml:"titleField,omitempty"`

	BufferSize int     `json:"bufferSize,omitempty" yaml:"bufferSize,omitempty" doc:"Hover buffer in pixels"`
	MinZoom    float64 `json:"minZoom,omitempty" yaml:"minZoom,omitempty"`
	MaxZoom    float64 `json:"maxZoom,omitempty" yaml:"maxZoom,omitempty"`

	AppendViewportBbox bool `json:"appendViewportBbox,omitempty" yaml:"appendViewportBbox,omitempty"`

	CustomPaint   map[string]any `json:"customPaint,omitempty" yaml:"customPaint,omitempty"`
	CustomTooltip *CustomTooltip `json:"customTooltip,omitempty" yaml:"customTooltip,omitempty"`
	ImageMarker   *ImageMarker   `json:"imageMarker,omitempty" yaml:"imageMarker,omitempty"`

	ShouldShowInLegend          *bool   `json:"shouldShowInLegend,omitempty" yaml:"shouldShowInLegend,omitempty"`
	DefaultOpacity              float64 `json:"defaultOpacity,omitempty" yaml:"defaultOpacity,omitempty"`
	HiddenClassificationControl bool    `json:"hiddenClassificationControl,omitempty" yaml:"hiddenClassificationControl,omitempty"`
}

// HoverNullValues reports whether features with a null bound value stay
// hoverable.
func (l Layer) HoverNullValues() bool {
	return l.HoverNulls == nil || *l.HoverNulls
}

// ShowInLegend defaults to true.
func (l Layer) ShowInLegend() bool {
	return l.ShouldShowInLegend == nil || *l.ShouldShowInLegend
}

// TooltipMode selects how enriched content combines with the default tooltip.
type TooltipMode string

const (
	TooltipJoin    TooltipMode = "join"
	TooltipReplace TooltipMode = "replace"
)

// CustomTooltip declares a remote enrichment request for hovered features.
type CustomTooltip struct {
	// Path may reference feature properties, "id" and filter params.
	Path     string      `json:"path" yaml:"path"`
	Mode     TooltipMode `json:"mode,omitempty" yaml:"mode,omitempty" enum:"join,replace"`
	Template string      `json:"template,omitempty" yaml:"template,omitempty" doc:"html/template body rendered per record"`
	SkipAuth bool        `json:"skipAuth,omitempty" yaml:"skipAuth,omitempty"`
}

// ImageMarker renders point features as icons whose URLs come from a
// feature property.
type ImageMarker struct {
	Property string  `json:"property" yaml:"property"`
	Size     float64 `json:"size,omitempty" yaml:"size,omitempty"`
}

// Visualisation binds fetched values onto a join layer.
type Visualisation struct {
	Name         string `json:"name" yaml:"name"`
	Type         string `json:"type,omitempty" yaml:"type,omitempty"`
	DataPath     string `json:"dataPath" yaml:"dataPath"`
	JoinLayer    string `json:"joinLayer,omitempty" yaml:"joinLayer,omitempty"`
	JoinField    string `json:"joinField,omitempty" yaml:"joinField,omitempty"`
	ValueField   string `json:"valueField,omitempty" yaml:"valueField,omitempty"`
	RequiresAuth *bool  `json:"requiresAuth,omitempty" yaml:"requiresAuth,omitempty"`
}

// Filter types.
const (
	FilterDropdown = "dropdown"
	FilterSlider   = "slider"
	FilterToggle   = "toggle"
	FilterCheckbox = "checkbox"
	FilterMap      = "map"
	FilterViewport = "viewport"
)

// Filter is a user-controllable parameter.
type Filter struct {
	Name      string   `json:"filterName" yaml:"filterName" doc:"Display name"`
	ParamName string   `json:"paramName" yaml:"paramName"`
	Type      string   `json:"type" yaml:"type" enum:"dropdown,slider,toggle,checkbox,map,viewport"`
	Targets   []Target `json:"visualisations,omitempty" yaml:"visualisations,omitempty"`
	Values    Values   `json:"values,omitempty" yaml:"values,omitempty"`

	MultiSelect         bool     `json:"multiSelect,omitempty" yaml:"multiSelect,omitempty"`
	SelectAll           bool     `json:"selectAll,omitempty" yaml:"selectAll,omitempty"`
	ShouldBeBlankOnInit bool     `json:"shouldBeBlankOnInit,omitempty" yaml:"shouldBeBlankOnInit,omitempty"`
	DefaultValue        any      `json:"defaultValue,omitempty" yaml:"defaultValue,omitempty"`
	Min                 *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max                 *float64 `json:"max,omitempty" yaml:"max,omitempty"`

	// Map filters.
	Layer string `json:"layer,omitempty" yaml:"layer,omitempty"`
	Field string `json:"field,omitempty" yaml:"field,omitempty" doc:"Feature property written on click; \"id\" for the feature id"`

	// Viewport filters.
	MinZoom *float64 `json:"minZoom,omitempty" yaml:"minZoom,omitempty"`
	BboxKey string   `json:"bboxKey,omitempty" yaml:"bboxKey,omitempty" enum:"west,south,east,north,zoom"`

	Actions []Action `json:"actions,omitempty" yaml:"actions,omitempty"`
}

// Target names a visualisation (or layer) fed by a filter.
type Target struct {
	Name string `json:"name" yaml:"name"`
	// Type is "queryParam", "pathParam" or "layerPath".
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
	// Param overrides the filter's ParamName for this target.
	Param string `json:"param,omitempty" yaml:"param,omitempty"`
}

// Action types run after a filter value is written.
const (
	ActionUpdateQueryParams = "UPDATE_QUERY_PARAMS"
	ActionClearQueryParams  = "CLEAR_QUERY_PARAMS"
)

// Action is a follow-on effect of a filter write.
type Action struct {
	Action string `json:"action" yaml:"action"`
	// Visualisations limits the action; empty means the filter's targets.
	Visualisations []string `json:"visualisations,omitempty" yaml:"visualisations,omitempty"`
}

// Value domain sources.
const (
	ValuesLocal         = "local"
	ValuesMetadataTable = "metadataTable"
	ValuesAPI           = "api"
)

// Values declares a filter's value domain.
type Values struct {
	Source string   `json:"source,omitempty" yaml:"source,omitempty" enum:"local,metadataTable,api"`
	Values []Option `json:"values,omitempty" yaml:"values,omitempty"`

	MetadataTable string      `json:"metadataTableName,omitempty" yaml:"metadataTableName,omitempty"`
	DisplayColumn string      `json:"displayColumn,omitempty" yaml:"displayColumn,omitempty"`
	ParamColumn   string      `json:"paramColumn,omitempty" yaml:"paramColumn,omitempty"`
	Where         []Predicate `json:"where,omitempty" yaml:"where,omitempty"`
	SortBy        string      `json:"sortBy,omitempty" yaml:"sortBy,omitempty" enum:"display,value,-display,-value"`
	Exclude       []any       `json:"exclude,omitempty" yaml:"exclude,omitempty"`

	// Path of the distinct-values endpoint for API-derived domains.
	Path  string `json:"path,omitempty" yaml:"path,omitempty"`
	Field string `json:"field,omitempty" yaml:"field,omitempty"`
}

// Option is one (display, value) pair of a domain.
type Option struct {
	Display string `json:"displayValue" yaml:"displayValue"`
	Value   any    `json:"paramValue" yaml:"paramValue"`
}

// MetadataTable is a server-provided reference dataset.
type MetadataTable struct {
	Name     string      `json:"name" yaml:"name"`
	Path     string      `json:"path" yaml:"path"`
	Where    []Predicate `json:"where,omitempty" yaml:"where,omitempty"`
	Optional bool        `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// Predicate filters metadata rows.
type Predicate struct {
	Column   string `json:"column" yaml:"column"`
	Operator string `json:"operator,omitempty" yaml:"operator,omitempty" enum:"=,!=,in,notIn,>,>=,<,<="`
	Value    any    `json:"value" yaml:"value"`
}
