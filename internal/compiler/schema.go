package compiler

import (
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/Transport-for-the-North/vis-core-sub002/internal/pageconfig"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/pathtmpl"
)

// Param is one accepted parameter of a visualisation's data endpoint.
type Param struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
}

// VisParams describes what a visualisation's data endpoint accepts.
type VisParams struct {
	Query        []Param `json:"query,omitempty"`
	Path         []Param `json:"path,omitempty"`
	RequiresAuth bool    `json:"requiresAuth"`
	// FromSchema is false when the params were inferred from the data path
	// template alone.
	FromSchema bool `json:"fromSchema"`
}

// RequiredQuery returns the names of the required query parameters.
func (p VisParams) RequiredQuery() []string {
	var out []string
	for _, q := range p.Query {
		if q.Required {
			out = append(out, q.Name)
		}
	}
	return out
}

// apiDoc is the subset of an OpenAPI document the compiler reads. Decoding
// straight into huma.OpenAPI fails on schema registries and 3.1 type
// arrays, so documents are decoded here and converted.
type apiDoc struct {
	Paths    map[string]apiPathItem `json:"paths"`
	Security []map[string][]string  `json:"security"`
}

type apiPathItem struct {
	Parameters []apiParam    `json:"parameters"`
	Get        *apiOperation `json:"get"`
}

type apiOperation struct {
	Parameters []apiParam            `json:"parameters"`
	Security   []map[string][]string `json:"security"`
}

type apiParam struct {
	Name     string `json:"name"`
	In       string `json:"in"`
	Required bool   `json:"required"`
}

func (d apiDoc) openAPI() *huma.OpenAPI {
	doc := &huma.OpenAPI{Paths: map[string]*huma.PathItem{}, Security: d.Security}
	conv := func(ps []apiParam) []*huma.Param {
		out := make([]*huma.Param, 0, len(ps))
		for _, p := range ps {
			out = append(out, &huma.Param{Name: p.Name, In: p.In, Required: p.Required})
		}
		return out
	}
	for path, item := range d.Paths {
		pi := &huma.PathItem{Parameters: conv(item.Parameters)}
		if item.Get != nil {
			pi.Get = &huma.Operation{Parameters: conv(item.Get.Parameters), Security: item.Get.Security}
		}
		doc.Paths[path] = pi
	}
	return doc
}

// DeriveParams reads the accepted parameters of a visualisation's data path
// from doc. If the schema marks nothing required every parameter is
// required. Without a matching operation the params are inferred from the
// data path template, all required.
func DeriveParams(doc *huma.OpenAPI, vis pageconfig.Visualisation) VisParams {
	var out VisParams
	op, item := findOperation(doc, vis.DataPath)
	if op == nil {
		out = inferParams(vis.DataPath)
		out.RequiresAuth = vis.RequiresAuth == nil || *vis.RequiresAuth
		return out
	}

	out.FromSchema = true
	params := append(append([]*huma.Param{}, item.Parameters...), op.Parameters...)
	anyRequired := false
	for _, p := range params {
		if p.Required && p.In != "path" {
			anyRequired = true
		}
	}
	seen := map[string]bool{}
	for i := len(params) - 1; i >= 0; i-- {
		p := params[i]
		if seen[p.In+"/"+p.Name] {
			continue
		}
		seen[p.In+"/"+p.Name] = true
		entry := Param{Name: p.Name, Required: p.Required || !anyRequired}
		switch p.In {
		case "path":
			entry.Required = true
			out.Path = append([]Param{entry}, out.Path...)
		case "query":
			out.Query = append([]Param{entry}, out.Query...)
		}
	}

	switch {
	case vis.RequiresAuth != nil:
		out.RequiresAuth = *vis.RequiresAuth
	case op.Security != nil:
		out.RequiresAuth = len(op.Security) > 0
	default:
		out.RequiresAuth = len(doc.Security) > 0
	}
	return out
}

func findOperation(doc *huma.OpenAPI, dataPath string) (*huma.Operation, *huma.PathItem) {
	if doc == nil {
		return nil, nil
	}
	want := shape(dataPath)
	for path, item := range doc.Paths {
		if item != nil && item.Get != nil && shape(path) == want {
			return item.Get, item
		}
	}
	return nil, nil
}

// shape reduces a path template to its segments with every placeholder
// blanked, so "/flows/:zone" matches "/flows/{zoneId}".
func shape(tmpl string) string {
	path, _, _ := strings.Cut(tmpl, "?")
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for i, seg := range segs {
		for _, t := range pathtmpl.Parse(seg) {
			if t.Placeholder() {
				segs[i] = "{}"
				break
			}
		}
	}
	return "/" + strings.Join(segs, "/")
}

func inferParams(dataPath string) VisParams {
	var out VisParams
	seen := map[string]bool{}
	for _, t := range pathtmpl.Parse(dataPath) {
		if !t.Placeholder() || pathtmpl.IsReserved(t.Text) || seen[t.Text] {
			continue
		}
		seen[t.Text] = true
		p := Param{Name: t.Text, Required: true}
		if t.InQuery {
			out.Query = append(out.Query, p)
		} else {
			out.Path = append(out.Path, p)
		}
	}
	return out
}
