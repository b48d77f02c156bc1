package api

import (
	"fmt"
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

// links maps operation paths to their RFC 8288 Link header values.
// Enables restish hypermedia navigation via `restish links <url>`.
var links = map[string][]string{
	"/health": {
		`</api/v1/info>; rel="info"`,
		`</api/v1/page>; rel="page"`,
	},
	"/api/v1/info": {
		`</health>; rel="health"`,
		`</api/v1/page>; rel="page"`,
	},
	"/api/v1/page": {
		`</api/v1/filters>; rel="filters"`,
		`</api/v1/layers>; rel="layers"`,
		`</api/v1/tables>; rel="tables"`,
		`</api/v1/query-string>; rel="query-string"`,
		`</api/v1/events>; rel="events"`,
	},
	"/api/v1/filters": {
		`</api/v1/page>; rel="page"`,
		`</api/v1/query-string>; rel="query-string"`,
	},
	"/api/v1/filters/{id}": {
		`</api/v1/filters>; rel="collection"`,
	},
	"/api/v1/layers": {
		`</api/v1/filters>; rel="filters"`,
	},
	"/api/v1/tables": {
		`</api/v1/filters>; rel="filters"`,
	},
	"/api/v1/tables/{name}": {
		`</api/v1/tables>; rel="collection"`,
	},
}

// LinkTransformer returns a Huma Transformer that injects RFC 8288 Link headers.
func LinkTransformer() huma.Transformer {
	return func(ctx huma.Context, status string, v any) (any, error) {
		op := ctx.Operation()
		if op == nil {
			return v, nil
		}

		for _, link := range links[op.Path] {
			ctx.AppendHeader("Link", link)
		}

		// Item endpoints get a self link
		if strings.Contains(op.Path, "{") {
			ctx.AppendHeader("Link", fmt.Sprintf(`<%s>; rel="self"`, ctx.URL().Path))
		}

		return v, nil
	}
}
