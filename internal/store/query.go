package store

import (
	"net/url"
	"sort"
	"strings"

	"github.com/Transport-for-the-North/vis-core-sub002/internal/pathtmpl"
)

// QueryString encodes the set filter values as one query parameter per
// filter, keyed by param name. Array values are comma-joined. ids maps
// paramName to filter id.
func (s *Store) QueryString(ids map[string]string) string {
	values := s.ParamValues(ids)
	q := url.Values{}
	for param, v := range values {
		if str, ok := pathtmpl.Format(v); ok {
			q.Set(param, str)
		}
	}
	return q.Encode()
}

// ParseQueryString decodes a query string produced by QueryString into raw
// values keyed by filter id. Parameters that map to no filter are ignored.
// Comma-separated values are split into lists.
func ParseQueryString(raw string, ids map[string]string) (map[string]any, error) {
	q, err := url.ParseQuery(strings.TrimPrefix(raw, "?"))
	if err != nil {
		return nil, err
	}
	params := make([]string, 0, len(q))
	for p := range q {
		params = append(params, p)
	}
	sort.Strings(params)

	out := map[string]any{}
	for _, p := range params {
		id, ok := ids[p]
		if !ok {
			continue
		}
		v := q.Get(p)
		if v == "" {
			continue
		}
		if strings.Contains(v, ",") {
			parts := strings.Split(v, ",")
			list := make([]any, len(parts))
			for i, part := range parts {
				list[i] = part
			}
			out[id] = list
			continue
		}
		out[id] = v
	}
	return out, nil
}
