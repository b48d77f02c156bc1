// Package pathtmpl parses request path and tile URL templates.
//
// Two placeholder spellings are recognised:
//
//	/api/zones/:zoneId/values        colon style, used by API data paths
//	/tiles/{z}/{x}/{y}?year={year}   brace style, used by tile URLs
//
// Parsing is pure: [Parse] turns a template into ordered tokens and
// [Resolve] substitutes values, reporting the placeholder names it could not
// fill. Tile indices ({z}, {x}, {y}) and the viewport marker are never
// treated as missing; the map engine fills them per request.
package pathtmpl

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Style identifies how a token was written in the template.
type Style int

const (
	Literal Style = iota
	Colon
	Brace
)

// ViewportMarker is the stable placeholder appended to tile templates whose
// requests are augmented with the current viewport bbox.
const ViewportMarker = "bbox"

var reserved = map[string]bool{"z": true, "x": true, "y": true, ViewportMarker: true}

// IsReserved reports whether name is filled by the map engine rather than
// by filter values.
func IsReserved(name string) bool {
	return reserved[name]
}

// Token is one piece of a parsed template.
type Token struct {
	Style Style
	// Text holds the literal text, or the placeholder name.
	Text string
	// InQuery is true when the token sits after the first '?'.
	InQuery bool
}

// Placeholder reports whether the token is a placeholder.
func (t Token) Placeholder() bool { return t.Style != Literal }

// String re-renders the token as it appeared in the template.
func (t Token) String() string {
	switch t.Style {
	case Colon:
		return ":" + t.Text
	case Brace:
		return "{" + t.Text + "}"
	default:
		return t.Text
	}
}

// Parse splits tmpl into literal and placeholder tokens, preserving order.
func Parse(tmpl string) []Token {
	var (
		tokens  []Token
		lit     strings.Builder
		inQuery bool
	)
	flush := func() {
		if lit.Len() > 0 {
			tokens = append(tokens, Token{Style: Literal, Text: lit.String(), InQuery: inQuery})
			lit.Reset()
		}
	}

	for i := 0; i < len(tmpl); {
		c := tmpl[i]
		switch {
		case c == '{':
			end := strings.IndexByte(tmpl[i:], '}')
			if end > 1 && isIdent(tmpl[i+1:i+end]) {
				flush()
				tokens = append(tokens, Token{Style: Brace, Text: tmpl[i+1 : i+end], InQuery: inQuery})
				i += end + 1
				continue
			}
		case c == ':' && colonAllowed(tmpl, i):
			j := i + 1
			for j < len(tmpl) && isIdentByte(tmpl[j], j == i+1) {
				j++
			}
			if j > i+1 {
				flush()
				tokens = append(tokens, Token{Style: Colon, Text: tmpl[i+1 : j], InQuery: inQuery})
				i = j
				continue
			}
		case c == '?' && !inQuery:
			flush()
			inQuery = true
		}
		lit.WriteByte(c)
		i++
	}
	flush()
	return tokens
}

// colonAllowed rejects scheme and port colons ("https://", "host:8080").
func colonAllowed(s string, i int) bool {
	if i+1 >= len(s) || !isIdentByte(s[i+1], true) {
		return false
	}
	if i == 0 {
		return true
	}
	switch s[i-1] {
	case '/', '=', '&', '?', ',':
		return true
	}
	return false
}

func isIdent(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isIdentByte(s[i], i == 0) {
			return false
		}
	}
	return s != ""
}

func isIdentByte(c byte, first bool) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		return true
	case c >= '0' && c <= '9':
		return !first
	}
	return false
}

// Placeholders returns the unique placeholder names in tmpl in first-seen order.
func Placeholders(tmpl string) []string {
	var names []string
	seen := map[string]bool{}
	for _, t := range Parse(tmpl) {
		if t.Placeholder() && !seen[t.Text] {
			seen[t.Text] = true
			names = append(names, t.Text)
		}
	}
	return names
}

// Resolve substitutes placeholder values into tmpl. Unresolvable names are
// left in place and returned, unique and in order. Reserved names are always
// left in place and never reported.
func Resolve(tmpl string, values map[string]any) (string, []string) {
	var (
		out     strings.Builder
		missing []string
		seen    = map[string]bool{}
	)
	for _, t := range Parse(tmpl) {
		if !t.Placeholder() {
			out.WriteString(t.Text)
			continue
		}
		if IsReserved(t.Text) {
			out.WriteString(t.String())
			continue
		}
		v, ok := Format(values[t.Text])
		if !ok {
			out.WriteString(t.String())
			if !seen[t.Text] {
				seen[t.Text] = true
				missing = append(missing, t.Text)
			}
			continue
		}
		if t.InQuery {
			out.WriteString(escapeList(v, url.QueryEscape))
		} else {
			out.WriteString(escapeList(v, url.PathEscape))
		}
	}
	return out.String(), missing
}

func escapeList(v string, esc func(string) string) string {
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = esc(p)
	}
	return strings.Join(parts, ",")
}

// Format renders a filter value as template text. Slices are comma-joined.
// It returns false for nil, empty strings and empty slices.
func Format(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, x != ""
	case bool:
		return strconv.FormatBool(x), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case json.Number:
		return x.String(), x != ""
	case []string:
		if len(x) == 0 {
			return "", false
		}
		return strings.Join(x, ","), true
	case []any:
		parts := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := Format(e); ok {
				parts = append(parts, s)
			}
		}
		if len(parts) == 0 {
			return "", false
		}
		return strings.Join(parts, ","), true
	default:
		return fmt.Sprint(x), true
	}
}

// ArrayStyle selects how slice values are encoded in a query string.
type ArrayStyle int

const (
	// Join encodes ?k=a,b,c.
	Join ArrayStyle = iota
	// Repeat encodes ?k=a&k=b&k=c.
	Repeat
)

// BuildQuery encodes params into a query string with sorted keys. Unset
// values are skipped.
func BuildQuery(params map[string]any, style ArrayStyle) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	q := url.Values{}
	for _, k := range keys {
		v := params[k]
		if style == Repeat {
			if items, ok := asSlice(v); ok {
				for _, item := range items {
					if s, ok := Format(item); ok {
						q.Add(k, s)
					}
				}
				continue
			}
		}
		if s, ok := Format(v); ok {
			q.Set(k, s)
		}
	}
	return q.Encode()
}

// AppendQuery appends an encoded query to path, respecting an existing '?'.
func AppendQuery(path, query string) string {
	if query == "" {
		return path
	}
	if strings.Contains(path, "?") {
		if strings.HasSuffix(path, "?") || strings.HasSuffix(path, "&") {
			return path + query
		}
		return path + "&" + query
	}
	return path + "?" + query
}

func asSlice(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}
