package pathtmpl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tokens := Parse("/api/zones/:zoneId/values?year={year}")
	require.Len(t, tokens, 5)

	assert.Equal(t, Token{Style: Literal, Text: "/api/zones/"}, tokens[0])
	assert.Equal(t, Token{Style: Colon, Text: "zoneId"}, tokens[1])
	assert.Equal(t, Token{Style: Literal, Text: "/values"}, tokens[2])
	assert.Equal(t, Token{Style: Literal, Text: "?year=", InQuery: true}, tokens[3])
	assert.Equal(t, Token{Style: Brace, Text: "year", InQuery: true}, tokens[4])
}

func TestParseIgnoresSchemeAndPort(t *testing.T) {
	names := Placeholders("https://tiles.example.com:8080/{z}/{x}/{y}.pbf?scenario=:scenario")
	assert.Equal(t, []string{"z", "x", "y", "scenario"}, names)
}

func TestPlaceholdersUnique(t *testing.T) {
	names := Placeholders("/a/{id}/b/:id/{other}")
	assert.Equal(t, []string{"id", "other"}, names)
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name        string
		tmpl        string
		values      map[string]any
		want        string
		wantMissing []string
	}{
		{
			name:        "unresolved year",
			tmpl:        "/tiles/{z}/{x}/{y}?year={year}",
			values:      map[string]any{},
			want:        "/tiles/{z}/{x}/{y}?year={year}",
			wantMissing: []string{"year"},
		},
		{
			name:   "resolved year",
			tmpl:   "/tiles/{z}/{x}/{y}?year={year}",
			values: map[string]any{"year": float64(2018)},
			want:   "/tiles/{z}/{x}/{y}?year=2018",
		},
		{
			name:   "colon path param",
			tmpl:   "/api/zones/:zoneId",
			values: map[string]any{"zoneId": "E02 001"},
			want:   "/api/zones/E02%20001",
		},
		{
			name:   "array joined",
			tmpl:   "/tiles/{z}/{x}/{y}?modes={modes}",
			values: map[string]any{"modes": []any{"bus", "rail"}},
			want:   "/tiles/{z}/{x}/{y}?modes=bus,rail",
		},
		{
			name:        "empty string is missing",
			tmpl:        "/a/:b",
			values:      map[string]any{"b": ""},
			want:        "/a/:b",
			wantMissing: []string{"b"},
		},
		{
			name:   "viewport marker kept",
			tmpl:   "/tiles/{z}/{x}/{y}?bbox={bbox}",
			values: map[string]any{},
			want:   "/tiles/{z}/{x}/{y}?bbox={bbox}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, missing := Resolve(tt.tmpl, tt.values)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantMissing, missing)
		})
	}
}

func TestFormat(t *testing.T) {
	s, ok := Format(float64(3.5))
	assert.True(t, ok)
	assert.Equal(t, "3.5", s)

	_, ok = Format([]any{})
	assert.False(t, ok)

	s, ok = Format([]string{"a", "b"})
	assert.True(t, ok)
	assert.Equal(t, "a,b", s)
}

func TestBuildQuery(t *testing.T) {
	params := map[string]any{
		"mode":  []any{"bus", "rail"},
		"year":  2018,
		"unset": nil,
	}
	assert.Equal(t, "mode=bus%2Crail&year=2018", BuildQuery(params, Join))
	assert.Equal(t, "mode=bus&mode=rail&year=2018", BuildQuery(params, Repeat))
}

func TestAppendQuery(t *testing.T) {
	assert.Equal(t, "/a?x=1", AppendQuery("/a", "x=1"))
	assert.Equal(t, "/a?y=2&x=1", AppendQuery("/a?y=2", "x=1"))
	assert.Equal(t, "/a?x=1", AppendQuery("/a?", "x=1"))
	assert.Equal(t, "/a", AppendQuery("/a", ""))
}
