// Package tooltip renders hover tooltip HTML fragments.
package tooltip

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

//go:embed fragments/*.html
var embedded embed.FS

// funcMap provides common template functions.
var funcMap = template.FuncMap{
	"format": FormatValue,
}

// Field is one labelled value.
type Field struct {
	Name  string
	Value string
}

// Default is the content of the default tooltip of one feature.
type Default struct {
	Layer    string
	Title    string
	Value    string
	HasValue bool
	Metadata []Field
	// Slot is embedded below the default content: a loading placeholder or
	// enriched content.
	Slot template.HTML
}

// Renderer manages HTML fragment templates.
type Renderer struct {
	mu        sync.RWMutex
	templates *template.Template
	custom    map[string]*template.Template
}

// New creates a renderer from the built-in fragments.
func New() (*Renderer, error) {
	tmpl, err := template.New("").Funcs(funcMap).ParseFS(embedded, "fragments/*.html")
	if err != nil {
		return nil, err
	}
	return &Renderer{templates: tmpl, custom: map[string]*template.Template{}}, nil
}

// Reload replaces the fragments with the *.html files of dir (useful for dev
// hot-reload of tooltip styling).
func (r *Renderer) Reload(dir string) error {
	tmpl, err := template.New("").Funcs(funcMap).ParseGlob(filepath.Join(dir, "*.html"))
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.templates = tmpl
	r.mu.Unlock()
	return nil
}

// Render renders a named fragment.
func (r *Renderer) Render(name string, data any) (template.HTML, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var buf bytes.Buffer
	if err := r.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return template.HTML(buf.String()), nil
}

// must renders a fragment whose data cannot fail to execute.
func (r *Renderer) must(name string, data any) template.HTML {
	s, err := r.Render(name, data)
	if err != nil {
		panic(err)
	}
	return s
}

// Default renders the default fragment.
func (r *Renderer) Default(d Default) (template.HTML, error) {
	return r.Render("default", d)
}

// Loading renders the enrichment placeholder.
func (r *Renderer) Loading() template.HTML { return r.must("loading", nil) }

// Unavailable renders the neutral failure fragment used inside a default
// tooltip.
func (r *Renderer) Unavailable() template.HTML { return r.must("unavailable", nil) }

// Error renders the failure fragment that stands in for a replaced tooltip.
func (r *Renderer) Error(layer, title string) template.HTML {
	return r.must("error", Default{Layer: layer, Title: title})
}

// Problem is one line of the configuration error overlay.
type Problem struct {
	Table  string
	Reason string
}

// Blocked renders the overlay shown instead of the map when bootstrap
// failed.
func (r *Renderer) Blocked(problems []Problem) template.HTML {
	return r.must("blocked", problems)
}

// Join concatenates fragments with a divider.
func (r *Renderer) Join(frags []template.HTML) template.HTML {
	divider := string(r.must("divider", nil))
	parts := make([]string, len(frags))
	for i, f := range frags {
		parts[i] = string(f)
	}
	return template.HTML(strings.Join(parts, divider))
}

// Records renders enrichment records: the first one in full, then a "+N
// more" indicator for the rest. tmpl, when set, is an html/template body
// executed against the record; otherwise every field is listed.
func (r *Renderer) Records(tmpl string, records []map[string]any) (template.HTML, error) {
	if len(records) == 0 {
		return r.Unavailable(), nil
	}
	first, err := r.record(tmpl, records[0])
	if err != nil {
		return "", err
	}
	if len(records) > 1 {
		first += r.must("more", len(records)-1)
	}
	return first, nil
}

func (r *Renderer) record(tmpl string, rec map[string]any) (template.HTML, error) {
	if tmpl == "" {
		keys := make([]string, 0, len(rec))
		for k := range rec {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make([]Field, 0, len(keys))
		for _, k := range keys {
			fields = append(fields, Field{Name: k, Value: FormatValue(rec[k])})
		}
		return r.Render("record", fields)
	}

	t, err := r.compile(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, rec); err != nil {
		return "", fmt.Errorf("executing tooltip template: %w", err)
	}
	return template.HTML(buf.String()), nil
}

func (r *Renderer) compile(tmpl string) (*template.Template, error) {
	r.mu.RLock()
	t, ok := r.custom[tmpl]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}
	t, err := template.New("custom").Funcs(funcMap).Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parsing tooltip template: %w", err)
	}
	r.mu.Lock()
	r.custom[tmpl] = t
	r.mu.Unlock()
	return t, nil
}

// FormatValue renders a property value for display: numbers get thousands
// separators and at most two decimals, nil renders as "-".
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return formatNumber(float64(x))
	case int64:
		return formatNumber(float64(x))
	case float32:
		return formatNumber(float64(x))
	case float64:
		return formatNumber(x)
	}
	return fmt.Sprint(v)
}

func formatNumber(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "-"
	}
	s := strconv.FormatFloat(math.Round(f*100)/100, 'f', -1, 64)
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	intPart, frac, hasFrac := strings.Cut(s, ".")
	var b strings.Builder
	for i, c := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	if hasFrac {
		b.WriteByte('.')
		b.WriteString(frac)
	}
	return sign + b.String()
}
