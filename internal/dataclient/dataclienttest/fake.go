// Package dataclienttest provides an in-memory data collaborator for engine
// tests.
package dataclienttest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"

	"github.com/Transport-for-the-North/vis-core-sub002/internal/dataclient"
)

// Fake answers requests from canned responses keyed by resolved URL (path
// and query, no base URL).
type Fake struct {
	// IgnoreCancel lets held requests complete even after their context is
	// cancelled, simulating a response that was already on the wire.
	IgnoreCancel bool

	mu        sync.Mutex
	responses map[string]any
	errs      map[string]error
	gates     map[string]chan struct{}
	requests  []string
	started   chan string
	urls      *dataclient.Client
}

// New creates an empty fake.
func New() *Fake {
	return &Fake{
		responses: map[string]any{},
		errs:      map[string]error{},
		gates:     map[string]chan struct{}{},
		started:   make(chan string, 64),
		urls:      dataclient.New(dataclient.Config{}),
	}
}

// Respond sets the JSON-compatible document returned for url.
func (f *Fake) Respond(url string, doc any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[url] = doc
}

// Fail makes requests for url fail with err.
func (f *Fake) Fail(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[url] = err
}

// Hold blocks requests for url until the returned release is called.
func (f *Fake) Hold(url string) (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gates[url] = gate
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// Requests returns every resolved URL requested, in order.
func (f *Fake) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.requests)
}

// Started yields each resolved URL as its request begins.
func (f *Fake) Started() <-chan string { return f.started }

// Get implements dataclient.Fetcher.
func (f *Fake) Get(ctx context.Context, req dataclient.Request) (any, error) {
	var out any
	if err := f.GetInto(ctx, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetInto implements dataclient.Fetcher.
func (f *Fake) GetInto(ctx context.Context, req dataclient.Request, out any) error {
	url, err := f.urls.URL(req)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.requests = append(f.requests, url)
	gate := f.gates[url]
	f.mu.Unlock()
	select {
	case f.started <- url:
	default:
	}

	if gate != nil {
		if f.IgnoreCancel {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return &dataclient.RemoteFetchError{Op: http.MethodGet, URL: url, Err: ctx.Err()}
			}
		}
	}

	f.mu.Lock()
	doc, ok := f.responses[url]
	ferr := f.errs[url]
	f.mu.Unlock()

	if ferr != nil {
		return &dataclient.RemoteFetchError{Op: http.MethodGet, URL: url, Status: http.StatusInternalServerError, Err: ferr}
	}
	if !ok {
		return &dataclient.RemoteFetchError{Op: http.MethodGet, URL: url, Status: http.StatusNotFound, Err: errors.New("no canned response")}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

var _ dataclient.Fetcher = (*Fake)(nil)
