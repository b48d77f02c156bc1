package dataclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Transport-for-the-North/vis-core-sub002/internal/cache"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/pathtmpl"
)

func TestURL(t *testing.T) {
	c := New(Config{BaseURL: "http://api.test/"})

	u, err := c.URL(Request{
		Path:       "/api/zones/:zoneId/values/{year}",
		PathParams: map[string]any{"zoneId": "E01 2", "year": 2018},
		Query:      map[string]any{"mode": []any{"bus", "rail"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "http://api.test/api/zones/E01%202/values/2018?mode=bus%2Crail", u)

	_, err = c.URL(Request{Path: "/api/:missing"})
	assert.Error(t, err)

	repeat := New(Config{ArrayStyle: pathtmpl.Repeat})
	u, err = repeat.URL(Request{Path: "/a", Query: map[string]any{"m": []any{"x", "y"}}})
	require.NoError(t, err)
	assert.Equal(t, "/a?m=x&m=y", u)
}

func TestGetAuthAndEnvelope(t *testing.T) {
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"id":1},{"id":2}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Token: "secret"})
	list, err := GetList(context.Background(), c, Request{Path: "/rows"})
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.Equal(t, "Bearer secret", auth.Load())

	_, err = c.Get(context.Background(), Request{Path: "/rows", SkipAuth: true})
	require.NoError(t, err)
	assert.Equal(t, "", auth.Load())
}

func TestGetErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.Get(context.Background(), Request{Path: "/x"})
	var rfe *RemoteFetchError
	require.True(t, errors.As(err, &rfe))
	assert.Equal(t, http.StatusBadGateway, rfe.Status)
	assert.False(t, IsAbort(err))
}

func TestGetCancelledIsAbort(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := New(Config{BaseURL: srv.URL}).Get(ctx, Request{Path: "/slow"})
	require.Error(t, err)
	assert.True(t, IsAbort(err))
}

func TestGetUsesCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`[1,2,3]`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Cache: cache.NewLRU(8, time.Minute)})
	for range 3 {
		_, err := c.Get(context.Background(), Request{Path: "/n"})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), hits.Load())

	_, err := c.Get(context.Background(), Request{Path: "/n", NoCache: true})
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestPost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	out, err := New(Config{BaseURL: srv.URL}).Post(context.Background(), Request{Path: "/p"}, map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, out)
}

func TestUnwrap(t *testing.T) {
	tests := []struct {
		name string
		doc  any
		ok   bool
	}{
		{"bare", []any{1}, true},
		{"data", map[string]any{"data": []any{1}}, true},
		{"rows", map[string]any{"rows": []any{}}, true},
		{"object", map[string]any{"x": 1}, false},
		{"scalar", "x", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := Unwrap(tt.doc)
			assert.Equal(t, tt.ok, ok)
		})
	}
}
