// Package dataclient is the data collaborator client: JSON GET/POST against
// the backend API with path placeholder substitution, query building,
// envelope unwrapping, bearer auth, response caching and rate limiting.
//
// Configuration is passed explicitly at construction; there is no
// process-wide base URL or token.
package dataclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/Transport-for-the-North/vis-core-sub002/internal/cache"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/metrics"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/pathtmpl"
)

// Config configures a Client.
type Config struct {
	BaseURL string
	// Token is sent as a bearer token unless a request opts out.
	Token   string
	Timeout time.Duration
	// RequestsPerSecond limits outgoing requests; zero disables limiting.
	RequestsPerSecond float64
	Burst             int
	// ArrayStyle selects how slice query values are encoded.
	ArrayStyle pathtmpl.ArrayStyle
	// Cache stores GET response bodies; nil disables caching.
	Cache    cache.Cache
	CacheTTL time.Duration

	HTTPClient *http.Client
	Logger     *log.Logger
	Metrics    *metrics.Collector
}

// Request describes one call.
type Request struct {
	// Path is a template with :name or {name} placeholders.
	Path       string
	PathParams map[string]any
	Query      map[string]any
	SkipAuth   bool
	// NoCache bypasses the response cache.
	NoCache bool
}

// Fetcher is the read side of the client, used by the engines.
type Fetcher interface {
	Get(ctx context.Context, req Request) (any, error)
	GetInto(ctx context.Context, req Request, out any) error
}

var _ Fetcher = (*Client)(nil)

// Client talks to the data collaborator.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	cache   cache.Cache
	logger  *log.Logger
}

// New creates a client.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	c := cfg.Cache
	if c == nil {
		c = cache.NewNull()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		cfg:     cfg,
		http:    hc,
		limiter: limiter,
		cache:   c,
		logger:  logger.WithPrefix("dataclient"),
	}
}

// URL resolves a request into an absolute URL. Unresolved path placeholders
// are an error.
func (c *Client) URL(req Request) (string, error) {
	path, missing := pathtmpl.Resolve(req.Path, req.PathParams)
	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved path parameters %v in %q", missing, req.Path)
	}
	path = pathtmpl.AppendQuery(path, pathtmpl.BuildQuery(req.Query, c.cfg.ArrayStyle))
	if strings.Contains(path, "://") || c.cfg.BaseURL == "" {
		return path, nil
	}
	return strings.TrimSuffix(c.cfg.BaseURL, "/") + "/" + strings.TrimPrefix(path, "/"), nil
}

// Get fetches and decodes a JSON document.
func (c *Client) Get(ctx context.Context, req Request) (any, error) {
	var out any
	if err := c.GetInto(ctx, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetList fetches a list through f, unwrapping a data, results or rows
// envelope.
func GetList(ctx context.Context, f Fetcher, req Request) ([]any, error) {
	doc, err := f.Get(ctx, req)
	if err != nil {
		return nil, err
	}
	list, ok := Unwrap(doc)
	if !ok {
		return nil, &RemoteFetchError{Op: http.MethodGet, URL: req.Path, Err: errors.New("response is not a list")}
	}
	return list, nil
}

// GetInto fetches a JSON document into out.
func (c *Client) GetInto(ctx context.Context, req Request, out any) error {
	u, err := c.URL(req)
	if err != nil {
		return err
	}
	key := cache.Key(http.MethodGet, u, authScope(req))
	if !req.NoCache {
		if data, ok, err := c.cache.Get(ctx, key); err != nil {
			c.logger.Debug("cache get failed", "err", err)
		} else {
			c.cfg.Metrics.CacheLookup(ok)
			if ok {
				return decode(u, data, out)
			}
		}
	}

	data, err := c.do(ctx, http.MethodGet, u, nil, req.SkipAuth)
	if err != nil {
		return err
	}
	if err := decode(u, data, out); err != nil {
		return err
	}
	if !req.NoCache {
		if err := c.cache.Set(ctx, key, data, c.cfg.CacheTTL); err != nil {
			c.logger.Debug("cache set failed", "err", err)
		}
	}
	return nil
}

// Post sends body as JSON and decodes the JSON response. Responses are
// never cached.
func (c *Client) Post(ctx context.Context, req Request, body any) (any, error) {
	u, err := c.URL(req)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	data, err := c.do(ctx, http.MethodPost, u, payload, req.SkipAuth)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var out any
	if err := decode(u, data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, u string, body []byte, skipAuth bool) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &RemoteFetchError{Op: method, URL: u, Err: err}
		}
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, &RemoteFetchError{Op: method, URL: u, Err: err}
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if !skipAuth && c.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.cfg.Metrics.Fetch(method, "error", time.Since(start).Seconds())
		return nil, &RemoteFetchError{Op: method, URL: u, Err: err}
	}
	defer resp.Body.Close()
	c.cfg.Metrics.Fetch(method, fmt.Sprint(resp.StatusCode), time.Since(start).Seconds())

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RemoteFetchError{Op: method, URL: u, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RemoteFetchError{Op: method, URL: u, Status: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(data)))}
	}
	return data, nil
}

func decode(u string, data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return &RemoteFetchError{Op: http.MethodGet, URL: u, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

func authScope(req Request) string {
	if req.SkipAuth {
		return "anon"
	}
	return "auth"
}

// Unwrap returns doc as a list: a bare array, or the array under a data,
// results or rows key.
func Unwrap(doc any) ([]any, bool) {
	switch v := doc.(type) {
	case []any:
		return v, true
	case map[string]any:
		for _, k := range []string{"data", "results", "rows"} {
			if list, ok := v[k].([]any); ok {
				return list, true
			}
		}
	}
	return nil, false
}
