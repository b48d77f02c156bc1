package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Transport-for-the-North/vis-core-sub002/internal/cache"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/compiler"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/dataclient"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/db"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/logging"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/loop"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/metrics"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/page"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/pageconfig"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/server"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/surface"
	"github.com/Transport-for-the-North/vis-core-sub002/internal/tooltip"
)

// Options defines all CLI flags and env vars.
// Flags: --host, --port, --config, --data-url, --token, --data-dir, ...
// Env vars: SERVICE_HOST, SERVICE_PORT, SERVICE_CONFIG, SERVICE_DATA_URL, ...
type Options struct {
	Host      string  `doc:"Host to bind to" default:"0.0.0.0"`
	Port      int     `doc:"Port to listen on" short:"p" default:"8090"`
	Config    string  `doc:"Page configuration file (YAML or JSON)" short:"c" default:"page.yaml"`
	DataURL   string  `doc:"Base URL of the data API"`
	Token     string  `doc:"Bearer token for the data API"`
	DataDir   string  `doc:"Directory for local metadata tables (duckdb: paths)" default:".data"`
	Query     string  `doc:"Shared page query string that seeds filter values"`
	LogLevel  string  `doc:"Log level: debug, info, warn, error" default:"info"`
	CacheSize int     `doc:"In-process response cache entries (0 disables)" default:"512"`
	CacheTTL  int     `doc:"Response cache TTL in seconds" default:"300"`
	RedisAddr string  `doc:"Redis address for a shared response cache; replaces the in-process cache"`
	RateLimit float64 `doc:"Max data API requests per second (0 = unlimited)" default:"0"`
	TileURL   string  `doc:"Base URL prefixed to relative tile templates"`
	Fragments string  `doc:"Directory of *.html tooltip fragments replacing the built-in set"`
}

// runtime is everything a command needs, built from Options.
type runtime struct {
	logger   *log.Logger
	metrics  *metrics.Collector
	cache    cache.Cache
	client   *dataclient.Client
	tables   *db.Tables
	config   pageconfig.Page
	renderer *tooltip.Renderer
}

func build(opts *Options) (*runtime, error) {
	level, err := logging.ParseLevel(opts.LogLevel)
	if err != nil {
		return nil, err
	}
	rt := &runtime{
		logger:  logging.New(os.Stderr, level),
		metrics: metrics.NewCollector("viscore"),
	}

	ttl := time.Duration(opts.CacheTTL) * time.Second
	switch {
	case opts.RedisAddr != "":
		rt.cache = cache.NewRedis(cache.RedisOptions{Addr: opts.RedisAddr, TTL: ttl})
	case opts.CacheSize > 0:
		rt.cache = cache.NewLRU(opts.CacheSize, ttl)
	default:
		rt.cache = cache.NewNull()
	}

	rt.client = dataclient.New(dataclient.Config{
		BaseURL:           opts.DataURL,
		Token:             opts.Token,
		RequestsPerSecond: opts.RateLimit,
		Cache:             rt.cache,
		CacheTTL:          ttl,
		Logger:            rt.logger,
		Metrics:           rt.metrics,
	})

	rt.renderer, err = tooltip.New()
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("loading tooltip fragments: %w", err)
	}
	if opts.Fragments != "" {
		if err := rt.renderer.Reload(opts.Fragments); err != nil {
			rt.close()
			return nil, fmt.Errorf("loading tooltip fragments from %s: %w", opts.Fragments, err)
		}
	}

	rt.config, err = pageconfig.Load(opts.Config)
	if err != nil {
		rt.close()
		return nil, err
	}

	if usesLocalTables(rt.config) {
		rt.tables, err = db.Open(db.Config{DataDir: opts.DataDir, DBName: "viscore"})
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("opening metadata table store: %w", err)
		}
	}
	return rt, nil
}

func usesLocalTables(p pageconfig.Page) bool {
	for _, t := range p.MetadataTables {
		if db.Handles(t.Path) {
			return true
		}
	}
	return false
}

func (rt *runtime) tableSource() compiler.TableSource {
	remote := compiler.RemoteTables{Fetcher: rt.client}
	if rt.tables == nil {
		return remote
	}
	return compiler.Mux{Prefix: db.Scheme, Local: rt.tables, Remote: remote}
}

func (rt *runtime) close() {
	if rt.tables != nil {
		rt.tables.Close()
	}
	if rt.cache != nil {
		rt.cache.Close()
	}
}

// newPage builds the page runtime with one headless surface per map of the
// layout.
func (rt *runtime) newPage(l *loop.Loop, opts *Options) (*page.Page, []surface.Surface, error) {
	p, err := page.New(rt.config, page.Options{
		Config:   page.Config{TileBaseURL: opts.TileURL},
		Executor: l,
		Fetcher:  rt.client,
		Tables:   rt.tableSource(),
		Renderer: rt.renderer,
		Query:    opts.Query,
		Logger:   rt.logger,
		Metrics:  rt.metrics,
		OnError: func(err error) {
			rt.logger.Warn("page error", "err", err)
		},
	})
	if err != nil {
		return nil, nil, err
	}
	ids := []string{"main"}
	if rt.config.Dual() {
		ids = []string{"left", "right"}
	}
	surfaces := make([]surface.Surface, len(ids))
	for i, id := range ids {
		surfaces[i] = surface.NewMemory(id)
	}
	return p, surfaces, nil
}

func serve(opts *Options) error {
	rt, err := build(opts)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	l := loop.New(0)
	go l.Run(loopCtx)

	p, surfaces, err := rt.newPage(l, opts)
	if err != nil {
		return err
	}
	if err := l.Do(loopCtx, func() {
		for _, s := range surfaces {
			p.Attach(s)
		}
	}); err != nil {
		return err
	}
	go func() {
		if err := p.Bootstrap(ctx); err != nil && !dataclient.IsAbort(err) {
			rt.logger.Error("bootstrap failed", "err", err)
		}
	}()

	srv, err := server.New(server.Config{
		Host:    opts.Host,
		Port:    fmt.Sprintf("%d", opts.Port),
		DataURL: opts.DataURL,
		DataDir: opts.DataDir,
		DB:      rt.tables != nil,
	}, p, rt.renderer, rt.metrics)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	displayHost := opts.Host
	if displayHost == "0.0.0.0" {
		displayHost = "localhost"
	}
	baseURL := fmt.Sprintf("http://%s:%d", displayHost, opts.Port)

	fmt.Println()
	fmt.Printf("viscore page server starting...\n")
	fmt.Printf("  Server:  %s\n", baseURL)
	fmt.Printf("  Page:    %s (%s)\n", rt.config.Name, opts.Config)
	fmt.Println()
	fmt.Printf("  Docs:    %s/docs\n", baseURL)
	fmt.Printf("  OpenAPI: %s/openapi.json\n", baseURL)
	fmt.Printf("  Metrics: %s/metrics\n", baseURL)
	fmt.Println()

	hs := &http.Server{Addr: addr, Handler: srv}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hs.Shutdown(shutdown)
	}()
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	_ = l.Do(loopCtx, p.Teardown)
	return nil
}

// compile runs the bootstrap once and writes the compiled page.
func compile(ctx context.Context, opts *Options, asYAML bool) error {
	rt, err := build(opts)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx = logging.WithLogger(ctx, rt.logger)
	res, err := compiler.Compile(ctx, rt.config, compiler.Options{
		Fetcher: rt.client,
		Tables:  rt.tableSource(),
		Query:   opts.Query,
		Metrics: rt.metrics,
	})
	if err != nil {
		return err
	}
	return write(os.Stdout, res, asYAML)
}

// write encodes v as indented JSON, or as YAML with the same keys.
func write(w io.Writer, v any, asYAML bool) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if asYAML {
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		if data, err = yaml.Marshal(doc); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func main() {
	_ = godotenv.Load()

	cli := humacli.New(func(hooks humacli.Hooks, opts *Options) {
		hooks.OnStart(func() {
			if err := serve(opts); err != nil {
				fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
				os.Exit(1)
			}
		})
	})

	cli.Root().Use = "viscore"
	cli.Root().Short = "Map page runtime: layers, filters, hover and viewport engines"
	cli.Root().Version = "0.1.0"

	// compile subcommand: run the bootstrap and print the compiled page
	compileCmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile the page configuration (JSON by default, --yaml for YAML)",
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, opts *Options) {
			useYAML, _ := cmd.Flags().GetBool("yaml")
			if err := compile(cmd.Context(), opts, useYAML); err != nil {
				var cfgErr *compiler.ConfigurationError
				if errors.As(err, &cfgErr) {
					fmt.Fprintf(os.Stderr, "Configuration error, unusable tables: %v\n", cfgErr.Names())
				} else {
					fmt.Fprintf(os.Stderr, "Error compiling page: %v\n", err)
				}
				os.Exit(1)
			}
		}),
	}
	compileCmd.Flags().BoolP("yaml", "y", false, "Output as YAML instead of JSON")
	cli.Root().AddCommand(compileCmd)

	// spec subcommand: export OpenAPI spec
	specCmd := &cobra.Command{
		Use:   "spec",
		Short: "Export OpenAPI spec (JSON by default, --yaml for YAML)",
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, opts *Options) {
			useYAML, _ := cmd.Flags().GetBool("yaml")
			if err := spec(opts, useYAML); err != nil {
				fmt.Fprintf(os.Stderr, "Error marshaling spec: %v\n", err)
				os.Exit(1)
			}
		}),
	}
	specCmd.Flags().BoolP("yaml", "y", false, "Output as YAML instead of JSON")
	cli.Root().AddCommand(specCmd)

	cli.Run()
}

// spec builds an unbooted page so the routes can describe themselves.
func spec(opts *Options, asYAML bool) error {
	p, err := page.New(pageconfig.Page{Name: "spec"}, page.Options{
		Executor: loop.New(0),
		Fetcher:  dataclient.New(dataclient.Config{}),
		Logger:   logging.Discard(),
	})
	if err != nil {
		return err
	}
	srv, err := server.New(server.Config{Host: opts.Host, Port: fmt.Sprintf("%d", opts.Port)}, p, nil, nil)
	if err != nil {
		return err
	}
	openapi := srv.OpenAPI()
	if asYAML {
		out, err := yaml.Marshal(openapi)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}
	out, err := json.MarshalIndent(openapi, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
