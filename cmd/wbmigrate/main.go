// Command wbmigrate copies entities from one Wikibase instance to another,
// rewriting every identifier through the mapping queries of a profile.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"wbmigrate/pkg/config"
	"wbmigrate/pkg/db"
	"wbmigrate/pkg/logging"
	"wbmigrate/pkg/mapper"
	"wbmigrate/pkg/probe"
	"wbmigrate/pkg/request"
	"wbmigrate/pkg/sparql"
	"wbmigrate/pkg/store"
	"wbmigrate/pkg/tracker"
	"wbmigrate/pkg/version"
	"wbmigrate/pkg/wikibase"
)

const (
	exitFailure = 1
	exitUsage   = 2
)

// Cached responses older than this are dropped at startup.
const cachePruneAge = 30 * 24 * time.Hour

type cli struct {
	Migrate    migrateCmd    `cmd:"" help:"Copy entities from the source Wikibase to the target."`
	Check      checkCmd      `cmd:"" help:"Run the endpoint checks for a profile and exit."`
	InitConfig initConfigCmd `cmd:"" name:"init-config" help:"Write a starter profile."`
	Version    versionCmd    `cmd:"" help:"Print the version."`
}

func main() {
	// Credentials may live in a .env next to the binary.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var c cli
	parser, err := kong.New(&c,
		kong.Name("wbmigrate"),
		kong.Description("Copy entities between Wikibase instances, rewriting identifiers through the profile's mapping queries."),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
	if err != nil {
		panic(err)
	}

	kctx, err := parser.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "wbmigrate: %v\n", err)
		fmt.Fprintln(os.Stderr, "Run 'wbmigrate --help' for usage.")
		os.Exit(exitUsage)
	}

	if err := kctx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "wbmigrate: %v\n", err)
		os.Exit(exitFailure)
	}
}

// app bundles everything a command builds from one profile.
type app struct {
	profile     *config.Profile
	tracker     *tracker.Tracker
	source      *wikibase.Client
	target      *wikibase.Client
	sourceQuery *sparql.Client
	targetQuery *sparql.Client
	mapping     *mapper.Cache
	cleanup     func()
}

// newApp loads the profile and wires the shared clients. The caller owns
// cleanup on a nil error.
func newApp(configPath string) (*app, error) {
	p, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	closeLogs, err := logging.Init(&p.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	runID := uuid.NewString()[:8]
	slog.Info("wbmigrate started", "version", version.Version, "profile", p.Name, "run", runID)

	tr := tracker.New()

	cache, closeCache, err := openCache(&p.Cache)
	if err != nil {
		closeLogs()
		return nil, err
	}

	req := request.New(p.Request, cache, tr)

	var tracer *sparql.Tracer
	if p.Trace.Enabled {
		logging.EnableTrace = true
		tracer, err = sparql.NewTracer(p.Trace.Dir, runID)
		if err != nil {
			closeCache()
			closeLogs()
			return nil, fmt.Errorf("failed to set up query tracing: %w", err)
		}
		slog.Info("Query tracing enabled", "dir", tracer.Dir())
	}

	a := &app{
		profile: p,
		tracker: tr,
		source:  wikibase.NewClient(req, &p.Source, slog.With("endpoint", p.Source.Name)),
		target:  wikibase.NewClient(req, &p.Target, slog.With("endpoint", p.Target.Name)),
		cleanup: func() {
			closeCache()
			closeLogs()
		},
	}
	a.sourceQuery = sparql.NewClient(req, p.Source.SPARQLURL, p.Source.Name, slog.With("component", "sparql"))
	a.targetQuery = sparql.NewClient(req, p.Target.SPARQLURL, p.Target.Name, slog.With("component", "sparql"))
	for _, qc := range []*sparql.Client{a.sourceQuery, a.targetQuery} {
		qc.UseCache = p.Cache.Enabled
		qc.Tracer = tracer
	}
	a.mapping = mapper.New(p, a.sourceQuery, a.targetQuery, slog.With("component", "mapper"))

	return a, nil
}

// openCache builds the response cache: memory in front of SQLite when the
// profile enables it, a no-op otherwise.
func openCache(cfg *config.CacheConfig) (store.Cacher, func(), error) {
	if !cfg.Enabled {
		return store.NullCache{}, func() {}, nil
	}

	mem, err := store.NewMemoryCache(cfg.MemoryEntries)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build memory cache: %w", err)
	}

	conn, err := db.Init(cfg.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	if err := conn.PruneCache(cachePruneAge); err != nil {
		slog.Warn("Cache prune failed", "error", err)
	}

	return store.NewLayered(mem, store.NewSQLiteCache(conn)), func() { conn.Close() }, nil
}

// runProbes fails when any critical endpoint check does.
func (a *app) runProbes(ctx context.Context) error {
	probes := probe.ForProfile(a.profile, a.source, a.target, a.sourceQuery, a.targetQuery)
	if err := probe.AnalyzeResults(probe.Run(ctx, probes)); err != nil {
		return fmt.Errorf("endpoint checks failed: %w", err)
	}
	return nil
}

type checkCmd struct {
	Config string `help:"Migration profile to check." short:"c" required:"" placeholder:"PATH"`
}

func (c *checkCmd) Run(ctx context.Context) error {
	a, err := newApp(c.Config)
	if err != nil {
		return err
	}
	defer a.cleanup()

	if err := a.runProbes(ctx); err != nil {
		return err
	}
	fmt.Println("All endpoint checks passed")
	return nil
}

type initConfigCmd struct {
	Path string `help:"Where to write the profile." default:"configs/profile.yaml" placeholder:"PATH"`
}

func (c *initConfigCmd) Run() error {
	if _, err := os.Stat(c.Path); err == nil {
		fmt.Println("Profile already exists:", c.Path)
		return nil
	}
	if err := config.GenerateDefault(c.Path); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	fmt.Println("Profile written:", c.Path)
	return nil
}

type versionCmd struct{}

func (versionCmd) Run() error {
	fmt.Println("wbmigrate", version.Version)
	return nil
}
