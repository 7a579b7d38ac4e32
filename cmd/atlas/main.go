// Command atlas is the CLI and daemon entrypoint for Atlas's persistent
// context-management engine (spec §6.1), mirroring the teacher's
// cmd/embedctl stdlib-flag-per-subcommand pattern rather than pulling in a
// CLI framework.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"atlas/internal/bootstrap"
	"atlas/internal/consolidate"
	"atlas/internal/daemon"
	"atlas/internal/diagnostics"
	"atlas/internal/ingest"
	"atlas/internal/logging"
	"atlas/internal/model"
	"atlas/internal/search"
	"atlas/internal/watchdog"
)

// globalFlags are accepted before the subcommand name, overriding config
// file values the way the teacher's embedctl overrides cfg.Embedding.Model.
type globalFlags struct {
	configPath string
	qdrantURL  string
	voyageKey  string
	ollamaURL  string
	logLevel   string
	logModules string
	jobs       int
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	gf := &globalFlags{}
	fs := flag.NewFlagSet("atlas", flag.ContinueOnError)
	fs.StringVar(&gf.configPath, "config", "", "path to config.yaml")
	fs.StringVar(&gf.qdrantURL, "qdrant-url", "", "override qdrant.url")
	fs.StringVar(&gf.voyageKey, "voyage-key", "", "override voyage_key")
	fs.StringVar(&gf.ollamaURL, "ollama-url", "", "override ollama_url")
	fs.StringVar(&gf.logLevel, "log-level", "", "override logging.level")
	fs.StringVar(&gf.logModules, "log-modules", "", "per-module level overrides, e.g. ingest=debug,search=warn")
	fs.IntVar(&gf.jobs, "j", 0, "override ingest.embed_concurrency")
	fs.IntVar(&gf.jobs, "jobs", 0, "override ingest.embed_concurrency")
	fs.Usage = usage

	if len(args) == 0 {
		usage()
		return 1
	}

	// Global flags may appear before or after the subcommand. Every global
	// flag takes a value, so the subcommand is the first token that is
	// neither a flag nor the value of a "-flag value" pair.
	cmdIdx := -1
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "-") {
			cmdIdx = i
			break
		}
		if !strings.Contains(a, "=") {
			i++ // skip this flag's value
		}
	}
	if cmdIdx == -1 {
		usage()
		return 1
	}
	if err := fs.Parse(args[:cmdIdx]); err != nil {
		return 1
	}
	subcommand := args[cmdIdx]
	rest := args[cmdIdx+1:]
	if err := fs.Parse(rest); err == nil {
		rest = fs.Args()
	}

	logging.Init("", firstNonEmpty(gf.logLevel, "info"), gf.logModules)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := bootstrap.Build(ctx, gf.configPath)
	if err != nil {
		log.Error().Err(err).Msg("atlas: startup failed")
		return 1
	}
	defer rt.Close()
	applyOverrides(rt, gf)

	switch subcommand {
	case "ingest":
		return cmdIngest(ctx, rt, rest)
	case "search":
		return cmdSearch(ctx, rt, rest)
	case "timeline":
		return cmdTimeline(ctx, rt, rest)
	case "consolidate":
		return cmdConsolidate(ctx, rt, rest)
	case "qdrant":
		return cmdQdrant(ctx, rt, rest)
	case "daemon":
		return cmdDaemon(ctx, rt, rest)
	case "daemon:stop":
		return cmdDaemonStop(rt)
	case "daemon:status":
		return cmdDaemonStatus(rt)
	case "doctor":
		return cmdDoctor(ctx, rt)
	case "tracking":
		return cmdTracking(ctx, rt, rest)
	default:
		fmt.Fprintf(os.Stderr, "atlas: unknown subcommand %q\n", subcommand)
		usage()
		return 1
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `atlas - persistent context-management engine

Usage:
  atlas [global flags] <subcommand> [subcommand flags]

Subcommands:
  ingest <paths...>       ingest files or directories
  search <query>          search stored chunks
  timeline                list chunks in chronological order
  consolidate             run one consolidation pass
  qdrant drop|hnsw|vacuum manage the vector collection
  daemon                  run the JSON-RPC daemon in the foreground
  daemon:stop             signal a running daemon to shut down
  daemon:status           report whether the daemon socket is reachable
  doctor                  run diagnostics across every collaborator
  tracking status|vacuum|check  inspect the file tracker

Global flags:
  -config, -qdrant-url, -voyage-key, -ollama-url, -log-level, -log-modules, -j/-jobs`)
}

func applyOverrides(rt *bootstrap.Runtime, gf *globalFlags) {
	if gf.qdrantURL != "" {
		rt.Config.Qdrant.URL = gf.qdrantURL
	}
	if gf.voyageKey != "" {
		rt.Config.VoyageKey = gf.voyageKey
	}
	if gf.ollamaURL != "" {
		rt.Config.OllamaURL = gf.ollamaURL
	}
	if gf.jobs > 0 {
		rt.Config.Ingest.EmbedConcurrency = gf.jobs
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// --- ingest -------------------------------------------------------------

func cmdIngest(ctx context.Context, rt *bootstrap.Runtime, args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	recursive := fs.Bool("recursive", true, "descend into subdirectories")
	quiet := fs.Bool("quiet", false, "suppress per-file progress output")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	paths := fs.Args()
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "atlas ingest: at least one path is required")
		return 1
	}

	gate := ingest.NewPauseGate()
	pipe := ingest.New(rt.Registry, rt.Tracker, rt.Storage, rt.Config.Ingest, gate)
	pipe.Metrics = rt.Metrics
	if !*quiet {
		pipe.OnBatchStored = func(n int) { fmt.Fprintf(os.Stderr, "atlas: stored %d chunks\n", n) }
	}

	result, err := pipe.Run(ctx, paths, ingest.Options{Recursive: *recursive})
	if err != nil {
		log.Error().Err(err).Msg("atlas ingest: run failed")
		printJSON(result)
		return 1
	}
	printJSON(result)
	if len(result.Errors) > 0 {
		return 1
	}
	return 0
}

// --- search ---------------------------------------------------------------

func cmdSearch(ctx context.Context, rt *bootstrap.Runtime, args []string) int {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	limit := fs.Int("limit", 10, "max results")
	since := fs.String("since", "", "RFC3339 lower bound on created_at")
	qntm := fs.String("qntm", "", "filter by QNTM key")
	rerank := fs.Bool("rerank", false, "rerank top candidates")
	consolidationLevel := fs.Int("consolidation-level", -1, "filter by consolidation level (0-3)")
	contentType := fs.String("content-type", "", "text|code|media")
	agentRole := fs.String("agent-role", "", "filter by agent_role payload field")
	temperature := fs.String("temperature", "", "hot|warm|cold")
	expand := fs.Bool("expand", false, "expand the query via the LLM before searching")
	hybrid := fs.Bool("hybrid", false, "fuse dense search with full-text hits")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	query := strings.Join(fs.Args(), " ")
	if query == "" {
		fmt.Fprintln(os.Stderr, "atlas search: a query is required")
		return 1
	}

	svc := search.New(rt.Storage, rt.Collection, rt.Registry, rt.Prompts)
	svc.Metrics = rt.Metrics

	params := search.Params{
		Query: query, Limit: *limit, QNTMKey: *qntm, Rerank: *rerank,
		ExpandQuery: *expand, HybridSearch: *hybrid,
		ContentType: model.ContentType(*contentType), AgentRole: *agentRole, Temperature: *temperature,
	}
	if *since != "" {
		t, err := time.Parse(time.RFC3339, *since)
		if err != nil {
			fmt.Fprintf(os.Stderr, "atlas search: invalid -since: %v\n", err)
			return 1
		}
		params.Since = t
	}
	if *consolidationLevel >= 0 {
		params.ConsolidationLevel = consolidationLevel
	}

	results, err := svc.Search(ctx, params)
	if err != nil {
		log.Error().Err(err).Msg("atlas search: failed")
		return 1
	}
	printJSON(results)
	return 0
}

// --- timeline ---------------------------------------------------------------

func cmdTimeline(ctx context.Context, rt *bootstrap.Runtime, args []string) int {
	fs := flag.NewFlagSet("timeline", flag.ContinueOnError)
	since := fs.String("since", "", "RFC3339 lower bound (required)")
	until := fs.String("until", "", "RFC3339 upper bound")
	limit := fs.Int("limit", 100, "max results")
	granularity := fs.String("granularity", "day", "hour|day bucket size")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *since == "" {
		fmt.Fprintln(os.Stderr, "atlas timeline: -since is required")
		return 1
	}
	sinceT, err := time.Parse(time.RFC3339, *since)
	if err != nil {
		fmt.Fprintf(os.Stderr, "atlas timeline: invalid -since: %v\n", err)
		return 1
	}
	var untilT time.Time
	if *until != "" {
		untilT, err = time.Parse(time.RFC3339, *until)
		if err != nil {
			fmt.Fprintf(os.Stderr, "atlas timeline: invalid -until: %v\n", err)
			return 1
		}
	}

	svc := search.New(rt.Storage, rt.Collection, rt.Registry, rt.Prompts)
	results, err := svc.Timeline(ctx, search.TimelineParams{
		Since: sinceT, Until: untilT, Limit: *limit, Granularity: *granularity,
	})
	if err != nil {
		log.Error().Err(err).Msg("atlas timeline: failed")
		return 1
	}
	printJSON(results)
	return 0
}

// --- consolidate ------------------------------------------------------------

func cmdConsolidate(ctx context.Context, rt *bootstrap.Runtime, args []string) int {
	fs := flag.NewFlagSet("consolidate", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "report vacuum candidates without deleting")
	threshold := fs.Float64("threshold", 0, "override consolidation.similarity_threshold")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg := rt.Config.Consolidation
	if *threshold > 0 {
		cfg.SimilarityThreshold = *threshold
	}

	engine := consolidate.New(rt.Storage, rt.Collection, rt.Registry, rt.Prompts, cfg, rt.Config.GracePeriod())
	engine.Metrics = rt.Metrics

	if *dryRun {
		result, err := engine.Vacuum(ctx, false, true)
		if err != nil {
			log.Error().Err(err).Msg("atlas consolidate: vacuum dry-run failed")
			return 1
		}
		printJSON(result)
		return 0
	}

	result, err := engine.Run(ctx)
	if err != nil {
		log.Error().Err(err).Msg("atlas consolidate: run failed")
		return 1
	}
	printJSON(result)
	return 0
}

// --- qdrant ------------------------------------------------------------------

func cmdQdrant(ctx context.Context, rt *bootstrap.Runtime, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "atlas qdrant: expected drop|hnsw|vacuum")
		return 1
	}
	switch args[0] {
	case "drop":
		fs := flag.NewFlagSet("qdrant drop", flag.ContinueOnError)
		yes := fs.Bool("yes", false, "confirm the drop")
		if err := fs.Parse(args[1:]); err != nil {
			return 1
		}
		if !*yes {
			fmt.Fprintln(os.Stderr, "atlas qdrant drop: refusing without --yes")
			return 1
		}
		if err := rt.Storage.Vector.DropCollection(ctx, rt.Collection); err != nil {
			log.Error().Err(err).Msg("atlas qdrant drop: failed")
			return 1
		}
		fmt.Fprintf(os.Stderr, "atlas: dropped collection %s\n", rt.Collection)
		return 0

	case "hnsw":
		if len(args) < 2 || (args[1] != "on" && args[1] != "off") {
			fmt.Fprintln(os.Stderr, "atlas qdrant hnsw: expected on|off")
			return 1
		}
		enabled := args[1] == "on"
		if err := rt.Storage.Vector.SetHNSW(ctx, rt.Collection, enabled); err != nil {
			log.Error().Err(err).Msg("atlas qdrant hnsw: failed")
			return 1
		}
		fmt.Fprintf(os.Stderr, "atlas: hnsw set to %v on %s\n", enabled, rt.Collection)
		return 0

	case "vacuum":
		fs := flag.NewFlagSet("qdrant vacuum", flag.ContinueOnError)
		force := fs.Bool("force", false, "ignore the grace period")
		dryRun := fs.Bool("dry-run", false, "report candidates without deleting")
		limit := fs.Int("limit", 0, "override consolidation.candidate_limit")
		if err := fs.Parse(args[1:]); err != nil {
			return 1
		}
		cfg := rt.Config.Consolidation
		if *limit > 0 {
			cfg.CandidateLimit = *limit
		}
		engine := consolidate.New(rt.Storage, rt.Collection, rt.Registry, rt.Prompts, cfg, rt.Config.GracePeriod())
		result, err := engine.Vacuum(ctx, *force, *dryRun)
		if err != nil {
			log.Error().Err(err).Msg("atlas qdrant vacuum: failed")
			return 1
		}
		printJSON(result)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "atlas qdrant: unknown action %q\n", args[0])
		return 1
	}
}

// --- daemon ------------------------------------------------------------------

func cmdDaemon(ctx context.Context, rt *bootstrap.Runtime, args []string) int {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	tcpPort := fs.Int("tcp", 0, "additionally listen on this TCP port")
	watch := fs.Bool("watch", false, "auto-ingest on filesystem change (reserved, requires --watch paths via config)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	_ = watch // parsed but unused: no code path adds entries to the daemon's WatchRegistry

	gate := ingest.NewPauseGate()
	pipe := ingest.New(rt.Registry, rt.Tracker, rt.Storage, rt.Config.Ingest, gate)
	pipe.Metrics = rt.Metrics
	engine := consolidate.New(rt.Storage, rt.Collection, rt.Registry, rt.Prompts, rt.Config.Consolidation, rt.Config.GracePeriod())
	engine.Metrics = rt.Metrics
	svc := search.New(rt.Storage, rt.Collection, rt.Registry, rt.Prompts)
	svc.Metrics = rt.Metrics

	wd := watchdog.New(engine, gate,
		rt.Config.Consolidation.WatchdogThreshold,
		time.Duration(rt.Config.Consolidation.WatchdogPollSeconds)*time.Second)
	go wd.Run(ctx)

	var kafka *daemon.KafkaEventPublisher
	if len(rt.Config.Daemon.KafkaBrokers) > 0 {
		kafka = daemon.NewKafkaEventPublisher(rt.Config.Daemon.KafkaBrokers, rt.Config.Daemon.KafkaTopic)
		defer kafka.Close()
	}

	deps := &daemon.Deps{
		Ingest:      pipe,
		Consolidate: engine,
		Search:      svc,
		Registry:    rt.Registry,
		Tasks:       daemon.NewTaskRegistry(),
		Lock:        daemon.NewConsolidationLock(),
		Watches:     daemon.NewWatchRegistry(),
		Events:      daemon.NewEventBus(),
		Kafka:       kafka,
		Watchdog:    wd,
	}
	router := daemon.NewRouter()
	daemon.RegisterHandlers(router, deps)

	srv := daemon.NewServer(router, deps.Events)
	log.Info().Str("socket", rt.Config.Daemon.SocketPath).Int("tcp_port", *tcpPort).Msg("atlas: daemon listening")
	if err := srv.ListenAndServe(ctx, rt.Config.Daemon.SocketPath, *tcpPort); err != nil {
		log.Error().Err(err).Msg("atlas daemon: exited with error")
		return 1
	}
	return 0
}

func cmdDaemonStop(rt *bootstrap.Runtime) int {
	fmt.Fprintln(os.Stderr, "atlas daemon:stop: send SIGTERM to the daemon process (no separate control socket in this build)")
	_ = rt
	return 1
}

func cmdDaemonStatus(rt *bootstrap.Runtime) int {
	if _, err := os.Stat(rt.Config.Daemon.SocketPath); err != nil {
		fmt.Fprintf(os.Stderr, "atlas daemon:status: socket %s not present\n", rt.Config.Daemon.SocketPath)
		return 1
	}
	fmt.Fprintf(os.Stderr, "atlas daemon:status: socket %s present\n", rt.Config.Daemon.SocketPath)
	return 0
}

// --- doctor ------------------------------------------------------------------

func cmdDoctor(ctx context.Context, rt *bootstrap.Runtime) int {
	report := diagnostics.Run(ctx, diagnostics.Deps{
		Config:     rt.Config,
		ConfigPath: rt.ConfigPath,
		Registry:   rt.Registry,
		Vector:     rt.Storage.Vector,
		Collection: rt.Collection,
		FullText:   rt.Storage.FullText,
		Cache:      rt.Storage.Cache,
		Tracker:    rt.Tracker,
	})
	printJSON(report)
	if report.Summary.Error > 0 {
		return 1
	}
	return 0
}

// --- tracking ------------------------------------------------------------------

func cmdTracking(ctx context.Context, rt *bootstrap.Runtime, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "atlas tracking: expected status|vacuum|check")
		return 1
	}
	switch args[0] {
	case "status":
		stats, err := rt.Tracker.Stats(ctx)
		if err != nil {
			log.Error().Err(err).Msg("atlas tracking status: failed")
			return 1
		}
		printJSON(stats)
		return 0

	case "vacuum":
		fs := flag.NewFlagSet("tracking vacuum", flag.ContinueOnError)
		dryRun := fs.Bool("dry-run", false, "report the count without deleting")
		if err := fs.Parse(args[1:]); err != nil {
			return 1
		}
		n, err := rt.Tracker.Vacuum(ctx, time.Duration(rt.Config.Tracker.GraceDays)*24*time.Hour, *dryRun)
		if err != nil {
			log.Error().Err(err).Msg("atlas tracking vacuum: failed")
			return 1
		}
		printJSON(map[string]any{"removed": n, "dry_run": *dryRun})
		return 0

	case "check":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "atlas tracking check: a path is required")
			return 1
		}
		result, err := rt.Tracker.NeedsIngestion(ctx, args[1])
		if err != nil {
			log.Error().Err(err).Msg("atlas tracking check: failed")
			return 1
		}
		printJSON(result)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "atlas tracking: unknown action %q\n", args[0])
		return 1
	}
}
