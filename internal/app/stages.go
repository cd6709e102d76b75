package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/eventfamily/internal/cli"
	"horse.fit/eventfamily/internal/cluster"
	"horse.fit/eventfamily/internal/config"
	"horse.fit/eventfamily/internal/orphan"
	"horse.fit/eventfamily/internal/pipeline"
)

func runEmbed(args []string) int {
	fs := flag.NewFlagSet("embed", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 10*time.Minute, "Command timeout")
	windowHours := fs.Int("window-hours", 0, "Embed records published within this many hours (default CLUSTER_WINDOW_HOURS)")
	limit := fs.Int("limit", 0, "Maximum records to embed (0 = no limit)")
	batchSize := fs.Int("batch-size", pipeline.DefaultEmbedBatchSize, "Embedding request batch size")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *windowHours < 0 {
		fmt.Fprintln(os.Stderr, "--window-hours must be >= 0")
		return 2
	}
	if *limit < 0 {
		fmt.Fprintln(os.Stderr, "--limit must be >= 0")
		return 2
	}
	if *batchSize <= 0 {
		fmt.Fprintln(os.Stderr, "--batch-size must be > 0")
		return 2
	}

	cfg, logger, code := bootstrap(envLoader)
	if code != 0 {
		return code
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, ok := connect(ctx, cfg, logger, "embed")
	if !ok {
		return 1
	}
	defer pool.Close()

	svc, err := newPipelineService(ctx, cfg, pool, logger, serviceNeeds{embedder: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Embed setup failed: %v\n", err)
		return 1
	}

	result, err := svc.EmbedPending(ctx, pipeline.EmbedOptions{
		Window:    windowOrConfig(*windowHours, cfg),
		Limit:     *limit,
		BatchSize: *batchSize,
	})
	if err != nil {
		logger.Error().Err(err).Int("processed", result.Processed).Msg("embed failed")
		fmt.Fprintf(os.Stderr, "Embed failed: %v\n", err)
		return 1
	}

	logger.Info().
		Str("run_id", result.RunID).
		Int("processed", result.Processed).
		Int("embedded", result.Embedded).
		Int("skipped", result.Skipped).
		Msg("embed completed")
	fmt.Printf("embed processed=%d embedded=%d skipped=%d failed=%d run_id=%s\n",
		result.Processed, result.Embedded, result.Skipped, result.Failed, result.RunID)
	return 0
}

func runLibrary(args []string) int {
	fs := flag.NewFlagSet("library", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 10*time.Minute, "Command timeout")
	windowDays := fs.Int("window-days", 0, "Library window in days (default LIBRARY_WINDOW_DAYS)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *windowDays < 0 {
		fmt.Fprintln(os.Stderr, "--window-days must be >= 0")
		return 2
	}

	cfg, logger, code := bootstrap(envLoader)
	if code != 0 {
		return code
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, ok := connect(ctx, cfg, logger, "library")
	if !ok {
		return 1
	}
	defer pool.Close()

	svc, err := newPipelineService(ctx, cfg, pool, logger, serviceNeeds{canonicalizer: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Library setup failed: %v\n", err)
		return 1
	}

	result, err := svc.BuildLibrary(ctx, libraryOptions(cfg, *windowDays))
	if err != nil {
		logger.Error().Err(err).Msg("library build failed")
		fmt.Fprintf(os.Stderr, "Library build failed: %v\n", err)
		return 1
	}

	printLibraryLine(logger, result)
	return 0
}

func runGate(args []string) int {
	fs := flag.NewFlagSet("gate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 10*time.Minute, "Command timeout")
	windowDays := fs.Int("window-days", 0, "Gate records from the last N days (default STRATEGIC_WINDOW_DAYS)")
	limit := fs.Int("limit", 0, "Maximum records to gate (0 = no limit)")
	batchSize := fs.Int("batch-size", pipeline.DefaultGateBatchSize, "Records per gate batch")
	regate := fs.Bool("regate", false, "Re-evaluate records that already have a gate decision")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *windowDays < 0 || *limit < 0 {
		fmt.Fprintln(os.Stderr, "--window-days and --limit must be >= 0")
		return 2
	}
	if *batchSize <= 0 {
		fmt.Fprintln(os.Stderr, "--batch-size must be > 0")
		return 2
	}

	cfg, logger, code := bootstrap(envLoader)
	if code != 0 {
		return code
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, ok := connect(ctx, cfg, logger, "gate")
	if !ok {
		return 1
	}
	defer pool.Close()

	svc, err := newPipelineService(ctx, cfg, pool, logger, serviceNeeds{gate: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Gate setup failed: %v\n", err)
		return 1
	}

	result, err := svc.GateRecords(ctx, pipeline.GateOptions{
		WindowDays: positiveOr(*windowDays, cfg.StrategicWindowDays),
		Limit:      *limit,
		BatchSize:  *batchSize,
		Regate:     *regate,
	})
	if err != nil {
		logger.Error().Err(err).Int("processed", result.Processed).Msg("gate failed")
		fmt.Fprintf(os.Stderr, "Gate failed: %v\n", err)
		return 1
	}

	printGateLine(logger, result)
	return 0
}

func runKeywords(args []string) int {
	fs := flag.NewFlagSet("keywords", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 10*time.Minute, "Command timeout")
	windowDays := fs.Int("window-days", 0, "Select keywords for the last N days (default STRATEGIC_WINDOW_DAYS)")
	perRecord := fs.Int("per-record", 0, "Core keywords per record (default CORE_KEYWORDS_PER_RECORD)")
	limit := fs.Int("limit", 0, "Maximum records to process (0 = no limit)")
	batchSize := fs.Int("batch-size", pipeline.DefaultKeywordBatchSize, "Records per batch")
	reassign := fs.Bool("reassign", false, "Replace existing core keywords using the current library")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *windowDays < 0 || *perRecord < 0 || *limit < 0 {
		fmt.Fprintln(os.Stderr, "--window-days, --per-record and --limit must be >= 0")
		return 2
	}
	if *batchSize <= 0 {
		fmt.Fprintln(os.Stderr, "--batch-size must be > 0")
		return 2
	}

	cfg, logger, code := bootstrap(envLoader)
	if code != 0 {
		return code
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, ok := connect(ctx, cfg, logger, "keywords")
	if !ok {
		return 1
	}
	defer pool.Close()

	svc, err := newPipelineService(ctx, cfg, pool, logger, serviceNeeds{canonicalizer: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Keywords setup failed: %v\n", err)
		return 1
	}

	result, err := svc.SelectCoreKeywords(ctx, pipeline.KeywordOptions{
		WindowDays: positiveOr(*windowDays, cfg.StrategicWindowDays),
		PerRecord:  positiveOr(*perRecord, cfg.CoreKeywordsPerItem),
		Limit:      *limit,
		BatchSize:  *batchSize,
		Reassign:   *reassign,
	})
	if err != nil {
		logger.Error().Err(err).Int("processed", result.Processed).Msg("keyword selection failed")
		fmt.Fprintf(os.Stderr, "Keyword selection failed: %v\n", err)
		return 1
	}

	printKeywordsLine(logger, result)
	return 0
}

func runCluster(args []string) int {
	fs := flag.NewFlagSet("cluster", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Minute, "Command timeout")
	stage := fs.String("stage", "all", "Stage to run: seed|densify|persist|orphan_attach|all")
	flags := addClusterFlags(fs)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	stages, err := pipeline.ParseClusterStage(*stage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}
	if err := flags.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}
	if *flags.budget > 0 && *flags.budget >= *timeout {
		fmt.Fprintln(os.Stderr, "--budget must be shorter than --timeout")
		return 2
	}

	cfg, logger, code := bootstrap(envLoader)
	if code != 0 {
		return code
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, ok := connect(ctx, cfg, logger, "cluster")
	if !ok {
		return 1
	}
	defer pool.Close()

	svc, err := newPipelineService(ctx, cfg, pool, logger, serviceNeeds{embedder: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cluster setup failed: %v\n", err)
		return 1
	}

	result, err := svc.RunClusterStages(ctx, stages, flags.options(cfg))
	printClusterLines(logger, result)
	if err != nil {
		logger.Error().Err(err).Strs("stages", stages).Msg("cluster run failed")
		fmt.Fprintf(os.Stderr, "Cluster run failed: %v\n", err)
		return 1
	}

	logger.Info().
		Strs("stages", stages).
		Bool("partial", result.Partial()).
		Msg("cluster completed")
	return 0
}

func runAll(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", time.Hour, "Command timeout")
	skipEmbed := fs.Bool("skip-embed", false, "Skip the embed stage and cluster with stored embeddings only")
	regate := fs.Bool("regate", false, "Re-evaluate records that already have a gate decision")
	flags := addClusterFlags(fs)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if err := flags.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}
	if *flags.budget > 0 && *flags.budget >= *timeout {
		fmt.Fprintln(os.Stderr, "--budget must be shorter than --timeout")
		return 2
	}

	cfg, logger, code := bootstrap(envLoader)
	if code != 0 {
		return code
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, ok := connect(ctx, cfg, logger, "run")
	if !ok {
		return 1
	}
	defer pool.Close()

	svc, err := newPipelineService(ctx, cfg, pool, logger, serviceNeeds{canonicalizer: true, gate: true, embedder: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Run setup failed: %v\n", err)
		return 1
	}

	clusterOptions := flags.options(cfg)
	result, err := svc.Run(ctx, pipeline.RunOptions{
		Library: libraryOptions(cfg, 0),
		Gate: pipeline.GateOptions{
			WindowDays: cfg.StrategicWindowDays,
			Regate:     *regate,
		},
		Keywords: pipeline.KeywordOptions{
			WindowDays: cfg.StrategicWindowDays,
			PerRecord:  cfg.CoreKeywordsPerItem,
		},
		Embed: pipeline.EmbedOptions{
			Window: clusterOptions.Cluster.Window,
		},
		SkipEmbed: *skipEmbed,
		Clusters:  clusterOptions,
	})
	if result.Library.RunID != "" {
		printLibraryLine(logger, result.Library)
	}
	if result.Gate.RunID != "" {
		printGateLine(logger, result.Gate)
	}
	if result.Keywords.RunID != "" {
		printKeywordsLine(logger, result.Keywords)
	}
	if result.Embed != nil {
		fmt.Printf("embed processed=%d embedded=%d skipped=%d failed=%d run_id=%s\n",
			result.Embed.Processed, result.Embed.Embedded, result.Embed.Skipped, result.Embed.Failed, result.Embed.RunID)
	}
	printClusterLines(logger, result.Clusters)
	if err != nil {
		logger.Error().Err(err).Msg("run failed")
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
		return 1
	}

	logger.Info().Bool("partial", result.Clusters.Partial()).Msg("run completed")
	return 0
}

// clusterFlags are the tuning flags shared by the cluster and run commands.
// Zero means the package default.
type clusterFlags struct {
	windowHours    *int
	minShared      *int
	maxPostings    *int
	cosine         *float64
	altMinShared   *int
	altCosine      *float64
	centroidSample *int
	macro          *bool
	macroJaccard   *float64
	macroCosine    *float64
	macroFraction  *float64

	batchSize          *int
	budget             *time.Duration
	orphanMinShared    *int
	orphanCosine       *float64
	sharedBonus        *float64
	keywordOnlyShared  *int
	semanticOnlyCosine *float64
	concurrency        *int
}

func addClusterFlags(fs *flag.FlagSet) *clusterFlags {
	return &clusterFlags{
		windowHours:    fs.Int("window-hours", 0, "Cluster window in hours (default CLUSTER_WINDOW_HOURS)"),
		minShared:      fs.Int("min-shared", 0, "Shared non-hub keywords for a seed edge"),
		maxPostings:    fs.Int("max-postings", 0, "Skip keyword postings longer than this while seeding"),
		cosine:         fs.Float64("cosine", 0, "Cosine threshold for seed edges and densify"),
		altMinShared:   fs.Int("alt-min-shared", 0, "Shared anchors for the keyword-only densify rule"),
		altCosine:      fs.Float64("alt-cosine", 0, "Cosine threshold for the semantic densify rule"),
		centroidSample: fs.Int("centroid-sample", 0, "Members sampled for cluster centroids"),
		macro:          fs.Bool("macro", false, "Consolidate clusters into macro clusters after densify"),
		macroJaccard:   fs.Float64("macro-jaccard", 0, "Anchor Jaccard needed to join two clusters"),
		macroCosine:    fs.Float64("macro-cosine", 0, "Centroid cosine needed to join two clusters"),
		macroFraction:  fs.Float64("max-macro-fraction", 0, "Largest share of the window one macro cluster may hold"),

		batchSize:          fs.Int("batch-size", 0, "Orphans per attachment batch"),
		budget:             fs.Duration("budget", 0, "Time budget for orphan attachment (0 = unbounded)"),
		orphanMinShared:    fs.Int("orphan-min-shared", 0, "Shared anchors for a semantic orphan match"),
		orphanCosine:       fs.Float64("orphan-cosine", 0, "Cosine floor for a semantic orphan match"),
		sharedBonus:        fs.Float64("shared-bonus", 0, "Score bonus per shared anchor"),
		keywordOnlyShared:  fs.Int("keyword-only-min-shared", 0, "Shared anchors for a keyword-only orphan match"),
		semanticOnlyCosine: fs.Float64("semantic-only-cosine", 0, "Cosine for an orphan match without shared anchors"),
		concurrency:        fs.Int("concurrency", 0, "Embedding batches fetched in parallel"),
	}
}

func (f *clusterFlags) validate() error {
	ints := map[string]int{
		"--window-hours":            *f.windowHours,
		"--min-shared":              *f.minShared,
		"--max-postings":            *f.maxPostings,
		"--alt-min-shared":          *f.altMinShared,
		"--centroid-sample":         *f.centroidSample,
		"--batch-size":              *f.batchSize,
		"--orphan-min-shared":       *f.orphanMinShared,
		"--keyword-only-min-shared": *f.keywordOnlyShared,
		"--concurrency":             *f.concurrency,
	}
	for _, name := range slices.Sorted(maps.Keys(ints)) {
		if ints[name] < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}
	unit := map[string]float64{
		"--cosine":               *f.cosine,
		"--alt-cosine":           *f.altCosine,
		"--macro-jaccard":        *f.macroJaccard,
		"--macro-cosine":         *f.macroCosine,
		"--max-macro-fraction":   *f.macroFraction,
		"--orphan-cosine":        *f.orphanCosine,
		"--semantic-only-cosine": *f.semanticOnlyCosine,
	}
	for _, name := range slices.Sorted(maps.Keys(unit)) {
		if unit[name] < 0 || unit[name] > 1 {
			return fmt.Errorf("%s must be within [0,1]", name)
		}
	}
	if *f.sharedBonus < 0 {
		return fmt.Errorf("--shared-bonus must be >= 0")
	}
	if *f.budget < 0 {
		return fmt.Errorf("--budget must be >= 0")
	}
	return nil
}

func (f *clusterFlags) options(cfg *config.Config) pipeline.ClusterRunOptions {
	window := windowOrConfig(*f.windowHours, cfg)
	return pipeline.ClusterRunOptions{
		Cluster: pipeline.ClusterOptions{
			Window: window,
			Cluster: cluster.Options{
				MinShared:          *f.minShared,
				MaxPostings:        *f.maxPostings,
				CosineThreshold:    *f.cosine,
				AltMinShared:       *f.altMinShared,
				AltCosine:          *f.altCosine,
				CentroidSample:     *f.centroidSample,
				MacroAnchorJaccard: *f.macroJaccard,
				MacroCosine:        *f.macroCosine,
				MaxMacroFraction:   *f.macroFraction,
			},
			Macro: *f.macro,
		},
		Orphans: pipeline.OrphanOptions{
			Window:         window,
			CentroidSample: *f.centroidSample,
			Attach: orphan.Options{
				BatchSize:            *f.batchSize,
				Budget:               *f.budget,
				MinShared:            *f.orphanMinShared,
				CosineFloor:          *f.orphanCosine,
				SharedBonus:          *f.sharedBonus,
				KeywordOnlyMinShared: *f.keywordOnlyShared,
				SemanticOnlyCosine:   *f.semanticOnlyCosine,
				EmbedConcurrency:     *f.concurrency,
			},
		},
	}
}

func libraryOptions(cfg *config.Config, windowDays int) pipeline.LibraryOptions {
	return pipeline.LibraryOptions{
		WindowDays:     positiveOr(windowDays, cfg.LibraryWindowDays),
		ActiveDayFloor: cfg.ActiveDayFloor,
		Percentile:     cfg.ActiveDayPercentile,
		DocFreqFloor:   cfg.VocabDocFreqFloor,
		HubCount:       cfg.HubTokenCount,
	}
}

func windowOrConfig(hours int, cfg *config.Config) time.Duration {
	if hours > 0 {
		return time.Duration(hours) * time.Hour
	}
	return cfg.ClusterWindow()
}

func positiveOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func printLibraryLine(logger zerolog.Logger, result pipeline.LibraryResult) {
	logger.Info().
		Str("run_id", result.RunID).
		Int("tokens", result.Stats.Tokens).
		Int("hubs", result.Stats.Hubs).
		Int("active_days", result.Stats.ActiveDays).
		Bool("degenerate", result.Stats.Degenerate).
		Msg("library completed")
	fmt.Printf("library records=%d active_days=%d/%d tokens=%d hubs=%d degenerate=%t run_id=%s\n",
		result.Stats.Records, result.Stats.ActiveDays, result.Stats.Days, result.Stats.Tokens,
		result.Stats.Hubs, result.Stats.Degenerate, result.RunID)
	if len(result.Hubs) > 0 {
		fmt.Printf("library hubs=%s\n", strings.Join(result.Hubs, ","))
	}
}

func printGateLine(logger zerolog.Logger, result pipeline.GateResult) {
	logger.Info().
		Str("run_id", result.RunID).
		Int("processed", result.Processed).
		Int("kept", result.Kept).
		Int("blocked", result.Blocked).
		Int("no_strategic", result.NoHit).
		Msg("gate completed")
	fmt.Printf("gate processed=%d kept=%d blocked=%d no_strategic=%d languages_detected=%d run_id=%s\n",
		result.Processed, result.Kept, result.Blocked, result.NoHit, result.Detected, result.RunID)
}

func printKeywordsLine(logger zerolog.Logger, result pipeline.KeywordResult) {
	logger.Info().
		Str("run_id", result.RunID).
		Int("processed", result.Processed).
		Int("assigned", result.Assigned).
		Int("empty", result.Empty).
		Int("replaced", result.Replaced).
		Msg("keywords completed")
	fmt.Printf("keywords processed=%d assigned=%d empty=%d replaced=%d vocabulary=%d run_id=%s\n",
		result.Processed, result.Assigned, result.Empty, result.Replaced, result.Vocabulary, result.RunID)
}

func printClusterLines(logger zerolog.Logger, result pipeline.ClusterRunResult) {
	if r := result.Seed; r != nil {
		fmt.Printf("seed eligible=%d edges=%d clusters=%d members=%d lost=%d unclustered=%d run_id=%s\n",
			r.Eligible, r.Edges, r.Clusters, r.Members, r.Lost, r.Unclustered, r.RunID)
	}
	if r := result.Densify; r != nil {
		fmt.Printf("densify clusters=%d candidates=%d attached=%d finalized=%d macros=%d run_id=%s\n",
			r.Clusters, r.Candidates, r.Attached, r.Finalized, r.Macros, r.RunID)
	}
	if r := result.Persist; r != nil {
		fmt.Printf("persist sizes_refreshed=%d labelled=%d keyed=%d rejected=%d merge_candidates=%d run_id=%s\n",
			r.SizesRefreshed, r.Labelled, r.Keyed, r.Rejected, r.MergeCandidates, r.RunID)
	}
	if r := result.Orphans; r != nil {
		if r.Result.Partial {
			logger.Warn().
				Int("remaining", r.Result.Remaining).
				Dur("elapsed", r.Result.Elapsed).
				Msg("orphan attachment stopped at its time budget")
		}
		fmt.Printf("orphan_attach targets=%d orphans=%d processed=%d attached=%d unmatched=%d partial=%t remaining=%d run_id=%s\n",
			r.Targets, r.Orphans, r.Result.Processed, r.Result.Attached, r.Result.Unmatched,
			r.Result.Partial, r.Result.Remaining, r.RunID)
	}
}
