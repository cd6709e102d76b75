package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"horse.fit/eventfamily/internal/cli"
	"horse.fit/eventfamily/internal/globaltime"
	"horse.fit/eventfamily/internal/readmodel"
)

func runClusters(args []string) int {
	fs := flag.NewFlagSet("clusters", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Query timeout")
	format := fs.String("format", outputFormatTable, "Output format: table or json")
	clusterRaw := fs.String("uuid", "", "Show one cluster with its members")
	clusterType := fs.String("type", "", "Filter by cluster type: seed, final or macro")
	efKey := fs.String("ef-key", "", "Filter by EF key")
	page := fs.Int("page", 1, "Page number")
	pageSize := fs.Int("page-size", readmodel.DefaultPageSize, "Clusters per page")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "clusters does not accept positional arguments")
		return 2
	}

	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}
	switch strings.TrimSpace(*clusterType) {
	case "", "seed", "final", "macro":
	default:
		fmt.Fprintln(os.Stderr, "--type must be seed, final or macro")
		return 2
	}
	if *page <= 0 || *pageSize <= 0 || *pageSize > readmodel.MaxPageSize {
		fmt.Fprintf(os.Stderr, "--page must be > 0 and --page-size within [1,%d]\n", readmodel.MaxPageSize)
		return 2
	}
	var detailUUID string
	if strings.TrimSpace(*clusterRaw) != "" {
		parsed, err := uuid.Parse(strings.TrimSpace(*clusterRaw))
		if err != nil {
			fmt.Fprintln(os.Stderr, "--uuid must be a valid UUID")
			return 2
		}
		detailUUID = parsed.String()
	}

	ctx, cancel, pool, _, err := connectReadPool(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer pool.Close()

	store := readmodel.NewStore(pool)

	if detailUUID != "" {
		detail, err := store.ClusterDetail(ctx, detailUUID)
		if errors.Is(err, readmodel.ErrClusterNotFound) {
			fmt.Fprintf(os.Stderr, "Cluster %s not found\n", detailUUID)
			return 1
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to query cluster: %v\n", err)
			return 1
		}
		if outputFormat == outputFormatJSON {
			if err := printJSON(detail); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
				return 1
			}
			return 0
		}
		return printClusterDetail(detail)
	}

	total, clusters, err := store.ListClusters(ctx, readmodel.ClusterFilter{
		Type:     *clusterType,
		EFKey:    *efKey,
		Page:     *page,
		PageSize: *pageSize,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query clusters: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		payload := map[string]any{
			"total":     total,
			"page":      *page,
			"page_size": *pageSize,
			"clusters":  clusters,
		}
		if err := printJSON(payload); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	rows := make([][]string, 0, len(clusters))
	for _, c := range clusters {
		rows = append(rows, clusterRow(c))
	}
	if err := writeTable(clusterHeader, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render clusters table: %v\n", err)
		return 1
	}
	fmt.Printf("\npage %d, %d of %d clusters\n", *page, len(clusters), total)
	return 0
}

var clusterHeader = []string{"cluster_uuid", "type", "size", "cohesion", "anchors", "ef_key", "window_end"}

func clusterRow(c readmodel.ClusterSummary) []string {
	return []string{
		c.ClusterUUID,
		c.Type,
		strconv.Itoa(c.Size),
		strconv.FormatFloat(c.Cohesion, 'f', 3, 64),
		truncateForTable(strings.Join(c.Anchors, ","), 48),
		pointerStringOrEmpty(c.EFKey),
		formatUTCTimestamp(c.WindowEnd),
	}
}

func printClusterDetail(detail readmodel.ClusterDetail) int {
	if err := writeTable(clusterHeader, [][]string{clusterRow(detail.Cluster)}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render cluster table: %v\n", err)
		return 1
	}
	c := detail.Cluster
	if c.EFKey != nil {
		fmt.Printf("\ntheater=%s event_type=%s actors=%s\n",
			pointerStringOrEmpty(c.Theater), pointerStringOrEmpty(c.EventType), strings.Join(c.Actors, ","))
	}

	if len(detail.Parts) > 0 {
		fmt.Println()
		rows := make([][]string, 0, len(detail.Parts))
		for _, part := range detail.Parts {
			rows = append(rows, clusterRow(part))
		}
		if err := writeTable(clusterHeader, rows); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render parts table: %v\n", err)
			return 1
		}
	}

	fmt.Println()
	rows := make([][]string, 0, len(detail.Members))
	for _, m := range detail.Members {
		score := ""
		if m.Score != nil {
			score = strconv.FormatFloat(*m.Score, 'f', 3, 64)
		}
		rows = append(rows, []string{
			strconv.FormatInt(m.RecordID, 10),
			formatUTCTimestamp(m.PublishedAt),
			m.Language,
			m.Method,
			score,
			truncateForTable(m.Title, 72),
		})
	}
	if err := writeTable([]string{"record_id", "published_at", "lang", "method", "score", "title"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render members table: %v\n", err)
		return 1
	}
	return 0
}

func runVocab(args []string) int {
	fs := flag.NewFlagSet("vocab", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Query timeout")
	format := fs.String("format", outputFormatTable, "Output format: table or json")
	hubs := fs.Bool("hubs", false, "Only list hub tokens")
	prefix := fs.String("prefix", "", "Only list tokens with this prefix")
	limit := fs.Int("limit", 100, "Maximum tokens to list")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "vocab does not accept positional arguments")
		return 2
	}
	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}
	if *limit <= 0 {
		fmt.Fprintln(os.Stderr, "--limit must be > 0")
		return 2
	}

	ctx, cancel, pool, _, err := connectReadPool(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer pool.Close()

	entries, err := readmodel.NewStore(pool).Vocabulary(ctx, readmodel.VocabularyFilter{
		HubsOnly: *hubs,
		Prefix:   *prefix,
		Limit:    *limit,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query vocabulary: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(entries); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		hubRank := ""
		if entry.HubRank != nil {
			hubRank = strconv.Itoa(*entry.HubRank)
		}
		rows = append(rows, []string{
			truncateForTable(entry.Token, 40),
			strconv.Itoa(entry.DocFreq),
			strconv.Itoa(entry.ActiveDaysPresent),
			strconv.FormatFloat(entry.Ratio, 'f', 3, 64),
			hubRank,
		})
	}
	if err := writeTable([]string{"token", "doc_freq", "active_days", "ratio", "hub_rank"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render vocabulary table: %v\n", err)
		return 1
	}
	return 0
}

func runStats(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Query timeout")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "stats does not accept positional arguments")
		return 2
	}

	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	ctx, cancel, pool, cfg, err := connectReadPool(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer pool.Close()

	stats, err := readmodel.NewStore(pool).Stats(ctx, globaltime.UTC().Add(-cfg.ClusterWindow()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query pipeline stats: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(stats); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	metricRows := [][]string{
		{"records", strconv.FormatInt(stats.Records, 10)},
		{"gate_passed", strconv.FormatInt(stats.GatePassed, 10)},
		{"gate_blocked", strconv.FormatInt(stats.GateBlocked, 10)},
		{"gate_no_strategic", strconv.FormatInt(stats.GateNoStrategic, 10)},
		{"embedded", strconv.FormatInt(stats.Embedded, 10)},
		{"keyword_records", strconv.FormatInt(stats.KeywordRecords, 10)},
		{"vocabulary_tokens", strconv.FormatInt(stats.VocabularyTokens, 10)},
		{"hubs", strconv.FormatInt(stats.Hubs, 10)},
		{"clusters_seed", strconv.FormatInt(stats.Clusters["seed"], 10)},
		{"clusters_final", strconv.FormatInt(stats.Clusters["final"], 10)},
		{"clusters_macro", strconv.FormatInt(stats.Clusters["macro"], 10)},
		{"members", strconv.FormatInt(stats.Members, 10)},
		{"unclustered_in_window", strconv.FormatInt(stats.Unclustered, 10)},
		{"merge_candidates", strconv.FormatInt(stats.MergeCandidates, 10)},
	}
	if err := writeTable([]string{"metric", "value"}, metricRows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render stats table: %v\n", err)
		return 1
	}

	fmt.Println()
	runRows := make([][]string, 0, len(stats.LatestRuns))
	for _, run := range stats.LatestRuns {
		finished := ""
		if run.FinishedAt != nil {
			finished = formatUTCTimestamp(*run.FinishedAt)
		}
		runRows = append(runRows, []string{
			run.Stage,
			run.Status,
			formatUTCTimestamp(run.StartedAt),
			finished,
			run.RunID,
			truncateForTable(pointerStringOrEmpty(run.ErrorMessage), 60),
		})
	}
	if err := writeTable([]string{"stage", "status", "started_at", "finished_at", "run_id", "error"}, runRows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render stage runs table: %v\n", err)
		return 1
	}
	return 0
}
