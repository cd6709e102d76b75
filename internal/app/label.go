package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"horse.fit/eventfamily/internal/cli"
	"horse.fit/eventfamily/internal/eventfamily"
	"horse.fit/eventfamily/internal/pipeline"
)

func runLabel(args []string) int {
	fs := flag.NewFlagSet("label", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	clusterRaw := fs.String("cluster", "", "Cluster UUID")
	theater := fs.String("theater", "", "Event family theater")
	eventType := fs.String("event-type", "", "Event family event type")
	actorsRaw := fs.String("actors", "", "Comma-separated actors")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	clusterUUID, err := uuid.Parse(strings.TrimSpace(*clusterRaw))
	if err != nil {
		fmt.Fprintln(os.Stderr, "--cluster must be a valid UUID")
		return 2
	}
	family := eventfamily.EF{
		Theater:   *theater,
		EventType: *eventType,
		Actors:    splitList(*actorsRaw),
	}
	if err := family.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid event family: %v\n", err)
		return 2
	}

	cfg, logger, code := bootstrap(envLoader)
	if code != 0 {
		return code
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, ok := connect(ctx, cfg, logger, "label")
	if !ok {
		return 1
	}
	defer pool.Close()

	svc := pipeline.NewService(pool, logger, pipeline.Dependencies{})
	key, err := svc.Label(ctx, clusterUUID.String(), family)
	if errors.Is(err, pipeline.ErrClusterNotFound) {
		fmt.Fprintf(os.Stderr, "Cluster %s not found\n", clusterUUID)
		return 1
	}
	if err != nil {
		logger.Error().Err(err).Str("cluster_uuid", clusterUUID.String()).Msg("label failed")
		fmt.Fprintf(os.Stderr, "Label failed: %v\n", err)
		return 1
	}

	logger.Info().
		Str("cluster_uuid", clusterUUID.String()).
		Str("ef_key", key).
		Msg("label completed")
	fmt.Printf("label cluster=%s ef_key=%s actors=%s\n",
		clusterUUID, key, strings.Join(eventfamily.NormalizeActors(family.Actors), ","))
	return 0
}

// runEFKey needs no database; it prints the key and, with --compare-actors,
// whether two families sharing the key would be flagged for merging.
func runEFKey(args []string) int {
	fs := flag.NewFlagSet("efkey", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	theater := fs.String("theater", "", "Event family theater")
	eventType := fs.String("event-type", "", "Event family event type")
	actorsRaw := fs.String("actors", "", "Comma-separated actors")
	compareRaw := fs.String("compare-actors", "", "Comma-separated actors of a second family with the same theater and event type")
	formatRaw := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	format, err := parseOutputFormat(*formatRaw, outputFormatTable)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if strings.TrimSpace(*theater) == "" || strings.TrimSpace(*eventType) == "" {
		fmt.Fprintln(os.Stderr, "--theater and --event-type are required")
		return 2
	}
	if strings.Contains(*theater, "|") || strings.Contains(*eventType, "|") {
		fmt.Fprintln(os.Stderr, "--theater and --event-type must not contain '|'")
		return 2
	}

	family := eventfamily.EF{Theater: *theater, EventType: *eventType, Actors: splitList(*actorsRaw)}
	out := efKeyOutput{
		EFKey:  eventfamily.GenerateKey(family.Theater, family.EventType),
		Actors: eventfamily.NormalizeActors(family.Actors),
	}
	if strings.TrimSpace(*compareRaw) != "" {
		other := eventfamily.EF{Theater: *theater, EventType: *eventType, Actors: splitList(*compareRaw)}
		similarity := eventfamily.ActorSimilarity(family.Actors, other.Actors)
		mergeCandidate := eventfamily.IsMergeCandidate(family, other)
		out.ActorSimilarity = &similarity
		out.MergeCandidate = &mergeCandidate
	}

	if format == outputFormatJSON {
		if err := printJSON(out); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write JSON: %v\n", err)
			return 1
		}
		return 0
	}
	fmt.Printf("efkey ef_key=%s actors=%s", out.EFKey, strings.Join(out.Actors, ","))
	if out.ActorSimilarity != nil {
		fmt.Printf(" actor_similarity=%.4f merge_candidate=%t", *out.ActorSimilarity, *out.MergeCandidate)
	}
	fmt.Println()
	return 0
}

type efKeyOutput struct {
	EFKey           string   `json:"ef_key"`
	Actors          []string `json:"actors"`
	ActorSimilarity *float64 `json:"actor_similarity,omitempty"`
	MergeCandidate  *bool    `json:"merge_candidate,omitempty"`
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
