package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/rs/zerolog"

	"horse.fit/eventfamily/internal/canon"
	"horse.fit/eventfamily/internal/cli"
	"horse.fit/eventfamily/internal/config"
	"horse.fit/eventfamily/internal/db"
	"horse.fit/eventfamily/internal/embedding"
	"horse.fit/eventfamily/internal/gate"
	"horse.fit/eventfamily/internal/logging"
	"horse.fit/eventfamily/internal/pipeline"
	"horse.fit/eventfamily/internal/refdata"
)

const (
	outputFormatTable = "table"
	outputFormatJSON  = "json"

	defaultRulesFile = "configs/rules.yaml"
	defaultGateFile  = "configs/gate.yaml"
)

// bootstrap loads the env file, config and logger shared by every database
// command. A non-zero code means the command should exit with it.
func bootstrap(envLoader *cli.EnvLoader) (*config.Config, zerolog.Logger, int) {
	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, zerolog.Nop(), 1
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return nil, zerolog.Nop(), 1
	}
	return cfg, logger, 0
}

func connect(ctx context.Context, cfg *config.Config, logger zerolog.Logger, command string) (*db.Pool, bool) {
	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msgf("%s command failed to connect to database", command)
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return nil, false
	}
	return pool, true
}

// loadCanonicalizer prefers RULES_FILE, then the active database rules, then
// the bundled rules file when the table is still empty.
func loadCanonicalizer(ctx context.Context, cfg *config.Config, pool *db.Pool, logger zerolog.Logger) (*canon.Canonicalizer, error) {
	c := canon.New(logger, nil)

	if path := strings.TrimSpace(cfg.RulesFile); path != "" {
		stats, err := c.Reload(ctx, refdata.FileRuleSource{Path: path})
		if err != nil {
			return nil, fmt.Errorf("load rules from %s: %w", path, err)
		}
		logger.Info().Str("source", path).Int("loaded", stats.Loaded).Int("skipped", stats.Skipped).Msg("canonical rules loaded")
		return c, nil
	}

	stats, err := c.Reload(ctx, pipeline.DBRuleSource{Pool: pool})
	if err != nil {
		return nil, fmt.Errorf("load rules from database: %w", err)
	}
	if stats.Loaded > 0 {
		logger.Info().Str("source", "ef.canonical_rules").Int("loaded", stats.Loaded).Int("skipped", stats.Skipped).Msg("canonical rules loaded")
		return c, nil
	}

	if _, err := os.Stat(defaultRulesFile); err != nil {
		logger.Warn().Msg("no canonical rules configured, canonicalizer applies normalization only")
		return c, nil
	}
	stats, err = c.Reload(ctx, refdata.FileRuleSource{Path: defaultRulesFile})
	if err != nil {
		return nil, fmt.Errorf("load rules from %s: %w", defaultRulesFile, err)
	}
	logger.Info().Str("source", defaultRulesFile).Int("loaded", stats.Loaded).Int("skipped", stats.Skipped).Msg("canonical rules loaded")
	return c, nil
}

func loadGate(cfg *config.Config, logger zerolog.Logger) (*gate.Gate, error) {
	path := strings.TrimSpace(cfg.GateVocabularyFile)
	if path == "" {
		path = defaultGateFile
	}
	vocabularies, err := refdata.LoadVocabularies(path)
	if err != nil {
		return nil, err
	}
	g, err := gate.New(vocabularies)
	if err != nil {
		return nil, fmt.Errorf("build gate from %s: %w", path, err)
	}
	stops, gos := g.Counts()
	logger.Info().Str("source", path).Int("stop_vocabularies", stops).Int("go_vocabularies", gos).Msg("gate vocabularies loaded")
	return g, nil
}

func newEmbedder(cfg *config.Config) *embedding.Client {
	return embedding.NewClient(embedding.ClientOptions{
		Endpoint:       cfg.EmbeddingEndpoint,
		Dimensions:     cfg.EmbeddingDimensions,
		RequestTimeout: cfg.EmbeddingRequestTimeout,
	})
}

type serviceNeeds struct {
	canonicalizer bool
	gate          bool
	embedder      bool
}

func newPipelineService(ctx context.Context, cfg *config.Config, pool *db.Pool, logger zerolog.Logger, needs serviceNeeds) (*pipeline.Service, error) {
	deps := pipeline.Dependencies{
		EmbeddingModelName:    cfg.EmbeddingModelName,
		EmbeddingModelVersion: cfg.EmbeddingModelVersion,
	}
	if needs.canonicalizer {
		c, err := loadCanonicalizer(ctx, cfg, pool, logger)
		if err != nil {
			return nil, err
		}
		deps.Canonicalizer = c
	}
	if needs.gate {
		g, err := loadGate(cfg, logger)
		if err != nil {
			return nil, err
		}
		deps.Gate = g
	}
	if needs.embedder {
		client := newEmbedder(cfg)
		deps.Embedder = client
		deps.EmbeddingEndpoint = client.Endpoint()
	}
	return pipeline.NewService(pool, logger, deps), nil
}

func parseOutputFormat(raw, defaultFormat string) (string, error) {
	format := strings.TrimSpace(strings.ToLower(raw))
	if format == "" {
		format = strings.TrimSpace(strings.ToLower(defaultFormat))
	}
	switch format {
	case outputFormatTable, outputFormatJSON:
		return format, nil
	default:
		return "", fmt.Errorf("--format must be table or json")
	}
}

// truncateForTable cuts value to maxWidth terminal cells so wide scripts keep
// table columns aligned.
func truncateForTable(value string, maxWidth int) string {
	trimmed := strings.Join(strings.Fields(value), " ")
	if maxWidth <= 0 || runewidth.StringWidth(trimmed) <= maxWidth {
		return trimmed
	}
	if maxWidth <= 3 {
		return runewidth.Truncate(trimmed, maxWidth, "")
	}
	return runewidth.Truncate(trimmed, maxWidth, "...")
}

func pointerStringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}

func formatUTCTimestamp(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}

func printJSON(payload any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}

func writeTable(header []string, rows [][]string) error {
	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	if _, err := fmt.Fprintln(tw, strings.Join(header, "\t")); err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := fmt.Fprintln(tw, strings.Join(row, "\t")); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func connectReadPool(timeout time.Duration, envLoader *cli.EnvLoader) (context.Context, context.CancelFunc, *db.Pool, *config.Config, error) {
	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		cancel()
		return nil, nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return ctx, cancel, pool, cfg, nil
}
