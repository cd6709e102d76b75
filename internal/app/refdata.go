package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/eventfamily/internal/canon"
	"horse.fit/eventfamily/internal/cli"
	"horse.fit/eventfamily/internal/gate"
	"horse.fit/eventfamily/internal/pipeline"
	"horse.fit/eventfamily/internal/refdata"
)

func runValidateRefdata(args []string) int {
	fs := flag.NewFlagSet("validate-refdata", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	rulesPath := fs.String("rules", defaultRulesFile, "Canonicalization rules file")
	gatePath := fs.String("gate", defaultGateFile, "Gate vocabulary file")
	sync := fs.Bool("sync", false, "Mirror the rules file into ef.canonical_rules after validation")
	timeout := fs.Duration("timeout", 30*time.Second, "Sync timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	rules, ruleStats, err := validateRulesFile(strings.TrimSpace(*rulesPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "INVALID %s: %v\n", *rulesPath, err)
	}
	stops, gos, gateErr := validateGateFile(strings.TrimSpace(*gatePath))
	if gateErr != nil {
		fmt.Fprintf(os.Stderr, "INVALID %s: %v\n", *gatePath, gateErr)
	}

	fmt.Printf("validate-refdata rules=%d skipped=%d stop_vocabularies=%d go_vocabularies=%d\n",
		ruleStats.Loaded, ruleStats.Skipped, stops, gos)
	if err != nil || gateErr != nil {
		return 1
	}
	if !*sync {
		return 0
	}

	cfg, logger, code := bootstrap(envLoader)
	if code != 0 {
		return code
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, ok := connect(ctx, cfg, logger, "validate-refdata")
	if !ok {
		return 1
	}
	defer pool.Close()

	result, err := pipeline.SyncRules(ctx, pool, rules)
	if err != nil {
		logger.Error().Err(err).Msg("rule sync failed")
		fmt.Fprintf(os.Stderr, "Rule sync failed: %v\n", err)
		return 1
	}

	logger.Info().
		Str("source", *rulesPath).
		Int("upserted", result.Upserted).
		Int64("deactivated", result.Deactivated).
		Msg("rule sync completed")
	fmt.Printf("sync-rules upserted=%d deactivated=%d\n", result.Upserted, result.Deactivated)
	return 0
}

// validateRulesFile checks the schema, rule id uniqueness and that every rule
// compiles. Rules the canonicalizer would skip make the file invalid.
func validateRulesFile(path string) ([]canon.Rule, canon.LoadStats, error) {
	rules, err := refdata.LoadRules(path)
	if err != nil {
		return nil, canon.LoadStats{}, err
	}
	if dups := duplicateRuleIDs(rules); len(dups) > 0 {
		return nil, canon.LoadStats{}, fmt.Errorf("duplicate rule ids: %v", dups)
	}
	stats := canon.New(zerolog.Nop(), nil).Replace(rules)
	if stats.Skipped > 0 {
		return rules, stats, fmt.Errorf("%d rule(s) do not compile", stats.Skipped)
	}
	return rules, stats, nil
}

func validateGateFile(path string) (int, int, error) {
	vocabularies, err := refdata.LoadVocabularies(path)
	if err != nil {
		return 0, 0, err
	}
	g, err := gate.New(vocabularies)
	if err != nil {
		return 0, 0, err
	}
	stops, gos := g.Counts()
	return stops, gos, nil
}

func duplicateRuleIDs(rules []canon.Rule) []int64 {
	seen := make(map[int64]struct{}, len(rules))
	var dups []int64
	for _, rule := range rules {
		if _, ok := seen[rule.ID]; ok {
			if !slices.Contains(dups, rule.ID) {
				dups = append(dups, rule.ID)
			}
			continue
		}
		seen[rule.ID] = struct{}{}
	}
	slices.Sort(dups)
	return dups
}
