package canon

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

const (
	ConfidenceRuleHit  = 1.0
	ConfidenceIdentity = 0.8
)

type RuleType string

const (
	RuleExact RuleType = "exact"
	RuleLower RuleType = "lower"
	RuleRegex RuleType = "regex"
)

// Rule maps a spelling (or family of spellings) onto one canonical token.
type Rule struct {
	ID        int64    `json:"id" yaml:"id"`
	Pattern   string   `json:"pattern" yaml:"pattern"`
	Type      RuleType `json:"type" yaml:"type"`
	Canonical string   `json:"canonical" yaml:"canonical"`
	Priority  int      `json:"priority" yaml:"priority"`
}

// RuleSource supplies the rule set on load and on every explicit reload.
type RuleSource interface {
	LoadRules(ctx context.Context) ([]Rule, error)
}

type RuleSourceFunc func(ctx context.Context) ([]Rule, error)

func (f RuleSourceFunc) LoadRules(ctx context.Context) ([]Rule, error) {
	return f(ctx)
}

type Result struct {
	Normalized string
	Canonical  string
	Confidence float64
	RuleID     int64
}

// Filtered reports whether the keyword was dropped (too short, stop word or numeric).
func (r Result) Filtered() bool {
	return r.Canonical == ""
}

type LoadStats struct {
	Loaded  int
	Skipped int
}

type compiledRule struct {
	rule Rule
	re   *regexp.Regexp
}

type ruleSet struct {
	exact map[string]Rule
	lower map[string]Rule
	regex []compiledRule
}

// Canonicalizer is safe for concurrent use. Lookups take a read lock; Reload
// swaps the whole rule set at once so a run never sees a half-loaded cache.
type Canonicalizer struct {
	mu        sync.RWMutex
	rules     ruleSet
	stopwords map[string]struct{}
	logger    zerolog.Logger
}

func New(logger zerolog.Logger, rules []Rule) *Canonicalizer {
	c := &Canonicalizer{
		stopwords: defaultStopwords(),
		logger:    logger,
	}
	c.Replace(rules)
	return c
}

func (c *Canonicalizer) Reload(ctx context.Context, source RuleSource) (LoadStats, error) {
	if source == nil {
		return LoadStats{}, fmt.Errorf("rule source is nil")
	}
	rules, err := source.LoadRules(ctx)
	if err != nil {
		return LoadStats{}, fmt.Errorf("load canonicalization rules: %w", err)
	}
	return c.Replace(rules), nil
}

// Replace compiles rules and installs them. Invalid rules are logged and skipped.
func (c *Canonicalizer) Replace(rules []Rule) LoadStats {
	set, stats := compileRules(rules, c.logger)

	c.mu.Lock()
	c.rules = set
	c.mu.Unlock()

	c.logger.Debug().
		Int("loaded", stats.Loaded).
		Int("skipped", stats.Skipped).
		Msg("canonicalization rules installed")
	return stats
}

func (c *Canonicalizer) RuleCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rules.exact) + len(c.rules.lower) + len(c.rules.regex)
}

func (c *Canonicalizer) Canonicalize(text string) Result {
	normalized := NormalizeBasic(text)
	result := Result{Normalized: normalized}
	if c.dropped(normalized) {
		return result
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if rule, ok := c.rules.exact[normalized]; ok {
		return hit(result, rule)
	}
	if rule, ok := c.rules.lower[normalized]; ok {
		return hit(result, rule)
	}
	for _, compiled := range c.rules.regex {
		if compiled.re.MatchString(normalized) {
			return hit(result, compiled.rule)
		}
	}

	result.Canonical = normalized
	result.Confidence = ConfidenceIdentity
	return result
}

func hit(result Result, rule Rule) Result {
	result.Canonical = rule.Canonical
	result.Confidence = ConfidenceRuleHit
	result.RuleID = rule.ID
	return result
}

func (c *Canonicalizer) dropped(normalized string) bool {
	if utf8.RuneCountInString(normalized) <= 1 {
		return true
	}
	if _, stop := c.stopwords[normalized]; stop {
		return true
	}
	return isNumeric(normalized)
}

func isNumeric(value string) bool {
	digits := 0
	for _, r := range value {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == ' ' || r == '.':
		default:
			return false
		}
	}
	return digits > 0
}

func compileRules(rules []Rule, logger zerolog.Logger) (ruleSet, LoadStats) {
	ordered := append([]Rule(nil), rules...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})

	set := ruleSet{
		exact: make(map[string]Rule),
		lower: make(map[string]Rule),
	}
	var stats LoadStats
	for _, rule := range ordered {
		pattern := strings.TrimSpace(rule.Pattern)
		rule.Canonical = NormalizeBasic(rule.Canonical)
		if pattern == "" || rule.Canonical == "" {
			logger.Warn().Int64("rule_id", rule.ID).Msg("skipping canonicalization rule with empty pattern or canonical")
			stats.Skipped++
			continue
		}

		switch RuleType(strings.ToLower(strings.TrimSpace(string(rule.Type)))) {
		case RuleExact:
			// Ordered input means the first rule per key is the winning one.
			if _, exists := set.exact[pattern]; !exists {
				set.exact[pattern] = rule
			}
		case RuleLower:
			key := NormalizeBasic(pattern)
			if key == "" {
				logger.Warn().Int64("rule_id", rule.ID).Msg("skipping lower rule that normalizes to empty")
				stats.Skipped++
				continue
			}
			if _, exists := set.lower[key]; !exists {
				set.lower[key] = rule
			}
		case RuleRegex:
			re, err := regexp.Compile(pattern)
			if err != nil {
				logger.Warn().Err(err).Int64("rule_id", rule.ID).Str("pattern", pattern).Msg("skipping malformed regex rule")
				stats.Skipped++
				continue
			}
			set.regex = append(set.regex, compiledRule{rule: rule, re: re})
		default:
			logger.Warn().Int64("rule_id", rule.ID).Str("type", string(rule.Type)).Msg("skipping rule with unknown type")
			stats.Skipped++
			continue
		}
		stats.Loaded++
	}
	return set, stats
}
