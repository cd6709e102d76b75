package canon

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestNormalizeBasic(t *testing.T) {
	cases := map[string]string{
		"  U.S. Sanctions!! ":   "us sanctions",
		"F - 16 jets":           "f-16 jets",
		"covid -19":             "covid-19",
		"Ｗｉｄｅ  text":            "wide text",
		"Kyiv/Kiev, \"talks\"":  "kyiv/kiev talks",
		"e.g":                   "eg",
		"3.5 percent":           "3.5 percent",
		"U.S., allies agree":    "us allies agree",
		"(U.S.) talks":          "us talks",
		"U.S.: report":          "us report",
		"U.S.'s envoy":          "us envoy",
		"the U.K.’s budget":     "the uk budget",
		"end of talks.":         "end of talks",
		"":                      "",
		"Nord-Stream pipeline.": "nord-stream pipeline",
	}
	for input, want := range cases {
		if got := NormalizeBasic(input); got != want {
			t.Fatalf("NormalizeBasic(%q): expected %q, got %q", input, want, got)
		}
	}
}

func TestCanonicalizeIdentityFallback(t *testing.T) {
	c := New(zerolog.Nop(), nil)
	got := c.Canonicalize("  Tariffs ")
	if got.Canonical != "tariffs" || got.Confidence != ConfidenceIdentity {
		t.Fatalf("expected identity tariffs/0.8, got %+v", got)
	}
}

func TestCanonicalizeFiltersNoise(t *testing.T) {
	c := New(zerolog.Nop(), []Rule{{ID: 1, Pattern: "the", Type: RuleExact, Canonical: "article"}})
	for _, input := range []string{"", "x", "The", "2024", "1.000", "!!"} {
		got := c.Canonicalize(input)
		if !got.Filtered() || got.Confidence != 0 {
			t.Fatalf("expected %q to be filtered, got %+v", input, got)
		}
	}
}

func TestCanonicalizeExactBeatsRegex(t *testing.T) {
	c := New(zerolog.Nop(), []Rule{
		{ID: 1, Pattern: "^us.*", Type: RuleRegex, Canonical: "regex-hit", Priority: 0},
		{ID: 2, Pattern: "us", Type: RuleExact, Canonical: "united states", Priority: 50},
	})
	got := c.Canonicalize("U.S.")
	if got.Canonical != "united states" || got.Confidence != ConfidenceRuleHit || got.RuleID != 2 {
		t.Fatalf("expected exact rule to win, got %+v", got)
	}
}

func TestCanonicalizeLowerTierUsesNormalizedPattern(t *testing.T) {
	c := New(zerolog.Nop(), []Rule{
		{ID: 7, Pattern: "People's Republic of China", Type: RuleLower, Canonical: "China"},
		{ID: 8, Pattern: "People's Republic of China", Type: RuleExact, Canonical: "never"},
	})
	got := c.Canonicalize("people’s republic of china")
	if got.Canonical != "china" || got.RuleID != 7 {
		t.Fatalf("expected lower rule hit, got %+v", got)
	}
}

func TestCanonicalizePriorityWithinTier(t *testing.T) {
	c := New(zerolog.Nop(), []Rule{
		{ID: 3, Pattern: `^tariff`, Type: RuleRegex, Canonical: "tariff-late", Priority: 10},
		{ID: 4, Pattern: `tariffs?$`, Type: RuleRegex, Canonical: "tariff", Priority: 1},
		{ID: 5, Pattern: `tariffs`, Type: RuleRegex, Canonical: "tariff-tie", Priority: 1},
	})
	got := c.Canonicalize("Tariffs")
	if got.Canonical != "tariff" || got.RuleID != 4 {
		t.Fatalf("expected priority 1 / lowest id to win, got %+v", got)
	}
}

func TestCanonicalizeSkipsMalformedRules(t *testing.T) {
	c := New(zerolog.Nop(), []Rule{
		{ID: 1, Pattern: "([", Type: RuleRegex, Canonical: "broken"},
		{ID: 2, Pattern: "kiev", Type: RuleExact, Canonical: "kyiv"},
		{ID: 3, Pattern: "x", Type: "fuzzy", Canonical: "y"},
		{ID: 4, Pattern: "", Type: RuleExact, Canonical: "empty"},
	})
	if c.RuleCount() != 1 {
		t.Fatalf("expected one usable rule, got %d", c.RuleCount())
	}
	if got := c.Canonicalize("Kiev"); got.Canonical != "kyiv" {
		t.Fatalf("expected kyiv, got %+v", got)
	}
}

func TestCanonicalizeDeterministic(t *testing.T) {
	c := New(zerolog.Nop(), []Rule{{ID: 1, Pattern: "beijing", Type: RuleExact, Canonical: "china"}})
	first := c.Canonicalize("Beijing")
	for i := 0; i < 20; i++ {
		if got := c.Canonicalize("Beijing"); got != first {
			t.Fatalf("expected repeated calls to agree, got %+v vs %+v", got, first)
		}
	}
}

func TestReloadSwapsRules(t *testing.T) {
	c := New(zerolog.Nop(), nil)
	stats, err := c.Reload(context.Background(), RuleSourceFunc(func(context.Context) ([]Rule, error) {
		return []Rule{
			{ID: 1, Pattern: "washington", Type: RuleExact, Canonical: "us"},
			{ID: 2, Pattern: "(", Type: RuleRegex, Canonical: "bad"},
		}, nil
	}))
	if err != nil {
		t.Fatalf("Reload returned error: %v", err)
	}
	if stats.Loaded != 1 || stats.Skipped != 1 {
		t.Fatalf("unexpected load stats %+v", stats)
	}
	if got := c.Canonicalize("Washington"); got.Canonical != "us" {
		t.Fatalf("expected us after reload, got %+v", got)
	}

	_, err = c.Reload(context.Background(), RuleSourceFunc(func(context.Context) ([]Rule, error) {
		return nil, errors.New("db down")
	}))
	if err == nil {
		t.Fatalf("expected reload error to propagate")
	}
	if got := c.Canonicalize("Washington"); got.Canonical != "us" {
		t.Fatalf("expected previous rules to stay installed after failed reload, got %+v", got)
	}
}
