package keywords

import (
	"reflect"
	"testing"
)

type setMembership map[string]struct{}

func (s setMembership) Contains(token string) bool {
	_, ok := s[token]
	return ok
}

func vocabOf(tokens ...string) setMembership {
	set := make(setMembership, len(tokens))
	for _, token := range tokens {
		set[token] = struct{}{}
	}
	return set
}

func TestSelectIntersectsDedupesAndRanks(t *testing.T) {
	got := Select([]Candidate{
		{Token: "steel", Score: 0.4},
		{Token: "tariff", Score: 0.9},
		{Token: "steel", Score: 0.7},
		{Token: "weather", Score: 1.0},
		{Token: "china", Score: 0.7},
	}, vocabOf("steel", "tariff", "china"), 8)

	want := []Assignment{
		{Token: "tariff", Score: 0.9},
		{Token: "china", Score: 0.7},
		{Token: "steel", Score: 0.7},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestSelectCapsAtK(t *testing.T) {
	candidates := make([]Candidate, 0, 12)
	vocab := vocabOf()
	for i := 0; i < 12; i++ {
		token := string(rune('a'+i)) + "x"
		vocab[token] = struct{}{}
		candidates = append(candidates, Candidate{Token: token, Score: float64(i)})
	}
	got := Select(candidates, vocab, 8)
	if len(got) != 8 {
		t.Fatalf("expected 8 assignments, got %d", len(got))
	}
	if got[0].Token != "lx" || got[7].Token != "ex" {
		t.Fatalf("expected top-8 by score, got %v", Tokens(got))
	}
}

func TestSelectNoSurvivors(t *testing.T) {
	if got := Select([]Candidate{{Token: "festival", Score: 1}}, vocabOf("tariff"), 8); got != nil {
		t.Fatalf("expected no assignments, got %v", got)
	}
}
