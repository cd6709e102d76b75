package keywords

import (
	"sort"
	"strings"
)

const DefaultCoreKeywordsPerRecord = 8

// Candidate is one canonicalized keyword occurrence with its strategic score.
type Candidate struct {
	Token string
	Score float64
}

type Assignment struct {
	Token string  `json:"token"`
	Score float64 `json:"score"`
}

// Membership is satisfied by the shared vocabulary.
type Membership interface {
	Contains(token string) bool
}

// Select keeps tokens present in vocabulary, collapses duplicates to their max
// score and returns at most k by descending score. Ties are broken by token so
// the result is stable across runs.
func Select(candidates []Candidate, vocabulary Membership, k int) []Assignment {
	if k <= 0 {
		k = DefaultCoreKeywordsPerRecord
	}
	if vocabulary == nil || len(candidates) == 0 {
		return nil
	}

	best := make(map[string]float64, len(candidates))
	for _, candidate := range candidates {
		token := strings.TrimSpace(candidate.Token)
		if token == "" || !vocabulary.Contains(token) {
			continue
		}
		if score, seen := best[token]; !seen || candidate.Score > score {
			best[token] = candidate.Score
		}
	}
	if len(best) == 0 {
		return nil
	}

	assignments := make([]Assignment, 0, len(best))
	for token, score := range best {
		assignments = append(assignments, Assignment{Token: token, Score: score})
	}
	sort.Slice(assignments, func(i, j int) bool {
		if assignments[i].Score != assignments[j].Score {
			return assignments[i].Score > assignments[j].Score
		}
		return assignments[i].Token < assignments[j].Token
	})
	if len(assignments) > k {
		assignments = assignments[:k]
	}
	return assignments
}

// Tokens returns just the token strings of assignments, in order.
func Tokens(assignments []Assignment) []string {
	tokens := make([]string, 0, len(assignments))
	for _, assignment := range assignments {
		tokens = append(tokens, assignment.Token)
	}
	return tokens
}
