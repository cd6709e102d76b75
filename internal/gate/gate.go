package gate

import (
	"fmt"
	"strings"
	"unicode"

	"horse.fit/eventfamily/internal/canon"
)

type Kind string

const (
	KindGo   Kind = "GO"
	KindStop Kind = "STOP"
)

type Reason string

const (
	ReasonBlockedByStop Reason = "blocked_by_stop"
	ReasonStrategicHit  Reason = "strategic_hit"
	ReasonNoStrategic   Reason = "no_strategic"
)

// Vocabulary is one tagged term list. Languages scopes the list to records in
// those ISO 639-1 languages; empty means every language.
type Vocabulary struct {
	Kind      Kind     `json:"kind" yaml:"kind"`
	ID        string   `json:"id" yaml:"id"`
	Languages []string `json:"languages,omitempty" yaml:"languages,omitempty"`
	Terms     []string `json:"terms" yaml:"terms"`
}

type Decision struct {
	Keep          bool   `json:"keep"`
	Reason        Reason `json:"reason"`
	MatchedEntity string `json:"matched_entity,omitempty"`
	VocabularyID  string `json:"vocabulary_id,omitempty"`
}

// Gate evaluates every STOP vocabulary before any GO vocabulary, each group in
// declaration order.
type Gate struct {
	stops []*matcher
	gos   []*matcher
}

func New(vocabularies []Vocabulary) (*Gate, error) {
	g := &Gate{}
	seen := make(map[string]struct{}, len(vocabularies))
	for _, vocabulary := range vocabularies {
		id := strings.TrimSpace(vocabulary.ID)
		if id == "" {
			return nil, fmt.Errorf("gate vocabulary id is required")
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate gate vocabulary id %q", id)
		}
		seen[id] = struct{}{}

		m := newMatcher(id, vocabulary.Languages, vocabulary.Terms)
		switch Kind(strings.ToUpper(strings.TrimSpace(string(vocabulary.Kind)))) {
		case KindStop:
			g.stops = append(g.stops, m)
		case KindGo:
			g.gos = append(g.gos, m)
		default:
			return nil, fmt.Errorf("gate vocabulary %q has unknown kind %q", id, vocabulary.Kind)
		}
	}
	return g, nil
}

// Filter decides a record without language scoping.
func (g *Gate) Filter(text string) Decision {
	return g.FilterLanguage(text, "")
}

// FilterLanguage applies only vocabularies scoped to lang (plus unscoped ones).
// An empty lang applies every vocabulary.
func (g *Gate) FilterLanguage(text, lang string) Decision {
	normalized := canon.NormalizeBasic(text)
	lang = strings.ToLower(strings.TrimSpace(lang))

	for _, m := range g.stops {
		if !m.appliesTo(lang) {
			continue
		}
		if term, ok := m.match(normalized); ok {
			return Decision{Keep: false, Reason: ReasonBlockedByStop, MatchedEntity: term, VocabularyID: m.id}
		}
	}
	for _, m := range g.gos {
		if !m.appliesTo(lang) {
			continue
		}
		if term, ok := m.match(normalized); ok {
			return Decision{Keep: true, Reason: ReasonStrategicHit, MatchedEntity: term, VocabularyID: m.id}
		}
	}
	return Decision{Keep: false, Reason: ReasonNoStrategic}
}

func (g *Gate) Counts() (stops, gos int) {
	return len(g.stops), len(g.gos)
}

type matcher struct {
	id        string
	languages map[string]struct{}

	// words maps a space-delimited term to its declaration index.
	words    map[string]int
	maxWords int
	// substrings holds terms in scripts without reliable word boundaries.
	substrings []indexedTerm
	terms      []string
}

type indexedTerm struct {
	index int
	text  string
}

func newMatcher(id string, languages, terms []string) *matcher {
	m := &matcher{
		id:    id,
		words: make(map[string]int),
	}
	if len(languages) > 0 {
		m.languages = make(map[string]struct{}, len(languages))
		for _, lang := range languages {
			if code := strings.ToLower(strings.TrimSpace(lang)); code != "" {
				m.languages[code] = struct{}{}
			}
		}
	}

	for _, raw := range terms {
		term := canon.NormalizeBasic(raw)
		if term == "" {
			continue
		}
		index := len(m.terms)
		m.terms = append(m.terms, term)
		if hasUnsegmentedScript(term) {
			m.substrings = append(m.substrings, indexedTerm{index: index, text: term})
			continue
		}
		if _, exists := m.words[term]; !exists {
			m.words[term] = index
		}
		m.maxWords = max(m.maxWords, len(strings.Fields(term)))
	}
	return m
}

func (m *matcher) appliesTo(lang string) bool {
	if len(m.languages) == 0 || lang == "" {
		return true
	}
	_, ok := m.languages[lang]
	return ok
}

// match returns the earliest-declared term found in normalized text.
func (m *matcher) match(normalized string) (string, bool) {
	best := -1

	if len(m.words) > 0 {
		tokens := strings.Fields(normalized)
		for start := range tokens {
			for n := 1; n <= m.maxWords && start+n <= len(tokens); n++ {
				candidate := strings.Join(tokens[start:start+n], " ")
				if index, ok := m.words[candidate]; ok && (best < 0 || index < best) {
					best = index
				}
			}
		}
	}
	for _, term := range m.substrings {
		if best >= 0 && term.index > best {
			break
		}
		if strings.Contains(normalized, term.text) {
			best = term.index
			break
		}
	}

	if best < 0 {
		return "", false
	}
	return m.terms[best], true
}

func hasUnsegmentedScript(term string) bool {
	for _, r := range term {
		if unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Thai, unicode.Lao, unicode.Khmer, unicode.Myanmar, unicode.Tibetan) {
			return true
		}
	}
	return false
}
