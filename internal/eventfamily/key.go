package eventfamily

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	KeyLength    = 16
	keySeparator = "|"
)

var (
	ErrMissingTheater   = errors.New("event family theater is required")
	ErrMissingEventType = errors.New("event family event_type is required")
	ErrMissingActors    = errors.New("event family needs at least one actor")
	ErrKeySeparator     = errors.New("event family theater and event_type must not contain '|'")
)

// EF is the metadata that identifies one event family.
type EF struct {
	Theater   string   `json:"theater"`
	EventType string   `json:"event_type"`
	Actors    []string `json:"actors"`
}

func (ef EF) Validate() error {
	var errs []error
	if strings.TrimSpace(ef.Theater) == "" {
		errs = append(errs, ErrMissingTheater)
	}
	if strings.TrimSpace(ef.EventType) == "" {
		errs = append(errs, ErrMissingEventType)
	}
	if len(NormalizeActors(ef.Actors)) == 0 {
		errs = append(errs, ErrMissingActors)
	}
	if strings.Contains(ef.Theater, keySeparator) || strings.Contains(ef.EventType, keySeparator) {
		errs = append(errs, ErrKeySeparator)
	}
	return errors.Join(errs...)
}

// Key validates ef and returns its key. Actors take part in validation only.
func Key(ef EF) (string, error) {
	if err := ef.Validate(); err != nil {
		return "", fmt.Errorf("invalid event family: %w", err)
	}
	return GenerateKey(ef.Theater, ef.EventType), nil
}

// GenerateKey is the first 16 hex characters of sha256("theater|event_type").
// Actors are deliberately not an input.
func GenerateKey(theater, eventType string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(theater) + keySeparator + strings.TrimSpace(eventType)))
	return hex.EncodeToString(sum[:])[:KeyLength]
}

// NormalizeActors trims, lower-cases and de-duplicates actors, returning them sorted.
func NormalizeActors(actors []string) []string {
	seen := make(map[string]struct{}, len(actors))
	out := make([]string, 0, len(actors))
	for _, actor := range actors {
		normalized := strings.ToLower(strings.TrimSpace(actor))
		if normalized == "" {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	sort.Strings(out)
	return out
}

// ActorSimilarity is the Jaccard index of the normalized actor sets. Two empty
// sets are identical; one empty set shares nothing.
func ActorSimilarity(a, b []string) float64 {
	left := NormalizeActors(a)
	right := NormalizeActors(b)
	switch {
	case len(left) == 0 && len(right) == 0:
		return 1.0
	case len(left) == 0 || len(right) == 0:
		return 0.0
	}

	inLeft := make(map[string]struct{}, len(left))
	for _, actor := range left {
		inLeft[actor] = struct{}{}
	}
	intersection := 0
	for _, actor := range right {
		if _, ok := inLeft[actor]; ok {
			intersection++
		}
	}
	union := len(left) + len(right) - intersection
	return float64(intersection) / float64(union)
}

// IsMergeCandidate reports whether a and b share theater and event type while
// their actor sets differ. It only flags pairs for adjudication.
func IsMergeCandidate(a, b EF) bool {
	if strings.TrimSpace(a.Theater) != strings.TrimSpace(b.Theater) {
		return false
	}
	if strings.TrimSpace(a.EventType) != strings.TrimSpace(b.EventType) {
		return false
	}
	return !sameActors(a.Actors, b.Actors)
}

func sameActors(a, b []string) bool {
	left := NormalizeActors(a)
	right := NormalizeActors(b)
	if len(left) != len(right) {
		return false
	}
	for i := range left {
		if left[i] != right[i] {
			return false
		}
	}
	return true
}
