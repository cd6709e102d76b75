package eventfamily

import (
	"errors"
	"math"
	"testing"
)

func TestGenerateKeyIgnoresActors(t *testing.T) {
	a, err := Key(EF{Theater: "UKRAINE", EventType: "Strategy/Tactics", Actors: []string{"Russia", "Ukraine"}})
	if err != nil {
		t.Fatalf("Key returned error: %v", err)
	}
	b, err := Key(EF{Theater: "UKRAINE", EventType: "Strategy/Tactics", Actors: []string{"Ukraine", "Russia", "NATO"}})
	if err != nil {
		t.Fatalf("Key returned error: %v", err)
	}
	if a != b {
		t.Fatalf("expected actor-independent key, got %s vs %s", a, b)
	}
	if len(a) != KeyLength {
		t.Fatalf("expected %d chars, got %q", KeyLength, a)
	}
	if a != GenerateKey("UKRAINE", "Strategy/Tactics") {
		t.Fatalf("expected Key to agree with GenerateKey")
	}
}

func TestGenerateKeyKnownValue(t *testing.T) {
	if got := GenerateKey("UKRAINE", "Strategy/Tactics"); got != "768837db9b09af72" {
		t.Fatalf("expected 768837db9b09af72, got %s", got)
	}
	if got := GenerateKey(" UKRAINE ", "Strategy/Tactics "); got != "768837db9b09af72" {
		t.Fatalf("expected surrounding whitespace to be ignored, got %s", got)
	}
}

func TestGenerateKeyDiscriminatesTheater(t *testing.T) {
	if GenerateKey("UKRAINE", "Strategy/Tactics") == GenerateKey("GAZA", "Strategy/Tactics") {
		t.Fatalf("expected different theaters to produce different keys")
	}
	if GenerateKey("UKRAINE", "Diplomacy") == GenerateKey("UKRAINE", "Strategy/Tactics") {
		t.Fatalf("expected different event types to produce different keys")
	}
}

func TestKeyRejectsMalformedEF(t *testing.T) {
	cases := []struct {
		ef   EF
		want error
	}{
		{EF{EventType: "Diplomacy", Actors: []string{"EU"}}, ErrMissingTheater},
		{EF{Theater: "EUROPE", Actors: []string{"EU"}}, ErrMissingEventType},
		{EF{Theater: "EUROPE", EventType: "Diplomacy", Actors: []string{" ", ""}}, ErrMissingActors},
		{EF{Theater: "EUROPE|ASIA", EventType: "Diplomacy", Actors: []string{"EU"}}, ErrKeySeparator},
		{EF{Theater: "EUROPE", EventType: "Diplomacy|Trade", Actors: []string{"EU"}}, ErrKeySeparator},
	}
	for _, tc := range cases {
		if _, err := Key(tc.ef); !errors.Is(err, tc.want) {
			t.Fatalf("expected %v for %+v, got %v", tc.want, tc.ef, err)
		}
	}
}

func TestActorSimilarityBoundaries(t *testing.T) {
	if got := ActorSimilarity(nil, []string{}); got != 1.0 {
		t.Fatalf("expected 1.0 for two empty sets, got %f", got)
	}
	if got := ActorSimilarity([]string{"A"}, nil); got != 0.0 {
		t.Fatalf("expected 0.0 when one set is empty, got %f", got)
	}
	if got := ActorSimilarity([]string{"A", "B"}, []string{"B", "C"}); math.Abs(got-1.0/3.0) > 1e-12 {
		t.Fatalf("expected 1/3, got %f", got)
	}
	if got := ActorSimilarity([]string{" russia", "Russia", "NATO"}, []string{"nato", "RUSSIA "}); got != 1.0 {
		t.Fatalf("expected normalized sets to be equal, got %f", got)
	}
}

func TestIsMergeCandidate(t *testing.T) {
	base := EF{Theater: "UKRAINE", EventType: "Strategy/Tactics", Actors: []string{"Russia", "Ukraine"}}
	drifted := EF{Theater: "UKRAINE", EventType: "Strategy/Tactics", Actors: []string{"Ukraine", "Russia", "NATO"}}
	same := EF{Theater: "UKRAINE", EventType: "Strategy/Tactics", Actors: []string{"ukraine", "RUSSIA"}}
	elsewhere := EF{Theater: "GAZA", EventType: "Strategy/Tactics", Actors: []string{"Israel"}}

	if !IsMergeCandidate(base, drifted) {
		t.Fatalf("expected diverging actors to be a merge candidate")
	}
	if IsMergeCandidate(base, same) {
		t.Fatalf("expected identical actor sets not to be flagged")
	}
	if IsMergeCandidate(base, elsewhere) {
		t.Fatalf("expected different theater not to be flagged")
	}
}

func TestDetectMergeCandidates(t *testing.T) {
	candidates, rejected := DetectMergeCandidates([]Family{
		{ClusterID: "c3", EF: EF{Theater: "UKRAINE", EventType: "Strategy/Tactics", Actors: []string{"Ukraine", "Russia", "NATO"}}},
		{ClusterID: "c1", EF: EF{Theater: "UKRAINE", EventType: "Strategy/Tactics", Actors: []string{"Russia", "Ukraine"}}},
		{ClusterID: "c2", EF: EF{Theater: "UKRAINE", EventType: "Strategy/Tactics", Actors: []string{"ukraine", "russia"}}},
		{ClusterID: "c4", EF: EF{Theater: "GAZA", EventType: "Strategy/Tactics", Actors: []string{"Israel"}}},
		{ClusterID: "bad", EF: EF{Theater: "", EventType: "Strategy/Tactics", Actors: []string{"X"}}},
	})

	if len(rejected) != 1 || rejected[0].ClusterID != "bad" {
		t.Fatalf("expected one rejected family, got %v", rejected)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates (c1-c3, c2-c3), got %v", candidates)
	}
	if candidates[0].ClusterA != "c1" || candidates[0].ClusterB != "c3" {
		t.Fatalf("unexpected first candidate %+v", candidates[0])
	}
	if math.Abs(candidates[0].ActorSimilarity-2.0/3.0) > 1e-12 {
		t.Fatalf("expected similarity 2/3, got %f", candidates[0].ActorSimilarity)
	}
	if candidates[0].Key != GenerateKey("UKRAINE", "Strategy/Tactics") {
		t.Fatalf("unexpected key %s", candidates[0].Key)
	}
}
