package gate

import "testing"

func testGate(t *testing.T) *Gate {
	t.Helper()
	g, err := New([]Vocabulary{
		{Kind: KindGo, ID: "geo_actors", Terms: []string{"China", "United States", "NATO", "台湾"}},
		{Kind: KindStop, ID: "sports", Terms: []string{"Premier League", "world cup"}},
		{Kind: KindGo, ID: "policy", Terms: []string{"tariff", "tariffs", "sanctions"}},
		{Kind: KindStop, ID: "celebrity_de", Languages: []string{"de"}, Terms: []string{"promi"}},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return g
}

func TestFilterStrategicHit(t *testing.T) {
	got := testGate(t).Filter("US imposes new tariffs on China steel imports")
	if !got.Keep || got.Reason != ReasonStrategicHit {
		t.Fatalf("expected strategic hit, got %+v", got)
	}
	if got.MatchedEntity != "china" || got.VocabularyID != "geo_actors" {
		t.Fatalf("expected first GO vocabulary match china, got %+v", got)
	}
}

func TestFilterStopWinsOverGo(t *testing.T) {
	got := testGate(t).Filter("China hosts World Cup qualifier amid tariff row")
	if got.Keep || got.Reason != ReasonBlockedByStop || got.MatchedEntity != "world cup" {
		t.Fatalf("expected blocked_by_stop, got %+v", got)
	}
}

func TestFilterNoStrategic(t *testing.T) {
	got := testGate(t).Filter("Film festival opens with record attendance")
	if got.Keep || got.Reason != ReasonNoStrategic || got.MatchedEntity != "" {
		t.Fatalf("expected no_strategic, got %+v", got)
	}
}

func TestFilterRespectsWordBoundaries(t *testing.T) {
	got := testGate(t).Filter("Chinatown restaurant week")
	if got.Keep {
		t.Fatalf("expected no match inside a longer word, got %+v", got)
	}
}

func TestFilterMultiWordTerm(t *testing.T) {
	got := testGate(t).Filter("Talks between the United States and allies")
	if !got.Keep || got.MatchedEntity != "united states" {
		t.Fatalf("expected multi-word match, got %+v", got)
	}
}

func TestFilterSubstringForUnsegmentedScripts(t *testing.T) {
	got := testGate(t).Filter("美国对台湾军售")
	if !got.Keep || got.MatchedEntity != "台湾" {
		t.Fatalf("expected substring match for Han text, got %+v", got)
	}
}

func TestFilterLanguageScopedStop(t *testing.T) {
	g := testGate(t)
	if got := g.FilterLanguage("Promi trifft NATO Chef", "de"); got.Reason != ReasonBlockedByStop {
		t.Fatalf("expected de stop list to apply, got %+v", got)
	}
	if got := g.FilterLanguage("Promi meets NATO chief", "en"); !got.Keep {
		t.Fatalf("expected de stop list to be skipped for en, got %+v", got)
	}
}

func TestNewRejectsBadVocabularies(t *testing.T) {
	if _, err := New([]Vocabulary{{Kind: "MAYBE", ID: "x"}}); err == nil {
		t.Fatalf("expected unknown kind error")
	}
	if _, err := New([]Vocabulary{{Kind: KindGo, ID: "a"}, {Kind: KindStop, ID: "a"}}); err == nil {
		t.Fatalf("expected duplicate id error")
	}
	if _, err := New([]Vocabulary{{Kind: KindGo}}); err == nil {
		t.Fatalf("expected missing id error")
	}
}

func TestFilterDottedAcronymBeforePunctuation(t *testing.T) {
	g, err := New([]Vocabulary{{Kind: KindGo, ID: "geo_actors", Terms: []string{"U.S."}}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	for _, title := range []string{"U.S., allies agree on tariffs", "Talks with the (U.S.) stall", "U.S.'s envoy arrives"} {
		got := g.Filter(title)
		if !got.Keep || got.MatchedEntity != "us" {
			t.Fatalf("expected %q to hit us, got %+v", title, got)
		}
	}
}
