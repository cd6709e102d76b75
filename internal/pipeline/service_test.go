package pipeline

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/eventfamily/internal/canon"
	"horse.fit/eventfamily/internal/cluster"
	"horse.fit/eventfamily/internal/eventfamily"
	"horse.fit/eventfamily/internal/gate"
	"horse.fit/eventfamily/internal/keywords"
	"horse.fit/eventfamily/internal/orphan"
	"horse.fit/eventfamily/internal/vocab"
)

func testCanonicalizer() *canon.Canonicalizer {
	return canon.New(zerolog.Nop(), []canon.Rule{
		{ID: 1, Pattern: "us", Type: canon.RuleExact, Canonical: "united states", Priority: 10},
		{ID: 2, Pattern: "^tariffs?$", Type: canon.RuleRegex, Canonical: "tariff", Priority: 10},
	})
}

func TestCanonicalOccurrencesDedupesPerRecord(t *testing.T) {
	t.Parallel()

	raw := []rawKeywordRow{
		{RecordID: 1, Text: "U.S."},
		{RecordID: 1, Text: "us"},
		{RecordID: 1, Text: "Tariffs"},
		{RecordID: 1, Text: "the"},
		{RecordID: 1, Text: "2024"},
		{RecordID: 2, Text: "tariff"},
	}
	got := canonicalOccurrences(testCanonicalizer(), raw)
	want := []vocab.Occurrence{
		{RecordID: 1, Token: "united states"},
		{RecordID: 1, Token: "tariff"},
		{RecordID: 2, Token: "tariff"},
	}
	if len(got) != len(want) {
		t.Fatalf("unexpected occurrences: %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("occurrence %d: got %+v want %+v", i, got[i], want[i])
		}
	}
}

func TestVocabularyRowsMarkHubs(t *testing.T) {
	t.Parallel()

	library := vocab.FromEntries([]vocab.Entry{
		{Token: "tariff", DocFreq: 9, ActiveDaysPresent: 3, Ratio: 3},
		{Token: "united states", DocFreq: 40, ActiveDaysPresent: 4, HubRank: 1, Ratio: 10},
	})
	start := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)

	rows := vocabularyRows(library, start, end, "run-1")
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	for _, row := range rows {
		if row.RunID != "run-1" || !row.WindowStart.Equal(start) || !row.WindowEnd.Equal(end) {
			t.Fatalf("row missing window metadata: %+v", row)
		}
		switch row.CanonicalToken {
		case "united states":
			if row.HubRank == nil || *row.HubRank != 1 {
				t.Fatalf("expected hub rank 1, got %v", row.HubRank)
			}
		case "tariff":
			if row.HubRank != nil {
				t.Fatalf("expected no hub rank for tariff, got %d", *row.HubRank)
			}
		default:
			t.Fatalf("unexpected token %q", row.CanonicalToken)
		}
	}
}

func TestGateHelpers(t *testing.T) {
	t.Parallel()

	summary := "Talks resume in Geneva"
	if got := gateText(gateRecord{Title: "Ceasefire", Summary: &summary}); got != "Ceasefire\nTalks resume in Geneva" {
		t.Fatalf("unexpected gate text: %q", got)
	}
	blank := "  "
	if got := gateText(gateRecord{Title: "Ceasefire", Summary: &blank}); got != "Ceasefire" {
		t.Fatalf("expected title only for blank summary, got %q", got)
	}

	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	row := gateResultRow(7, gate.Decision{Keep: false, Reason: gate.ReasonNoStrategic}, "en", "run", now)
	if row.MatchedEntity != nil || row.VocabularyID != nil {
		t.Fatalf("expected nil match fields for no_strategic, got %+v", row)
	}
	row = gateResultRow(7, gate.Decision{Keep: true, Reason: gate.ReasonStrategicHit, MatchedEntity: "taiwan", VocabularyID: "geopolitics"}, "en", "run", now)
	if !row.Keep || row.MatchedEntity == nil || *row.MatchedEntity != "taiwan" || *row.VocabularyID != "geopolitics" {
		t.Fatalf("unexpected strategic row: %+v", row)
	}

	result := GateResult{ByVocab: make(map[string]int)}
	result.count(gate.Decision{Keep: true, Reason: gate.ReasonStrategicHit, VocabularyID: "geopolitics"})
	result.count(gate.Decision{Reason: gate.ReasonBlockedByStop, VocabularyID: "entertainment"})
	result.count(gate.Decision{Reason: gate.ReasonNoStrategic})
	if result.Kept != 1 || result.Blocked != 1 || result.NoHit != 1 {
		t.Fatalf("unexpected counters: %+v", result)
	}
	if result.ByVocab["geopolitics"] != 1 || result.ByVocab["entertainment"] != 1 {
		t.Fatalf("unexpected vocabulary counters: %+v", result.ByVocab)
	}
}

func TestCandidatesForFeedKeywordSelection(t *testing.T) {
	t.Parallel()

	raw := []rawKeywordRow{
		{Text: "tariffs", Score: 0.4},
		{Text: "Tariff", Score: 0.9},
		{Text: "U.S.", Score: 0.7},
		{Text: "of", Score: 1.0},
	}
	candidates := candidatesFor(testCanonicalizer(), raw)
	if len(candidates) != 3 {
		t.Fatalf("expected 3 candidates after filtering, got %+v", candidates)
	}

	library := vocab.FromEntries([]vocab.Entry{{Token: "tariff"}, {Token: "united states"}})
	assignments := keywords.Select(candidates, library, 8)
	rows := coreKeywordRows(42, assignments, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC))
	if len(rows) != 2 {
		t.Fatalf("expected 2 core keywords, got %+v", rows)
	}
	if rows[0].CanonicalToken != "tariff" || rows[0].StrategicScore != 0.9 || rows[0].Rank != 1 {
		t.Fatalf("unexpected first keyword: %+v", rows[0])
	}
	if rows[1].CanonicalToken != "united states" || rows[1].Rank != 2 || rows[1].RecordID != 42 {
		t.Fatalf("unexpected second keyword: %+v", rows[1])
	}
}

func TestAssignCoreKeywordsFollowsRebuiltLibrary(t *testing.T) {
	t.Parallel()

	pending := []keywordCandidate{
		{RecordID: 7, Raw: []rawKeywordRow{{Text: "Tariffs", Score: 0.9}, {Text: "U.S.", Score: 0.5}}},
		{RecordID: 8, Raw: []rawKeywordRow{{Text: "tariff", Score: 0.6}}},
	}
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	before := vocab.FromEntries([]vocab.Entry{{Token: "tariff"}, {Token: "united states"}})
	rows, empty := assignCoreKeywords(testCanonicalizer(), before, 8, pending, now)
	if len(rows) != 3 || empty != 0 {
		t.Fatalf("expected 3 rows and no empty records, got %d rows %d empty", len(rows), empty)
	}

	after := vocab.FromEntries([]vocab.Entry{{Token: "united states"}})
	rows, empty = assignCoreKeywords(testCanonicalizer(), after, 8, pending, now)
	if len(rows) != 1 || empty != 1 {
		t.Fatalf("expected 1 row and 1 empty record, got %+v empty=%d", rows, empty)
	}
	if rows[0].RecordID != 7 || rows[0].CanonicalToken != "united states" || rows[0].Rank != 1 {
		t.Fatalf("unexpected reassigned keyword: %+v", rows[0])
	}
	if ids := recordIDs(pending); len(ids) != 2 || ids[0] != 7 || ids[1] != 8 {
		t.Fatalf("unexpected record ids: %v", ids)
	}
}

func TestWindowItemsPartitionsByMembership(t *testing.T) {
	t.Parallel()

	window := windowItems{
		items: []cluster.Item{
			{RecordID: 1, Keywords: []string{"tariff"}},
			{RecordID: 2, Keywords: []string{"tariff"}},
			{RecordID: 3, Keywords: []string{"steel"}},
		},
		membership: map[int64]int64{1: 10, 2: 10},
	}
	unclustered := window.unclustered()
	if len(unclustered) != 1 || unclustered[0].RecordID != 3 {
		t.Fatalf("unexpected unclustered items: %+v", unclustered)
	}

	clusters := hydrate([]storedCluster{{ClusterID: 10, Type: cluster.TypeSeed, Anchors: []string{"tariff"}}}, window)
	if len(clusters) != 1 {
		t.Fatalf("expected one hydrated cluster, got %d", len(clusters))
	}
	if clusters[0].ID != "10" || clusters[0].Size() != 2 || clusters[0].Type != cluster.TypeSeed {
		t.Fatalf("unexpected hydrated cluster: %+v", clusters[0])
	}
}

func TestMemberSpan(t *testing.T) {
	t.Parallel()

	early := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	late := early.Add(30 * time.Hour)
	first, last := memberSpan([]cluster.Item{{PublishedAt: late}, {PublishedAt: early}})
	if !first.Equal(early) || !last.Equal(late) {
		t.Fatalf("unexpected span: %s - %s", first, last)
	}
}

func TestDropLostMembersRefreshesAnchors(t *testing.T) {
	t.Parallel()

	c := &cluster.Cluster{Members: []cluster.Item{
		{RecordID: 1, Keywords: []string{"tariff", "united states"}},
		{RecordID: 2, Keywords: []string{"tariff", "united states"}},
		{RecordID: 3, Keywords: []string{"shipping"}},
	}}
	c.Refresh(nil, 0)
	if len(c.Anchors) != 3 {
		t.Fatalf("expected 3 anchors before the drop, got %v", c.Anchors)
	}

	if dropLostMembers(c, nil) {
		t.Fatalf("expected no change without lost members")
	}
	if !dropLostMembers(c, map[int64]struct{}{3: {}}) {
		t.Fatalf("expected record 3 to be dropped")
	}
	c.Refresh(nil, 0)
	if len(c.Members) != 2 || c.Members[0].RecordID != 1 || c.Members[1].RecordID != 2 {
		t.Fatalf("unexpected members: %+v", c.Members)
	}
	if len(c.Anchors) != 2 || c.Anchors[0] != "tariff" || c.Anchors[1] != "united states" {
		t.Fatalf("lost member still contributes anchors: %v", c.Anchors)
	}
	if c.Cohesion != 1 {
		t.Fatalf("expected full keyword cohesion, got %f", c.Cohesion)
	}
}

func TestMergeCandidateRowsOrderNumerically(t *testing.T) {
	t.Parallel()

	rows, err := mergeCandidateRows([]eventfamily.MergeCandidate{
		{Key: "768837db9b09af72", ClusterA: "10", ClusterB: "9", ActorSimilarity: 0.5},
	})
	if err != nil {
		t.Fatalf("mergeCandidateRows returned error: %v", err)
	}
	if len(rows) != 1 || rows[0].ClusterAID != 9 || rows[0].ClusterBID != 10 {
		t.Fatalf("expected pair ordered 9 < 10, got %+v", rows)
	}

	if _, err := mergeCandidateRows([]eventfamily.MergeCandidate{{ClusterA: "x", ClusterB: "1"}}); err == nil {
		t.Fatalf("expected error for non-numeric cluster id")
	}
}

func TestParseClusterStage(t *testing.T) {
	t.Parallel()

	all, err := ParseClusterStage("all")
	if err != nil || len(all) != 4 || all[0] != StageSeed || all[3] != StageOrphanAttach {
		t.Fatalf("unexpected all stages: %v err=%v", all, err)
	}
	one, err := ParseClusterStage(" Densify ")
	if err != nil || len(one) != 1 || one[0] != StageDensify {
		t.Fatalf("unexpected single stage: %v err=%v", one, err)
	}
	if _, err := ParseClusterStage("explode"); err == nil {
		t.Fatalf("expected error for unknown stage")
	}
}

func TestOrphanMethodLabels(t *testing.T) {
	t.Parallel()

	if got := orphanMethod(orphan.MethodSemanticOnly); got != "orphan_semantic_only" {
		t.Fatalf("unexpected method label: %q", got)
	}
	if id, err := parseClusterKey(clusterKey(12345)); err != nil || id != 12345 {
		t.Fatalf("cluster key round trip failed: id=%d err=%v", id, err)
	}
}

func TestClusterRunResultPartial(t *testing.T) {
	t.Parallel()

	if (ClusterRunResult{}).Partial() {
		t.Fatalf("empty result must not be partial")
	}
	result := ClusterRunResult{Orphans: &OrphanStageResult{Result: orphan.Result{Partial: true}}}
	if !result.Partial() {
		t.Fatalf("expected partial when orphan attachment hit its budget")
	}
}
