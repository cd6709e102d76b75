package cluster

import (
	"math"
	"reflect"
	"testing"
)

func hubSet(tokens ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		set[token] = struct{}{}
	}
	return set
}

func tariffItems() []Item {
	return []Item{
		{RecordID: 1, Title: "US imposes new tariffs on China steel imports", Keywords: []string{"tariff", "china", "steel", "us"}, Embedding: []float32{1, 0, 0}},
		{RecordID: 2, Title: "Washington adds tariffs on Chinese steel", Keywords: []string{"us", "tariff", "steel", "china"}, Embedding: []float32{0.96, 0.28, 0}},
		{RecordID: 3, Title: "Film festival opens with record attendance", Keywords: []string{"film", "festival", "cannes"}, Embedding: []float32{0, 0, 1}},
	}
}

func TestSeedEndToEndScenario(t *testing.T) {
	result := Seed(tariffItems(), hubSet("us"), Options{})
	if len(result.Clusters) != 1 {
		t.Fatalf("expected one seed cluster, got %d", len(result.Clusters))
	}
	c := result.Clusters[0]
	if c.Type != TypeSeed || !reflect.DeepEqual(c.RecordIDs(), []int64{1, 2}) {
		t.Fatalf("unexpected cluster %+v", c.RecordIDs())
	}
	if !reflect.DeepEqual(c.Anchors, []string{"china", "steel", "tariff"}) {
		t.Fatalf("expected hub-free anchors, got %v", c.Anchors)
	}
	if math.Abs(c.Cohesion-0.96) > 1e-6 {
		t.Fatalf("expected cohesion 0.96, got %f", c.Cohesion)
	}
	if len(result.Unclustered) != 1 || result.Unclustered[0].RecordID != 3 {
		t.Fatalf("expected the film record to stay unclustered, got %v", result.Unclustered)
	}
}

func TestSeedIgnoresHubOverlap(t *testing.T) {
	items := []Item{
		{RecordID: 10, Keywords: []string{"us", "president", "election"}},
		{RecordID: 11, Keywords: []string{"us", "president", "hurricane"}},
	}
	result := Seed(items, hubSet("us", "president"), Options{})
	if len(result.Clusters) != 0 {
		t.Fatalf("expected hub-only overlap not to seed a cluster, got %d", len(result.Clusters))
	}
	if len(result.Unclustered) != 2 {
		t.Fatalf("expected both records unclustered, got %v", result.Unclustered)
	}
}

func TestSeedDefersItemsWithoutSignal(t *testing.T) {
	items := []Item{
		{RecordID: 20, Keywords: []string{"us"}},
		{RecordID: 21, Keywords: []string{"us"}, Embedding: []float32{1, 0}},
	}
	result := Seed(items, hubSet("us"), Options{})
	if !reflect.DeepEqual(result.Deferred, []int64{20}) {
		t.Fatalf("expected record 20 deferred, got %v", result.Deferred)
	}
	if len(result.Unclustered) != 1 || result.Unclustered[0].RecordID != 21 {
		t.Fatalf("expected record 21 to remain eligible, got %v", result.Unclustered)
	}
}

func TestSeedTransitiveComponents(t *testing.T) {
	items := []Item{
		{RecordID: 1, Keywords: []string{"a", "b"}},
		{RecordID: 2, Keywords: []string{"a", "b", "c", "d"}},
		{RecordID: 3, Keywords: []string{"c", "d"}},
		{RecordID: 4, Keywords: []string{"x", "y"}},
		{RecordID: 5, Keywords: []string{"x", "y"}},
	}
	result := Seed(items, nil, Options{})
	if len(result.Clusters) != 2 {
		t.Fatalf("expected two components, got %d", len(result.Clusters))
	}
	if !reflect.DeepEqual(result.Clusters[0].RecordIDs(), []int64{1, 2, 3}) {
		t.Fatalf("unexpected first component %v", result.Clusters[0].RecordIDs())
	}
	if !reflect.DeepEqual(result.Clusters[1].RecordIDs(), []int64{4, 5}) {
		t.Fatalf("unexpected second component %v", result.Clusters[1].RecordIDs())
	}
	if result.Edges != 3 {
		t.Fatalf("expected 3 edges, got %d", result.Edges)
	}
}

func TestSeedSkipsOversizedPostings(t *testing.T) {
	items := []Item{
		{RecordID: 1, Keywords: []string{"p", "q"}},
		{RecordID: 2, Keywords: []string{"p", "q"}},
		{RecordID: 3, Keywords: []string{"p", "q"}},
	}
	result := Seed(items, nil, Options{MaxPostings: 2})
	if len(result.Clusters) != 0 || result.SkippedPostings != 2 {
		t.Fatalf("expected postings to be skipped, got clusters=%d skipped=%d", len(result.Clusters), result.SkippedPostings)
	}
}

func TestSeedOrderIndependent(t *testing.T) {
	items := tariffItems()
	reversed := []Item{items[2], items[1], items[0]}
	a := Seed(items, hubSet("us"), Options{})
	b := Seed(reversed, hubSet("us"), Options{})
	if !reflect.DeepEqual(a.Clusters[0].RecordIDs(), b.Clusters[0].RecordIDs()) {
		t.Fatalf("expected identical clusters regardless of input order")
	}
}

func TestDensifyRules(t *testing.T) {
	hubs := hubSet("us")
	seed := Seed(tariffItems(), hubs, Options{})
	clusters := seed.Clusters

	candidates := []Item{
		{RecordID: 6, Keywords: []string{"tariff"}, Embedding: []float32{0.8165, 0.5774, 0}},
		{RecordID: 7, Embedding: []float32{0.99, 0.14, 0}},
		{RecordID: 8, Keywords: []string{"steel", "china", "us"}},
		{RecordID: 9, Keywords: []string{"tariff"}, Embedding: []float32{0, 0, 1}},
		{RecordID: 10, Keywords: []string{"us"}},
	}
	result := Densify(clusters, candidates, hubs, Options{})

	rules := make(map[int64]Rule)
	for _, attachment := range result.Attached {
		rules[attachment.RecordID] = attachment.Rule
	}
	want := map[int64]Rule{6: RuleHybrid, 7: RuleSemantic, 8: RuleKeyword}
	if !reflect.DeepEqual(rules, want) {
		t.Fatalf("expected %v, got %v", want, rules)
	}
	if len(result.Remaining) != 1 || result.Remaining[0].RecordID != 9 {
		t.Fatalf("expected record 9 to remain, got %v", result.Remaining)
	}
	if !reflect.DeepEqual(result.Deferred, []int64{10}) {
		t.Fatalf("expected record 10 deferred, got %v", result.Deferred)
	}
	if clusters[0].Type != TypeFinal || clusters[0].Size() != 5 {
		t.Fatalf("expected finalized cluster of 5, got type=%s size=%d", clusters[0].Type, clusters[0].Size())
	}
}

func TestDensifyPicksHighestScoringCluster(t *testing.T) {
	clusters := []*Cluster{
		{Type: TypeSeed, Members: []Item{{RecordID: 1, Keywords: []string{"gaza", "ceasefire"}}, {RecordID: 2, Keywords: []string{"gaza", "ceasefire"}}}},
		{Type: TypeSeed, Members: []Item{{RecordID: 3, Keywords: []string{"gaza", "ceasefire", "hostage"}}, {RecordID: 4, Keywords: []string{"gaza", "ceasefire", "hostage"}}}},
	}
	for _, c := range clusters {
		c.Refresh(nil, 0)
	}
	result := Densify(clusters, []Item{{RecordID: 5, Keywords: []string{"gaza", "ceasefire", "hostage"}}}, nil, Options{})
	if len(result.Attached) != 1 || result.Attached[0].Cluster != 1 || result.Attached[0].Shared != 3 {
		t.Fatalf("expected attachment to the cluster with more shared anchors, got %+v", result.Attached)
	}
}

func anchorCluster(id int64, anchors ...string) *Cluster {
	c := &Cluster{Type: TypeFinal, Members: []Item{
		{RecordID: id, Keywords: anchors},
		{RecordID: id + 1, Keywords: anchors},
	}}
	c.Refresh(nil, 0)
	return c
}

func TestConsolidateRespectsMacroCap(t *testing.T) {
	clusters := []*Cluster{
		anchorCluster(1, "a", "b", "c"),
		anchorCluster(3, "a", "b", "c", "d"),
		anchorCluster(5, "x", "y"),
	}

	capped := Consolidate(clusters, nil, Options{MaxMacroFraction: 0.2})
	if len(capped.Macros) != 0 || capped.PairsCapped != 1 {
		t.Fatalf("expected cap to refuse the only pair, got macros=%d capped=%d", len(capped.Macros), capped.PairsCapped)
	}

	merged := Consolidate(clusters, nil, Options{MaxMacroFraction: 0.5})
	if len(merged.Macros) != 1 {
		t.Fatalf("expected one macro cluster, got %d", len(merged.Macros))
	}
	macro := merged.Macros[0]
	if macro.Type != TypeMacro || !reflect.DeepEqual(macro.Parts, []int{0, 1}) || macro.Size() != 4 {
		t.Fatalf("unexpected macro %+v", macro)
	}
	if clusters[0].Type != TypeFinal {
		t.Fatalf("expected constituents to be left untouched")
	}
}

func TestCohesionFallsBackToKeywordDensity(t *testing.T) {
	members := []Item{
		{RecordID: 1, Keywords: []string{"a", "b"}},
		{RecordID: 2, Keywords: []string{"b", "c"}},
		{RecordID: 3, Keywords: []string{"d"}},
	}
	got := Cohesion(members, nil, 0)
	if math.Abs(got-1.0/3.0) > 1e-12 {
		t.Fatalf("expected 1/3 edge density, got %f", got)
	}
}

func TestUnionFindComponents(t *testing.T) {
	uf := newUnionFind(6)
	uf.union(4, 5)
	uf.union(0, 2)
	uf.union(2, 3)
	got := uf.components(2)
	want := [][]int{{0, 2, 3}, {4, 5}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
