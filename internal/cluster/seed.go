package cluster

import (
	"sort"
)

type SeedResult struct {
	Clusters []*Cluster
	// Unclustered items stay eligible for densify and orphan attachment.
	Unclustered []Item
	// Deferred items have no non-hub keyword and no embedding; no stage can
	// place them.
	Deferred        []int64
	Edges           int
	SkippedPostings int
}

// Seed links items that share at least MinShared non-hub keywords and returns
// every connected component with two or more members as a seed cluster.
func Seed(items []Item, hubs map[string]struct{}, options Options) SeedResult {
	opts := NormalizeOptions(options)

	arena := make([]Item, 0, len(items))
	seen := make(map[int64]struct{}, len(items))
	for _, item := range items {
		if _, dup := seen[item.RecordID]; dup {
			continue
		}
		seen[item.RecordID] = struct{}{}
		arena = append(arena, item)
	}
	sort.Slice(arena, func(i, j int) bool {
		return arena[i].RecordID < arena[j].RecordID
	})

	var result SeedResult
	postings := make(map[string][]int)
	for idx, item := range arena {
		anchors := Anchors(item.Keywords, hubs)
		if len(anchors) == 0 && len(item.Embedding) == 0 {
			result.Deferred = append(result.Deferred, item.RecordID)
			continue
		}
		for _, anchor := range anchors {
			postings[anchor] = append(postings[anchor], idx)
		}
	}

	overlap := make(map[[2]int]int)
	for _, token := range sortedPostingKeys(postings) {
		list := postings[token]
		if len(list) > opts.MaxPostings {
			result.SkippedPostings++
			continue
		}
		for i := 0; i < len(list); i++ {
			for j := i + 1; j < len(list); j++ {
				overlap[[2]int{list[i], list[j]}]++
			}
		}
	}

	uf := newUnionFind(len(arena))
	for pair, shared := range overlap {
		if shared >= opts.MinShared {
			result.Edges++
			uf.union(pair[0], pair[1])
		}
	}

	deferred := make(map[int64]struct{}, len(result.Deferred))
	for _, id := range result.Deferred {
		deferred[id] = struct{}{}
	}
	for idx, item := range arena {
		if uf.componentSize(idx) >= 2 {
			continue
		}
		if _, skip := deferred[item.RecordID]; skip {
			continue
		}
		result.Unclustered = append(result.Unclustered, item)
	}

	for _, component := range uf.components(2) {
		c := &Cluster{Type: TypeSeed, Members: make([]Item, 0, len(component))}
		for _, idx := range component {
			c.Members = append(c.Members, arena[idx])
		}
		c.Refresh(hubs, opts.CentroidSample)
		result.Clusters = append(result.Clusters, c)
	}
	return result
}

func sortedPostingKeys(postings map[string][]int) []string {
	keys := make([]string, 0, len(postings))
	for key := range postings {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
