package cluster

import (
	"sort"

	"horse.fit/eventfamily/internal/embedding"
)

type Rule string

const (
	RuleKeyword  Rule = "keyword"
	RuleSemantic Rule = "semantic"
	RuleHybrid   Rule = "keyword_semantic"
)

// sharedWeight ranks competing clusters: each shared anchor is worth a tenth
// of a cosine point.
const sharedWeight = 0.1

type Attachment struct {
	RecordID int64   `json:"record_id"`
	Cluster  int     `json:"cluster"`
	Rule     Rule    `json:"rule"`
	Shared   int     `json:"shared"`
	Cosine   float64 `json:"cosine"`
	Score    float64 `json:"score"`
}

type DensifyResult struct {
	Attached  []Attachment
	Remaining []Item
	Deferred  []int64
}

type clusterView struct {
	anchors  map[string]struct{}
	centroid []float32
}

// Densify attaches candidates to the clusters they fit best. Centroids and
// anchor sets are computed once before the pass so the outcome does not depend
// on candidate order. Every cluster passed in is finalized.
func Densify(clusters []*Cluster, candidates []Item, hubs map[string]struct{}, options Options) DensifyResult {
	opts := NormalizeOptions(options)

	views := make([]clusterView, len(clusters))
	byAnchor := make(map[string][]int)
	for i, c := range clusters {
		views[i] = clusterView{
			anchors:  c.anchorSet(),
			centroid: c.Centroid(opts.CentroidSample),
		}
		for _, anchor := range c.Anchors {
			byAnchor[anchor] = append(byAnchor[anchor], i)
		}
	}

	ordered := append([]Item(nil), candidates...)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].RecordID < ordered[j].RecordID
	})

	var result DensifyResult
	additions := make(map[int][]Item)
	for _, item := range ordered {
		anchors := Anchors(item.Keywords, hubs)
		if len(anchors) == 0 && len(item.Embedding) == 0 {
			result.Deferred = append(result.Deferred, item.RecordID)
			continue
		}

		best, ok := bestCluster(item, anchors, views, byAnchor, opts)
		if !ok {
			result.Remaining = append(result.Remaining, item)
			continue
		}
		result.Attached = append(result.Attached, best)
		additions[best.Cluster] = append(additions[best.Cluster], item)
	}

	for i, c := range clusters {
		if c.Type != TypeMacro {
			c.Type = TypeFinal
		}
		if added := additions[i]; len(added) > 0 {
			c.Members = append(c.Members, added...)
			c.Refresh(hubs, opts.CentroidSample)
		}
	}
	return result
}

func bestCluster(item Item, anchors []string, views []clusterView, byAnchor map[string][]int, opts Options) (Attachment, bool) {
	shared := make(map[int]int)
	for _, anchor := range anchors {
		for _, idx := range byAnchor[anchor] {
			shared[idx]++
		}
	}

	// Keyword-only candidates come from the anchor index; semantic candidates
	// need every cluster with a centroid.
	candidates := make([]int, 0, len(shared))
	if len(item.Embedding) > 0 {
		for idx := range views {
			candidates = append(candidates, idx)
		}
	} else {
		for idx := range shared {
			candidates = append(candidates, idx)
		}
		sort.Ints(candidates)
	}

	var best Attachment
	found := false
	for _, idx := range candidates {
		count := shared[idx]
		cosine := 0.0
		if len(item.Embedding) > 0 && len(views[idx].centroid) > 0 {
			cosine = embedding.Cosine(item.Embedding, views[idx].centroid)
		}

		var rule Rule
		switch {
		case count >= opts.MinShared:
			rule = RuleKeyword
		case cosine >= opts.CosineThreshold:
			rule = RuleSemantic
		case count >= opts.AltMinShared && cosine >= opts.AltCosine:
			rule = RuleHybrid
		default:
			continue
		}

		score := cosine + float64(count)*sharedWeight
		if !found || score > best.Score {
			best = Attachment{
				RecordID: item.RecordID,
				Cluster:  idx,
				Rule:     rule,
				Shared:   count,
				Cosine:   cosine,
				Score:    score,
			}
			found = true
		}
	}
	return best, found
}
