package cluster

import (
	"math"
	"sort"

	"horse.fit/eventfamily/internal/embedding"
)

type MacroResult struct {
	Macros []*Cluster
	// PairsConsidered counts pairs above either threshold; PairsCapped counts
	// those refused because the macro budget was exhausted.
	PairsConsidered int
	PairsCapped     int
}

type macroPair struct {
	a, b       int
	similarity float64
}

// Consolidate groups clusters whose anchor Jaccard or centroid cosine clears
// the macro thresholds. Strongest pairs merge first. A pair that would open a
// new macro group is refused once the number of groups reaches
// MaxMacroFraction of len(clusters). Input clusters are not modified; each
// returned macro lists its constituents in Parts.
func Consolidate(clusters []*Cluster, hubs map[string]struct{}, options Options) MacroResult {
	opts := NormalizeOptions(options)
	budget := int(math.Floor(opts.MaxMacroFraction * float64(len(clusters))))

	views := make([]clusterView, len(clusters))
	for i, c := range clusters {
		views[i] = clusterView{anchors: c.anchorSet(), centroid: c.Centroid(opts.CentroidSample)}
	}

	var pairs []macroPair
	for i := 0; i < len(clusters); i++ {
		if clusters[i].Type == TypeMacro {
			continue
		}
		for j := i + 1; j < len(clusters); j++ {
			if clusters[j].Type == TypeMacro {
				continue
			}
			jaccard := anchorJaccard(views[i].anchors, views[j].anchors)
			cosine := 0.0
			if len(views[i].centroid) > 0 && len(views[j].centroid) > 0 {
				cosine = embedding.Cosine(views[i].centroid, views[j].centroid)
			}
			if jaccard < opts.MacroAnchorJaccard && cosine < opts.MacroCosine {
				continue
			}
			pairs = append(pairs, macroPair{a: i, b: j, similarity: math.Max(jaccard, cosine)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].similarity != pairs[j].similarity {
			return pairs[i].similarity > pairs[j].similarity
		}
		if pairs[i].a != pairs[j].a {
			return pairs[i].a < pairs[j].a
		}
		return pairs[i].b < pairs[j].b
	})

	result := MacroResult{PairsConsidered: len(pairs)}
	uf := newUnionFind(len(clusters))
	groups := 0
	for _, pair := range pairs {
		ra, rb := uf.find(pair.a), uf.find(pair.b)
		if ra == rb {
			continue
		}
		aGrouped := uf.componentSize(ra) > 1
		bGrouped := uf.componentSize(rb) > 1
		switch {
		case !aGrouped && !bGrouped:
			if groups >= budget {
				result.PairsCapped++
				continue
			}
			groups++
		case aGrouped && bGrouped:
			groups--
		}
		uf.union(ra, rb)
	}

	for _, component := range uf.components(2) {
		macro := &Cluster{Type: TypeMacro, Parts: component}
		for _, idx := range component {
			macro.Members = append(macro.Members, clusters[idx].Members...)
		}
		macro.Refresh(hubs, opts.CentroidSample)
		result.Macros = append(result.Macros, macro)
	}
	return result
}

func anchorJaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for token := range a {
		if _, ok := b[token]; ok {
			intersection++
		}
	}
	return float64(intersection) / float64(len(a)+len(b)-intersection)
}
