package cluster

import (
	"sort"
	"time"

	"horse.fit/eventfamily/internal/embedding"
)

type Type string

const (
	TypeSeed  Type = "seed"
	TypeFinal Type = "final"
	TypeMacro Type = "macro"
)

const (
	DefaultMinShared          = 2
	DefaultMaxPostings        = 400
	DefaultCosineThreshold    = 0.90
	DefaultAltMinShared       = 1
	DefaultAltCosine          = 0.88
	DefaultCentroidSample     = 16
	DefaultMacroAnchorJaccard = 0.6
	DefaultMacroCosine        = 0.95
	DefaultMaxMacroFraction   = 0.2
)

type Options struct {
	MinShared int
	// MaxPostings skips keyword postings longer than this during seeding so a
	// near-hub token cannot produce a quadratic pair explosion.
	MaxPostings     int
	CosineThreshold float64
	AltMinShared    int
	AltCosine       float64
	CentroidSample  int

	MacroAnchorJaccard float64
	MacroCosine        float64
	MaxMacroFraction   float64
}

func NormalizeOptions(options Options) Options {
	opts := options
	if opts.MinShared <= 0 {
		opts.MinShared = DefaultMinShared
	}
	if opts.MaxPostings <= 0 {
		opts.MaxPostings = DefaultMaxPostings
	}
	if opts.CosineThreshold <= 0 || opts.CosineThreshold > 1 {
		opts.CosineThreshold = DefaultCosineThreshold
	}
	if opts.AltMinShared <= 0 {
		opts.AltMinShared = DefaultAltMinShared
	}
	if opts.AltCosine <= 0 || opts.AltCosine > 1 {
		opts.AltCosine = DefaultAltCosine
	}
	if opts.CentroidSample <= 0 {
		opts.CentroidSample = DefaultCentroidSample
	}
	if opts.MacroAnchorJaccard <= 0 || opts.MacroAnchorJaccard > 1 {
		opts.MacroAnchorJaccard = DefaultMacroAnchorJaccard
	}
	if opts.MacroCosine <= 0 || opts.MacroCosine > 1 {
		opts.MacroCosine = DefaultMacroCosine
	}
	if opts.MaxMacroFraction <= 0 || opts.MaxMacroFraction > 1 {
		opts.MaxMacroFraction = DefaultMaxMacroFraction
	}
	return opts
}

// Item is one eligible record: its core keywords and, when available, its
// title embedding.
type Item struct {
	RecordID    int64
	Title       string
	PublishedAt time.Time
	Keywords    []string
	Embedding   []float32
}

// Cluster is a group of items. ID is the durable identity when the cluster
// was loaded from storage and empty for clusters created in this run.
type Cluster struct {
	ID       string
	Type     Type
	Members  []Item
	Anchors  []string
	Cohesion float64

	// Parts lists the indices of the clusters a macro cluster absorbed.
	Parts []int
}

func (c *Cluster) Size() int {
	return len(c.Members)
}

func (c *Cluster) RecordIDs() []int64 {
	ids := make([]int64, 0, len(c.Members))
	for _, member := range c.Members {
		ids = append(ids, member.RecordID)
	}
	return ids
}

// Centroid is the mean of up to sample member embeddings, taken in member order.
func (c *Cluster) Centroid(sample int) []float32 {
	vectors := make([][]float32, 0, len(c.Members))
	for _, member := range c.Members {
		if len(member.Embedding) > 0 {
			vectors = append(vectors, member.Embedding)
		}
	}
	return embedding.Centroid(vectors, sample)
}

func (c *Cluster) anchorSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Anchors))
	for _, anchor := range c.Anchors {
		set[anchor] = struct{}{}
	}
	return set
}

// Refresh recomputes anchors and cohesion from the current members.
func (c *Cluster) Refresh(hubs map[string]struct{}, sample int) {
	sort.SliceStable(c.Members, func(i, j int) bool {
		return c.Members[i].RecordID < c.Members[j].RecordID
	})
	union := make(map[string]struct{})
	for _, member := range c.Members {
		for _, anchor := range Anchors(member.Keywords, hubs) {
			union[anchor] = struct{}{}
		}
	}
	c.Anchors = sortedKeys(union)
	c.Cohesion = Cohesion(c.Members, hubs, sample)
}

// Anchors returns the distinct non-hub keywords, sorted.
func Anchors(keywords []string, hubs map[string]struct{}) []string {
	set := make(map[string]struct{}, len(keywords))
	for _, keyword := range keywords {
		if keyword == "" {
			continue
		}
		if _, hub := hubs[keyword]; hub {
			continue
		}
		set[keyword] = struct{}{}
	}
	return sortedKeys(set)
}

// SharedAnchors counts tokens of anchors that appear in set.
func SharedAnchors(anchors []string, set map[string]struct{}) int {
	shared := 0
	for _, anchor := range anchors {
		if _, ok := set[anchor]; ok {
			shared++
		}
	}
	return shared
}

// Cohesion is the mean pairwise cosine over up to sample members with
// embeddings. With fewer than two embeddings it falls back to keyword edge
// density: the share of member pairs that have at least one anchor in common.
func Cohesion(members []Item, hubs map[string]struct{}, sample int) float64 {
	if len(members) < 2 {
		return 1.0
	}
	if sample <= 0 {
		sample = DefaultCentroidSample
	}

	vectors := make([][]float32, 0, sample)
	for _, member := range members {
		if len(vectors) >= sample {
			break
		}
		if len(member.Embedding) > 0 {
			vectors = append(vectors, member.Embedding)
		}
	}
	if len(vectors) >= 2 {
		var total float64
		pairs := 0
		for i := 0; i < len(vectors); i++ {
			for j := i + 1; j < len(vectors); j++ {
				total += embedding.Cosine(vectors[i], vectors[j])
				pairs++
			}
		}
		return total / float64(pairs)
	}

	limit := min(len(members), sample)
	anchorSets := make([]map[string]struct{}, limit)
	for i := 0; i < limit; i++ {
		anchorSets[i] = make(map[string]struct{})
		for _, anchor := range Anchors(members[i].Keywords, hubs) {
			anchorSets[i][anchor] = struct{}{}
		}
	}
	connected, pairs := 0, 0
	for i := 0; i < limit; i++ {
		for j := i + 1; j < limit; j++ {
			pairs++
			for anchor := range anchorSets[i] {
				if _, ok := anchorSets[j][anchor]; ok {
					connected++
					break
				}
			}
		}
	}
	if pairs == 0 {
		return 1.0
	}
	return float64(connected) / float64(pairs)
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
