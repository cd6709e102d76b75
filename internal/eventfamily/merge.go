package eventfamily

import (
	"sort"
)

// Family is an EF attached to a cluster.
type Family struct {
	ClusterID string
	EF        EF
}

type MergeCandidate struct {
	Key             string  `json:"ef_key"`
	ClusterA        string  `json:"cluster_a"`
	ClusterB        string  `json:"cluster_b"`
	ActorSimilarity float64 `json:"actor_similarity"`
}

// DetectMergeCandidates groups valid families by key and reports every pair
// whose actor sets diverge. Invalid families are returned separately and
// never hashed. Output is ordered by key, then cluster ids.
func DetectMergeCandidates(families []Family) ([]MergeCandidate, []Family) {
	groups := make(map[string][]Family)
	var rejected []Family
	for _, family := range families {
		key, err := Key(family.EF)
		if err != nil {
			rejected = append(rejected, family)
			continue
		}
		groups[key] = append(groups[key], family)
	}

	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var candidates []MergeCandidate
	for _, key := range keys {
		members := groups[key]
		sort.Slice(members, func(i, j int) bool {
			return members[i].ClusterID < members[j].ClusterID
		})
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				if !IsMergeCandidate(members[i].EF, members[j].EF) {
					continue
				}
				candidates = append(candidates, MergeCandidate{
					Key:             key,
					ClusterA:        members[i].ClusterID,
					ClusterB:        members[j].ClusterID,
					ActorSimilarity: ActorSimilarity(members[i].EF.Actors, members[j].EF.Actors),
				})
			}
		}
	}
	return candidates, rejected
}
