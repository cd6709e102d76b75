package cluster

// unionFind is a disjoint-set forest over arena indices with path halving
// and union by size.
type unionFind struct {
	parent []int
	size   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{
		parent: make([]int, n),
		size:   make([]int, n),
	}
	for i := range uf.parent {
		uf.parent[i] = i
		uf.size[i] = 1
	}
	return uf
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

// union merges the sets of a and b and reports whether they were distinct.
func (uf *unionFind) union(a, b int) bool {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return false
	}
	if uf.size[ra] < uf.size[rb] {
		ra, rb = rb, ra
	}
	uf.parent[rb] = ra
	uf.size[ra] += uf.size[rb]
	return true
}

func (uf *unionFind) componentSize(x int) int {
	return uf.size[uf.find(x)]
}

// components returns every set with at least minSize members. Members keep
// ascending index order and sets are ordered by their smallest index.
func (uf *unionFind) components(minSize int) [][]int {
	byRoot := make(map[int]int)
	var groups [][]int
	for i := range uf.parent {
		if uf.componentSize(i) < minSize {
			continue
		}
		root := uf.find(i)
		slot, ok := byRoot[root]
		if !ok {
			slot = len(groups)
			byRoot[root] = slot
			groups = append(groups, nil)
		}
		groups[slot] = append(groups[slot], i)
	}
	return groups
}
