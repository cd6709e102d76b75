package orphan

import (
	"context"
	"sync"
)

// MemoryCommitter keeps memberships in process. It backs dry runs and tests.
type MemoryCommitter struct {
	mu      sync.Mutex
	members map[int64]string
	sizes   map[string]int
}

func NewMemoryCommitter(sizes map[string]int) *MemoryCommitter {
	copied := make(map[string]int, len(sizes))
	for id, size := range sizes {
		copied[id] = size
	}
	return &MemoryCommitter{
		members: make(map[int64]string),
		sizes:   copied,
	}
}

func (m *MemoryCommitter) CommitBatch(_ context.Context, matches []Match) (CommitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result CommitResult
	for _, match := range matches {
		if _, exists := m.members[match.RecordID]; exists {
			result.Existing++
			continue
		}
		m.members[match.RecordID] = match.ClusterID
		m.sizes[match.ClusterID]++
		result.Inserted++
	}
	return result, nil
}

func (m *MemoryCommitter) ClusterOf(recordID int64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.members[recordID]
	return id, ok
}

func (m *MemoryCommitter) Size(clusterID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sizes[clusterID]
}
