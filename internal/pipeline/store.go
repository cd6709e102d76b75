package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"horse.fit/eventfamily/internal/cluster"
	"horse.fit/eventfamily/internal/db"
	"horse.fit/eventfamily/internal/embedding"
	"horse.fit/eventfamily/internal/vocab"
)

type rawKeywordRow struct {
	RecordID int64
	Text     string
	Score    float64
}

func selectWindowRecords(ctx context.Context, q db.Querier, start, end time.Time) ([]vocab.Record, error) {
	const query = `
SELECT record_id, published_at
FROM ef.records
WHERE published_at >= $1
  AND published_at < $2
ORDER BY record_id
`
	rows, err := q.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("select window records: %w", err)
	}
	defer rows.Close()

	var records []vocab.Record
	for rows.Next() {
		var record vocab.Record
		if err := rows.Scan(&record.ID, &record.PublishedAt); err != nil {
			return nil, fmt.Errorf("scan window record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate window records: %w", err)
	}
	return records, nil
}

func selectWindowRawKeywords(ctx context.Context, q db.Querier, start, end time.Time) ([]rawKeywordRow, error) {
	const query = `
SELECT k.record_id, k.raw_text, k.extraction_score
FROM ef.raw_keywords k
JOIN ef.records r ON r.record_id = k.record_id
WHERE r.published_at >= $1
  AND r.published_at < $2
ORDER BY k.record_id, k.raw_keyword_id
`
	rows, err := q.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("select window raw keywords: %w", err)
	}
	defer rows.Close()

	var keywords []rawKeywordRow
	for rows.Next() {
		var row rawKeywordRow
		if err := rows.Scan(&row.RecordID, &row.Text, &row.Score); err != nil {
			return nil, fmt.Errorf("scan raw keyword: %w", err)
		}
		keywords = append(keywords, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate raw keywords: %w", err)
	}
	return keywords, nil
}

// loadLibrary reads the persisted shared vocabulary. An empty table yields an
// empty library, which filters every keyword out.
func loadLibrary(ctx context.Context, q db.Querier) (*vocab.Library, error) {
	const query = `
SELECT canonical_token, doc_freq, active_days_present, COALESCE(hub_rank, 0), ratio
FROM ef.shared_vocabulary
ORDER BY canonical_token
`
	rows, err := q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select shared vocabulary: %w", err)
	}
	defer rows.Close()

	var entries []vocab.Entry
	for rows.Next() {
		var entry vocab.Entry
		if err := rows.Scan(&entry.Token, &entry.DocFreq, &entry.ActiveDaysPresent, &entry.HubRank, &entry.Ratio); err != nil {
			return nil, fmt.Errorf("scan shared vocabulary: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shared vocabulary: %w", err)
	}
	return vocab.FromEntries(entries), nil
}

// windowItems is the clustering view of the window: every gate-passed record
// with its core keywords and stored embedding, plus current memberships.
type windowItems struct {
	items      []cluster.Item
	byID       map[int64]int
	membership map[int64]int64
}

func (w windowItems) unclustered() []cluster.Item {
	out := make([]cluster.Item, 0, len(w.items))
	for _, item := range w.items {
		if _, member := w.membership[item.RecordID]; member {
			continue
		}
		out = append(out, item)
	}
	return out
}

func (w windowItems) membersOf(clusterID int64) []cluster.Item {
	var out []cluster.Item
	for _, item := range w.items {
		if w.membership[item.RecordID] == clusterID {
			out = append(out, item)
		}
	}
	return out
}

func (s *Service) loadWindowItems(ctx context.Context, start time.Time) (windowItems, error) {
	const recordsQuery = `
SELECT
	r.record_id,
	r.title,
	r.published_at,
	e.embedding::text
FROM ef.records r
JOIN ef.gate_results g
	ON g.record_id = r.record_id
	AND g.keep
LEFT JOIN ef.record_embeddings e
	ON e.record_id = r.record_id
	AND e.model_name = $2
	AND e.model_version = $3
WHERE r.published_at >= $1
ORDER BY r.record_id
`
	rows, err := s.pool.Query(ctx, recordsQuery, start, s.deps.EmbeddingModelName, s.deps.EmbeddingModelVersion)
	if err != nil {
		return windowItems{}, fmt.Errorf("select cluster window records: %w", err)
	}
	defer rows.Close()

	window := windowItems{byID: make(map[int64]int), membership: make(map[int64]int64)}
	for rows.Next() {
		var (
			item    cluster.Item
			literal *string
		)
		if err := rows.Scan(&item.RecordID, &item.Title, &item.PublishedAt, &literal); err != nil {
			return windowItems{}, fmt.Errorf("scan cluster window record: %w", err)
		}
		if literal != nil {
			vector, err := embedding.ParseLiteral(*literal)
			if err != nil {
				s.logger.Warn().Err(err).Int64("record_id", item.RecordID).Msg("ignoring unreadable embedding")
			} else {
				item.Embedding = vector
			}
		}
		window.byID[item.RecordID] = len(window.items)
		window.items = append(window.items, item)
	}
	if err := rows.Err(); err != nil {
		return windowItems{}, fmt.Errorf("iterate cluster window records: %w", err)
	}

	const keywordsQuery = `
SELECT ck.record_id, ck.canonical_token
FROM ef.core_keywords ck
JOIN ef.records r ON r.record_id = ck.record_id
WHERE r.published_at >= $1
ORDER BY ck.record_id, ck.rank
`
	kwRows, err := s.pool.Query(ctx, keywordsQuery, start)
	if err != nil {
		return windowItems{}, fmt.Errorf("select cluster window keywords: %w", err)
	}
	defer kwRows.Close()
	for kwRows.Next() {
		var (
			recordID int64
			token    string
		)
		if err := kwRows.Scan(&recordID, &token); err != nil {
			return windowItems{}, fmt.Errorf("scan cluster window keyword: %w", err)
		}
		if idx, ok := window.byID[recordID]; ok {
			window.items[idx].Keywords = append(window.items[idx].Keywords, token)
		}
	}
	if err := kwRows.Err(); err != nil {
		return windowItems{}, fmt.Errorf("iterate cluster window keywords: %w", err)
	}

	const membersQuery = `
SELECT cm.record_id, cm.cluster_id
FROM ef.cluster_members cm
JOIN ef.records r ON r.record_id = cm.record_id
WHERE r.published_at >= $1
`
	memberRows, err := s.pool.Query(ctx, membersQuery, start)
	if err != nil {
		return windowItems{}, fmt.Errorf("select cluster window members: %w", err)
	}
	defer memberRows.Close()
	for memberRows.Next() {
		var recordID, clusterID int64
		if err := memberRows.Scan(&recordID, &clusterID); err != nil {
			return windowItems{}, fmt.Errorf("scan cluster window member: %w", err)
		}
		window.membership[recordID] = clusterID
	}
	if err := memberRows.Err(); err != nil {
		return windowItems{}, fmt.Errorf("iterate cluster window members: %w", err)
	}
	return window, nil
}

type storedCluster struct {
	ClusterID      int64
	Type           cluster.Type
	Anchors        []string
	MacroClusterID *int64
}

// selectOpenClusters returns the non-macro clusters still receiving members
// inside the window.
func selectOpenClusters(ctx context.Context, q db.Querier, start time.Time, types ...cluster.Type) ([]storedCluster, error) {
	const query = `
SELECT cluster_id, cluster_type, anchor_tokens::text, macro_cluster_id
FROM ef.clusters
WHERE cluster_type <> 'macro'
  AND window_end >= $1
ORDER BY cluster_id
`
	rows, err := q.Query(ctx, query, start)
	if err != nil {
		return nil, fmt.Errorf("select open clusters: %w", err)
	}
	defer rows.Close()

	allowed := make(map[cluster.Type]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}

	var clusters []storedCluster
	for rows.Next() {
		var (
			row        storedCluster
			typ        string
			anchorJSON string
		)
		if err := rows.Scan(&row.ClusterID, &typ, &anchorJSON, &row.MacroClusterID); err != nil {
			return nil, fmt.Errorf("scan open cluster: %w", err)
		}
		row.Type = cluster.Type(typ)
		if len(allowed) > 0 {
			if _, ok := allowed[row.Type]; !ok {
				continue
			}
		}
		if err := json.Unmarshal([]byte(anchorJSON), &row.Anchors); err != nil {
			return nil, fmt.Errorf("decode anchors cluster_id=%d: %w", row.ClusterID, err)
		}
		clusters = append(clusters, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate open clusters: %w", err)
	}
	return clusters, nil
}

// hydrate turns stored rows into in-memory clusters whose members come from
// the window view.
func hydrate(stored []storedCluster, window windowItems) []*cluster.Cluster {
	out := make([]*cluster.Cluster, 0, len(stored))
	for _, row := range stored {
		members := window.membersOf(row.ClusterID)
		sort.Slice(members, func(i, j int) bool {
			return members[i].RecordID < members[j].RecordID
		})
		out = append(out, &cluster.Cluster{
			ID:      clusterKey(row.ClusterID),
			Type:    row.Type,
			Members: members,
			Anchors: row.Anchors,
		})
	}
	return out
}
