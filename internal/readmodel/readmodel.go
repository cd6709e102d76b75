// Package readmodel answers the read-only questions the API and the operator
// commands ask about clusters, vocabulary and stage runs.
package readmodel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"horse.fit/eventfamily/internal/db"
)

const (
	DefaultPageSize = 25
	MaxPageSize     = 200
)

var ErrClusterNotFound = errors.New("cluster not found")

type Stats struct {
	Records          int64             `json:"records"`
	GatePassed       int64             `json:"gate_passed"`
	GateBlocked      int64             `json:"gate_blocked"`
	GateNoStrategic  int64             `json:"gate_no_strategic"`
	Embedded         int64             `json:"embedded"`
	KeywordRecords   int64             `json:"keyword_records"`
	VocabularyTokens int64             `json:"vocabulary_tokens"`
	Hubs             int64             `json:"hubs"`
	Clusters         map[string]int64  `json:"clusters"`
	Members          int64             `json:"members"`
	Unclustered      int64             `json:"unclustered"`
	MergeCandidates  int64             `json:"merge_candidates"`
	LatestRuns       []StageRunSummary `json:"latest_runs"`
}

type StageRunSummary struct {
	RunID        string          `json:"run_id"`
	Stage        string          `json:"stage"`
	Status       string          `json:"status"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Counters     json.RawMessage `json:"counters,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
}

type ClusterFilter struct {
	Type     string
	EFKey    string
	Page     int
	PageSize int
}

type ClusterSummary struct {
	ClusterID        int64     `json:"cluster_id"`
	ClusterUUID      string    `json:"cluster_uuid"`
	Type             string    `json:"cluster_type"`
	Size             int       `json:"size"`
	Cohesion         float64   `json:"cohesion"`
	Anchors          []string  `json:"anchor_tokens"`
	Theater          *string   `json:"theater,omitempty"`
	EventType        *string   `json:"event_type,omitempty"`
	Actors           []string  `json:"actors,omitempty"`
	EFKey            *string   `json:"ef_key,omitempty"`
	MacroClusterUUID *string   `json:"macro_cluster_uuid,omitempty"`
	WindowStart      time.Time `json:"window_start"`
	WindowEnd        time.Time `json:"window_end"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type Member struct {
	RecordID    int64     `json:"record_id"`
	RecordUUID  string    `json:"record_uuid"`
	Title       string    `json:"title"`
	Language    string    `json:"language"`
	PublishedAt time.Time `json:"published_at"`
	Method      string    `json:"method"`
	Score       *float64  `json:"score,omitempty"`
	AddedAt     time.Time `json:"added_at"`
	Keywords    []string  `json:"keywords"`
}

type ClusterDetail struct {
	Cluster ClusterSummary   `json:"cluster"`
	Members []Member         `json:"members"`
	Parts   []ClusterSummary `json:"parts,omitempty"`
}

type VocabularyFilter struct {
	HubsOnly bool
	Prefix   string
	Limit    int
}

type VocabularyEntry struct {
	Token             string    `json:"token"`
	DocFreq           int       `json:"doc_freq"`
	ActiveDaysPresent int       `json:"active_days_present"`
	HubRank           *int      `json:"hub_rank,omitempty"`
	Ratio             float64   `json:"ratio"`
	WindowStart       time.Time `json:"window_start"`
	WindowEnd         time.Time `json:"window_end"`
}

type ClusterRef struct {
	ClusterUUID string   `json:"cluster_uuid"`
	Size        int      `json:"size"`
	Actors      []string `json:"actors"`
}

type MergeCandidate struct {
	EFKey           string     `json:"ef_key"`
	ClusterA        ClusterRef `json:"cluster_a"`
	ClusterB        ClusterRef `json:"cluster_b"`
	ActorSimilarity float64    `json:"actor_similarity"`
	DetectedAt      time.Time  `json:"detected_at"`
}

// Store reads from the ef schema. All methods are safe for concurrent use.
type Store struct {
	q db.Querier
}

func NewStore(q db.Querier) *Store {
	return &Store{q: q}
}

func (s *Store) Stats(ctx context.Context, unclusteredSince time.Time) (Stats, error) {
	const query = `
SELECT
	(SELECT COUNT(*) FROM ef.records),
	(SELECT COUNT(*) FROM ef.gate_results WHERE keep),
	(SELECT COUNT(*) FROM ef.gate_results WHERE reason = 'blocked_by_stop'),
	(SELECT COUNT(*) FROM ef.gate_results WHERE reason = 'no_strategic'),
	(SELECT COUNT(DISTINCT record_id) FROM ef.record_embeddings),
	(SELECT COUNT(DISTINCT record_id) FROM ef.core_keywords),
	(SELECT COUNT(*) FROM ef.shared_vocabulary),
	(SELECT COUNT(*) FROM ef.shared_vocabulary WHERE hub_rank IS NOT NULL),
	(SELECT COUNT(*) FROM ef.cluster_members),
	(SELECT COUNT(*) FROM ef.merge_candidates),
	(
		SELECT COUNT(*)
		FROM ef.records r
		JOIN ef.gate_results g ON g.record_id = r.record_id AND g.keep
		WHERE r.published_at >= $1
		  AND NOT EXISTS (SELECT 1 FROM ef.cluster_members cm WHERE cm.record_id = r.record_id)
	)
`
	stats := Stats{Clusters: make(map[string]int64)}
	err := s.q.QueryRow(ctx, query, unclusteredSince).Scan(
		&stats.Records,
		&stats.GatePassed,
		&stats.GateBlocked,
		&stats.GateNoStrategic,
		&stats.Embedded,
		&stats.KeywordRecords,
		&stats.VocabularyTokens,
		&stats.Hubs,
		&stats.Members,
		&stats.MergeCandidates,
		&stats.Unclustered,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}

	rows, err := s.q.Query(ctx, `SELECT cluster_type, COUNT(*) FROM ef.clusters GROUP BY cluster_type`)
	if err != nil {
		return Stats{}, fmt.Errorf("query cluster type counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			clusterType string
			count       int64
		)
		if err := rows.Scan(&clusterType, &count); err != nil {
			return Stats{}, fmt.Errorf("scan cluster type count: %w", err)
		}
		stats.Clusters[clusterType] = count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate cluster type counts: %w", err)
	}

	stats.LatestRuns, err = s.LatestRuns(ctx)
	if err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// LatestRuns returns the most recent run of each stage.
func (s *Store) LatestRuns(ctx context.Context) ([]StageRunSummary, error) {
	const query = `
SELECT DISTINCT ON (stage)
	run_id,
	stage,
	status,
	started_at,
	finished_at,
	COALESCE(counters, '{}'::jsonb)::text,
	error_message
FROM ef.stage_runs
ORDER BY stage, started_at DESC
`
	rows, err := s.q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query latest stage runs: %w", err)
	}
	defer rows.Close()

	runs := make([]StageRunSummary, 0, 8)
	for rows.Next() {
		var (
			run      StageRunSummary
			counters string
		)
		if err := rows.Scan(&run.RunID, &run.Stage, &run.Status, &run.StartedAt, &run.FinishedAt, &counters, &run.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan stage run: %w", err)
		}
		run.Counters = json.RawMessage(counters)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage runs: %w", err)
	}
	return runs, nil
}

const clusterColumns = `
	c.cluster_id,
	c.cluster_uuid::text,
	c.cluster_type,
	c.size,
	c.cohesion,
	c.anchor_tokens::text,
	c.theater,
	c.event_type,
	COALESCE(c.actors, '[]'::jsonb)::text,
	c.ef_key,
	m.cluster_uuid::text,
	c.window_start,
	c.window_end,
	c.updated_at
`

func scanCluster(scan func(dest ...any) error) (ClusterSummary, error) {
	var (
		row        ClusterSummary
		anchorJSON string
		actorJSON  string
	)
	if err := scan(
		&row.ClusterID,
		&row.ClusterUUID,
		&row.Type,
		&row.Size,
		&row.Cohesion,
		&anchorJSON,
		&row.Theater,
		&row.EventType,
		&actorJSON,
		&row.EFKey,
		&row.MacroClusterUUID,
		&row.WindowStart,
		&row.WindowEnd,
		&row.UpdatedAt,
	); err != nil {
		return ClusterSummary{}, err
	}
	if err := json.Unmarshal([]byte(anchorJSON), &row.Anchors); err != nil {
		return ClusterSummary{}, fmt.Errorf("decode anchors cluster_id=%d: %w", row.ClusterID, err)
	}
	if err := json.Unmarshal([]byte(actorJSON), &row.Actors); err != nil {
		return ClusterSummary{}, fmt.Errorf("decode actors cluster_id=%d: %w", row.ClusterID, err)
	}
	return row, nil
}

// NormalizeClusterFilter clamps paging and lower-cases the type.
func NormalizeClusterFilter(filter ClusterFilter) ClusterFilter {
	normalized := filter
	normalized.Type = strings.ToLower(strings.TrimSpace(filter.Type))
	normalized.EFKey = strings.ToLower(strings.TrimSpace(filter.EFKey))
	if normalized.Page <= 0 {
		normalized.Page = 1
	}
	if normalized.PageSize <= 0 {
		normalized.PageSize = DefaultPageSize
	}
	if normalized.PageSize > MaxPageSize {
		normalized.PageSize = MaxPageSize
	}
	return normalized
}

func (s *Store) ListClusters(ctx context.Context, filter ClusterFilter) (int64, []ClusterSummary, error) {
	filter = NormalizeClusterFilter(filter)

	const countQuery = `
SELECT COUNT(*)
FROM ef.clusters c
WHERE ($1 = '' OR c.cluster_type = $1)
  AND ($2 = '' OR c.ef_key = $2)
`
	var total int64
	if err := s.q.QueryRow(ctx, countQuery, filter.Type, filter.EFKey).Scan(&total); err != nil {
		return 0, nil, fmt.Errorf("count clusters: %w", err)
	}

	query := `
SELECT` + clusterColumns + `
FROM ef.clusters c
LEFT JOIN ef.clusters m ON m.cluster_id = c.macro_cluster_id
WHERE ($1 = '' OR c.cluster_type = $1)
  AND ($2 = '' OR c.ef_key = $2)
ORDER BY c.size DESC, c.updated_at DESC, c.cluster_id DESC
LIMIT $3
OFFSET $4
`
	offset := (filter.Page - 1) * filter.PageSize
	rows, err := s.q.Query(ctx, query, filter.Type, filter.EFKey, filter.PageSize, offset)
	if err != nil {
		return 0, nil, fmt.Errorf("query clusters: %w", err)
	}
	defer rows.Close()

	items := make([]ClusterSummary, 0, filter.PageSize)
	for rows.Next() {
		item, err := scanCluster(rows.Scan)
		if err != nil {
			return 0, nil, fmt.Errorf("scan cluster row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("iterate clusters: %w", err)
	}
	return total, items, nil
}

func (s *Store) ClusterDetail(ctx context.Context, clusterUUID string) (ClusterDetail, error) {
	query := `
SELECT` + clusterColumns + `
FROM ef.clusters c
LEFT JOIN ef.clusters m ON m.cluster_id = c.macro_cluster_id
WHERE c.cluster_uuid::text = $1
`
	summary, err := scanCluster(s.q.QueryRow(ctx, query, strings.TrimSpace(clusterUUID)).Scan)
	if err != nil {
		if db.IsNoRows(err) {
			return ClusterDetail{}, ErrClusterNotFound
		}
		return ClusterDetail{}, fmt.Errorf("query cluster %s: %w", clusterUUID, err)
	}

	detail := ClusterDetail{Cluster: summary, Members: []Member{}}
	if summary.Type == "macro" {
		detail.Parts, err = s.macroParts(ctx, summary.ClusterID)
		if err != nil {
			return ClusterDetail{}, err
		}
	}
	detail.Members, err = s.members(ctx, summary.ClusterID)
	if err != nil {
		return ClusterDetail{}, err
	}
	return detail, nil
}

// members lists a cluster's records, or for a macro cluster the records of
// all its parts.
func (s *Store) members(ctx context.Context, clusterID int64) ([]Member, error) {
	const query = `
SELECT
	r.record_id,
	r.record_uuid::text,
	r.title,
	r.language,
	r.published_at,
	cm.method,
	cm.score,
	cm.added_at,
	COALESCE((
		SELECT jsonb_agg(ck.canonical_token ORDER BY ck.rank)
		FROM ef.core_keywords ck
		WHERE ck.record_id = r.record_id
	), '[]'::jsonb)::text
FROM ef.cluster_members cm
JOIN ef.records r ON r.record_id = cm.record_id
JOIN ef.clusters c ON c.cluster_id = cm.cluster_id
WHERE c.cluster_id = $1 OR c.macro_cluster_id = $1
ORDER BY r.published_at, r.record_id
`
	rows, err := s.q.Query(ctx, query, clusterID)
	if err != nil {
		return nil, fmt.Errorf("query cluster members cluster_id=%d: %w", clusterID, err)
	}
	defer rows.Close()

	members := []Member{}
	for rows.Next() {
		var (
			member   Member
			keywords string
		)
		if err := rows.Scan(
			&member.RecordID,
			&member.RecordUUID,
			&member.Title,
			&member.Language,
			&member.PublishedAt,
			&member.Method,
			&member.Score,
			&member.AddedAt,
			&keywords,
		); err != nil {
			return nil, fmt.Errorf("scan cluster member: %w", err)
		}
		if err := json.Unmarshal([]byte(keywords), &member.Keywords); err != nil {
			return nil, fmt.Errorf("decode keywords record_id=%d: %w", member.RecordID, err)
		}
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cluster members: %w", err)
	}
	return members, nil
}

func (s *Store) macroParts(ctx context.Context, macroID int64) ([]ClusterSummary, error) {
	query := `
SELECT` + clusterColumns + `
FROM ef.clusters c
LEFT JOIN ef.clusters m ON m.cluster_id = c.macro_cluster_id
WHERE c.macro_cluster_id = $1
ORDER BY c.cluster_id
`
	rows, err := s.q.Query(ctx, query, macroID)
	if err != nil {
		return nil, fmt.Errorf("query macro parts cluster_id=%d: %w", macroID, err)
	}
	defer rows.Close()

	var parts []ClusterSummary
	for rows.Next() {
		part, err := scanCluster(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan macro part: %w", err)
		}
		parts = append(parts, part)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate macro parts: %w", err)
	}
	return parts, nil
}

func (s *Store) Vocabulary(ctx context.Context, filter VocabularyFilter) ([]VocabularyEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	prefix := strings.ToLower(strings.TrimSpace(filter.Prefix))

	const query = `
SELECT canonical_token, doc_freq, active_days_present, hub_rank, ratio, window_start, window_end
FROM ef.shared_vocabulary
WHERE (NOT $1 OR hub_rank IS NOT NULL)
  AND ($2 = '' OR canonical_token LIKE $2 || '%')
ORDER BY hub_rank ASC NULLS LAST, doc_freq DESC, canonical_token ASC
LIMIT $3
`
	rows, err := s.q.Query(ctx, query, filter.HubsOnly, prefix, limit)
	if err != nil {
		return nil, fmt.Errorf("query vocabulary: %w", err)
	}
	defer rows.Close()

	entries := make([]VocabularyEntry, 0, limit)
	for rows.Next() {
		var entry VocabularyEntry
		if err := rows.Scan(&entry.Token, &entry.DocFreq, &entry.ActiveDaysPresent, &entry.HubRank, &entry.Ratio, &entry.WindowStart, &entry.WindowEnd); err != nil {
			return nil, fmt.Errorf("scan vocabulary entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vocabulary: %w", err)
	}
	return entries, nil
}

func (s *Store) MergeCandidates(ctx context.Context, limit int) ([]MergeCandidate, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
SELECT
	mc.ef_key,
	a.cluster_uuid::text,
	a.size,
	COALESCE(a.actors, '[]'::jsonb)::text,
	b.cluster_uuid::text,
	b.size,
	COALESCE(b.actors, '[]'::jsonb)::text,
	mc.actor_similarity,
	mc.detected_at
FROM ef.merge_candidates mc
JOIN ef.clusters a ON a.cluster_id = mc.cluster_a_id
JOIN ef.clusters b ON b.cluster_id = mc.cluster_b_id
ORDER BY mc.ef_key, mc.cluster_a_id, mc.cluster_b_id
LIMIT $1
`
	rows, err := s.q.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query merge candidates: %w", err)
	}
	defer rows.Close()

	candidates := make([]MergeCandidate, 0, limit)
	for rows.Next() {
		var (
			candidate MergeCandidate
			actorsA   string
			actorsB   string
		)
		if err := rows.Scan(
			&candidate.EFKey,
			&candidate.ClusterA.ClusterUUID,
			&candidate.ClusterA.Size,
			&actorsA,
			&candidate.ClusterB.ClusterUUID,
			&candidate.ClusterB.Size,
			&actorsB,
			&candidate.ActorSimilarity,
			&candidate.DetectedAt,
		); err != nil {
			return nil, fmt.Errorf("scan merge candidate: %w", err)
		}
		if err := json.Unmarshal([]byte(actorsA), &candidate.ClusterA.Actors); err != nil {
			return nil, fmt.Errorf("decode actors: %w", err)
		}
		if err := json.Unmarshal([]byte(actorsB), &candidate.ClusterB.Actors); err != nil {
			return nil, fmt.Errorf("decode actors: %w", err)
		}
		candidates = append(candidates, candidate)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate merge candidates: %w", err)
	}
	return candidates, nil
}
