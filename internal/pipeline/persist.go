package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm/clause"

	"horse.fit/eventfamily/internal/db"
	"horse.fit/eventfamily/internal/eventfamily"
	"horse.fit/eventfamily/internal/globaltime"
)

var ErrClusterNotFound = errors.New("cluster not found")

type PersistResult struct {
	RunID           string `json:"run_id"`
	SizesRefreshed  int64  `json:"sizes_refreshed"`
	MacroRefreshed  int64  `json:"macros_refreshed"`
	Labelled        int    `json:"labelled"`
	Keyed           int    `json:"keyed"`
	Rejected        int    `json:"rejected"`
	MergeCandidates int    `json:"merge_candidates"`
}

// Persist reconciles stored aggregates with memberships, derives EF keys for
// labelled clusters and replaces the merge-candidate set.
func (s *Service) Persist(ctx context.Context) (PersistResult, error) {
	if err := s.ready(); err != nil {
		return PersistResult{}, err
	}
	run, err := s.beginRun(ctx, StagePersist)
	if err != nil {
		return PersistResult{}, err
	}
	result, err := s.persist(ctx, run)
	s.finishRun(run, result, false, err)
	return result, err
}

func (s *Service) persist(ctx context.Context, run stageRun) (PersistResult, error) {
	result := PersistResult{RunID: run.ID}

	err := s.pool.InTx(ctx, func(tx db.Tx) error {
		sizes, macros, err := refreshClusterSizes(ctx, tx)
		if err != nil {
			return err
		}
		result.SizesRefreshed = sizes
		result.MacroRefreshed = macros
		return nil
	})
	if err != nil {
		return result, err
	}

	families, err := selectLabelledFamilies(ctx, s.pool)
	if err != nil {
		return result, err
	}
	result.Labelled = len(families)

	candidates, rejected := eventfamily.DetectMergeCandidates(families)
	result.Rejected = len(rejected)
	for _, family := range rejected {
		s.logger.Warn().Str("cluster_id", family.ClusterID).Msg("cluster label incomplete; no event-family key")
	}

	err = s.pool.InTx(ctx, func(tx db.Tx) error {
		keyed, err := storeFamilyKeys(ctx, tx, families)
		if err != nil {
			return err
		}
		result.Keyed = keyed

		if _, err := tx.Exec(ctx, `DELETE FROM ef.merge_candidates`); err != nil {
			return fmt.Errorf("clear merge candidates: %w", err)
		}
		rows, err := mergeCandidateRows(candidates)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.GORM().WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
			return fmt.Errorf("insert merge candidates: %w", err)
		}
		result.MergeCandidates = len(rows)
		return nil
	})
	return result, err
}

func refreshClusterSizes(ctx context.Context, tx db.Tx) (int64, int64, error) {
	const memberSizes = `
UPDATE ef.clusters c
SET size = agg.member_count, updated_at = $1
FROM (
	SELECT cl.cluster_id, COUNT(cm.record_id)::INT AS member_count
	FROM ef.clusters cl
	LEFT JOIN ef.cluster_members cm ON cm.cluster_id = cl.cluster_id
	WHERE cl.cluster_type <> 'macro'
	GROUP BY cl.cluster_id
) agg
WHERE c.cluster_id = agg.cluster_id
  AND c.size <> agg.member_count
`
	now := globaltime.UTC()
	sizes, err := tx.Exec(ctx, memberSizes, now)
	if err != nil {
		return 0, 0, fmt.Errorf("refresh cluster sizes: %w", err)
	}

	const macroSizes = `
UPDATE ef.clusters m
SET size = agg.total, updated_at = $1
FROM (
	SELECT macro_cluster_id, SUM(size)::INT AS total
	FROM ef.clusters
	WHERE macro_cluster_id IS NOT NULL
	GROUP BY macro_cluster_id
) agg
WHERE m.cluster_id = agg.macro_cluster_id
  AND m.size <> agg.total
`
	macros, err := tx.Exec(ctx, macroSizes, now)
	if err != nil {
		return 0, 0, fmt.Errorf("refresh macro cluster sizes: %w", err)
	}
	return sizes.RowsAffected(), macros.RowsAffected(), nil
}

func selectLabelledFamilies(ctx context.Context, q db.Querier) ([]eventfamily.Family, error) {
	const query = `
SELECT cluster_id, COALESCE(theater, ''), COALESCE(event_type, ''), COALESCE(actors, '[]'::jsonb)::text
FROM ef.clusters
WHERE theater IS NOT NULL
   OR event_type IS NOT NULL
   OR actors IS NOT NULL
ORDER BY cluster_id
`
	rows, err := q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select labelled clusters: %w", err)
	}
	defer rows.Close()

	var families []eventfamily.Family
	for rows.Next() {
		var (
			clusterID  int64
			family     eventfamily.Family
			actorsJSON string
		)
		if err := rows.Scan(&clusterID, &family.EF.Theater, &family.EF.EventType, &actorsJSON); err != nil {
			return nil, fmt.Errorf("scan labelled cluster: %w", err)
		}
		if err := json.Unmarshal([]byte(actorsJSON), &family.EF.Actors); err != nil {
			return nil, fmt.Errorf("decode actors cluster_id=%d: %w", clusterID, err)
		}
		family.ClusterID = clusterKey(clusterID)
		families = append(families, family)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate labelled clusters: %w", err)
	}
	return families, nil
}

// storeFamilyKeys writes the key of every valid family and clears the key of
// invalid ones, so a key never outlives the label it was derived from.
func storeFamilyKeys(ctx context.Context, tx db.Tx, families []eventfamily.Family) (int, error) {
	const query = `
UPDATE ef.clusters
SET ef_key = $2, updated_at = $3
WHERE cluster_id = $1
  AND ef_key IS DISTINCT FROM $2
`
	keyed := 0
	now := globaltime.UTC()
	for _, family := range families {
		clusterID, err := parseClusterKey(family.ClusterID)
		if err != nil {
			return keyed, err
		}
		var key *string
		if k, err := eventfamily.Key(family.EF); err == nil {
			key = &k
			keyed++
		}
		if _, err := tx.Exec(ctx, query, clusterID, key, now); err != nil {
			return keyed, fmt.Errorf("store ef key cluster_id=%d: %w", clusterID, err)
		}
	}
	return keyed, nil
}

// mergeCandidateRows orders each pair by numeric id; candidate detection
// orders them as strings.
func mergeCandidateRows(candidates []eventfamily.MergeCandidate) ([]db.MergeCandidate, error) {
	rows := make([]db.MergeCandidate, 0, len(candidates))
	now := globaltime.UTC()
	for _, candidate := range candidates {
		a, err := parseClusterKey(candidate.ClusterA)
		if err != nil {
			return nil, err
		}
		b, err := parseClusterKey(candidate.ClusterB)
		if err != nil {
			return nil, err
		}
		if a > b {
			a, b = b, a
		}
		rows = append(rows, db.MergeCandidate{
			ClusterAID:      a,
			ClusterBID:      b,
			EFKey:           candidate.Key,
			ActorSimilarity: candidate.ActorSimilarity,
			DetectedAt:      now,
		})
	}
	return rows, nil
}

// Label sets the event-family fields of a cluster and stores its key. The
// family must be complete; an invalid family is rejected before anything is
// written.
func (s *Service) Label(ctx context.Context, clusterUUID string, family eventfamily.EF) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	key, err := eventfamily.Key(family)
	if err != nil {
		return "", err
	}
	actors, err := json.Marshal(eventfamily.NormalizeActors(family.Actors))
	if err != nil {
		return "", fmt.Errorf("marshal actors: %w", err)
	}

	const query = `
UPDATE ef.clusters
SET
	theater = $2,
	event_type = $3,
	actors = $4::jsonb,
	ef_key = $5,
	updated_at = $6
WHERE cluster_uuid = $1::uuid
`
	tag, err := s.pool.Exec(ctx, query,
		strings.TrimSpace(clusterUUID),
		strings.TrimSpace(family.Theater),
		strings.TrimSpace(family.EventType),
		string(actors),
		key,
		globaltime.UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("label cluster %s: %w", clusterUUID, err)
	}
	if tag.RowsAffected() == 0 {
		return "", ErrClusterNotFound
	}
	return key, nil
}
