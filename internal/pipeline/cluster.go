package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"horse.fit/eventfamily/internal/cluster"
	"horse.fit/eventfamily/internal/db"
	"horse.fit/eventfamily/internal/globaltime"
)

const (
	memberMethodSeed = "seed"
)

var errSeedLost = errors.New("seed members already claimed")

type ClusterOptions struct {
	Window  time.Duration
	Cluster cluster.Options
	// Macro enables macro consolidation after densify.
	Macro bool
}

func (o ClusterOptions) start() time.Time {
	window := o.Window
	if window <= 0 {
		window = DefaultClusterWindow
	}
	return globaltime.UTC().Add(-window)
}

type SeedStageResult struct {
	RunID           string `json:"run_id"`
	Eligible        int    `json:"eligible"`
	Edges           int    `json:"edges"`
	SkippedPostings int    `json:"skipped_postings"`
	Clusters        int    `json:"clusters"`
	Members         int    `json:"members"`
	Lost            int    `json:"lost"`
	Unclustered     int    `json:"unclustered"`
	Deferred        int    `json:"deferred"`
}

type DensifyStageResult struct {
	RunID         string         `json:"run_id"`
	Clusters      int            `json:"clusters"`
	Candidates    int            `json:"candidates"`
	Attached      int            `json:"attached"`
	AlreadyMember int            `json:"already_member"`
	ByRule        map[string]int `json:"by_rule"`
	Remaining     int            `json:"remaining"`
	Deferred      int            `json:"deferred"`
	Finalized     int            `json:"finalized"`
	Macros        int            `json:"macros"`
	MacroCapped   int            `json:"macro_capped"`
}

// Seed builds seed clusters from the window's unclustered records. Each seed
// cluster is committed on its own; a cluster whose members were claimed by a
// concurrent run in the meantime is dropped.
func (s *Service) Seed(ctx context.Context, options ClusterOptions) (SeedStageResult, error) {
	if err := s.ready(); err != nil {
		return SeedStageResult{}, err
	}
	run, err := s.beginRun(ctx, StageSeed)
	if err != nil {
		return SeedStageResult{}, err
	}
	result, err := s.seed(ctx, run, options)
	s.finishRun(run, result, false, err)
	return result, err
}

func (s *Service) seed(ctx context.Context, run stageRun, options ClusterOptions) (SeedStageResult, error) {
	result := SeedStageResult{RunID: run.ID}
	opts := cluster.NormalizeOptions(options.Cluster)

	library, err := loadLibrary(ctx, s.pool)
	if err != nil {
		return result, err
	}
	window, err := s.loadWindowItems(ctx, options.start())
	if err != nil {
		return result, err
	}
	candidates := window.unclustered()
	result.Eligible = len(candidates)

	seeded := cluster.Seed(candidates, library.HubSet(), opts)
	result.Edges = seeded.Edges
	result.SkippedPostings = seeded.SkippedPostings
	result.Unclustered = len(seeded.Unclustered)
	result.Deferred = len(seeded.Deferred)

	for _, c := range seeded.Clusters {
		inserted, err := s.storeSeedCluster(ctx, run.ID, c)
		if errors.Is(err, errSeedLost) {
			result.Lost++
			continue
		}
		if err != nil {
			return result, err
		}
		result.Clusters++
		result.Members += inserted
	}
	return result, nil
}

func (s *Service) storeSeedCluster(ctx context.Context, runID string, c *cluster.Cluster) (int, error) {
	var inserted int
	err := s.pool.InTx(ctx, func(tx db.Tx) error {
		clusterID, err := insertCluster(ctx, tx, c)
		if err != nil {
			return err
		}
		inserted = 0
		for _, member := range c.Members {
			ok, err := insertMember(ctx, tx, clusterID, member.RecordID, memberMethodSeed, nil, runID)
			if err != nil {
				return err
			}
			if ok {
				inserted++
			}
		}
		if inserted < 2 {
			return errSeedLost
		}
		return setClusterSize(ctx, tx, clusterID, inserted)
	})
	return inserted, err
}

// Densify attaches unclustered records to the open clusters of the window and
// marks those clusters final. With Macro set it then consolidates final
// clusters that are not yet part of a macro cluster.
func (s *Service) Densify(ctx context.Context, options ClusterOptions) (DensifyStageResult, error) {
	if err := s.ready(); err != nil {
		return DensifyStageResult{}, err
	}
	run, err := s.beginRun(ctx, StageDensify)
	if err != nil {
		return DensifyStageResult{}, err
	}
	result, err := s.densify(ctx, run, options)
	s.finishRun(run, result, false, err)
	return result, err
}

func (s *Service) densify(ctx context.Context, run stageRun, options ClusterOptions) (DensifyStageResult, error) {
	result := DensifyStageResult{RunID: run.ID, ByRule: make(map[string]int)}
	opts := cluster.NormalizeOptions(options.Cluster)
	start := options.start()

	library, err := loadLibrary(ctx, s.pool)
	if err != nil {
		return result, err
	}
	hubs := library.HubSet()
	window, err := s.loadWindowItems(ctx, start)
	if err != nil {
		return result, err
	}
	stored, err := selectOpenClusters(ctx, s.pool, start, cluster.TypeSeed, cluster.TypeFinal)
	if err != nil {
		return result, err
	}
	clusters := hydrate(stored, window)
	candidates := window.unclustered()
	result.Clusters = len(clusters)
	result.Candidates = len(candidates)

	densified := cluster.Densify(clusters, candidates, hubs, opts)
	result.Remaining = len(densified.Remaining)
	result.Deferred = len(densified.Deferred)

	byCluster := make(map[int][]cluster.Attachment)
	for _, attachment := range densified.Attached {
		byCluster[attachment.Cluster] = append(byCluster[attachment.Cluster], attachment)
	}

	for i, c := range clusters {
		clusterID := stored[i].ClusterID
		attachments := byCluster[i]
		if len(attachments) == 0 && stored[i].Type == cluster.TypeFinal {
			continue
		}
		err := s.pool.InTx(ctx, func(tx db.Tx) error {
			inserted := 0
			lost := make(map[int64]struct{})
			for _, attachment := range attachments {
				ok, err := insertMember(ctx, tx, clusterID, attachment.RecordID, string(attachment.Rule), floatPtr(attachment.Score), run.ID)
				if err != nil {
					return err
				}
				if ok {
					inserted++
					result.ByRule[string(attachment.Rule)]++
				} else {
					lost[attachment.RecordID] = struct{}{}
					result.AlreadyMember++
				}
			}
			result.Attached += inserted
			if dropLostMembers(c, lost) {
				c.Refresh(hubs, opts.CentroidSample)
			}
			return finalizeCluster(ctx, tx, clusterID, c, inserted)
		})
		if err != nil {
			return result, err
		}
		if stored[i].Type == cluster.TypeSeed {
			result.Finalized++
		}
	}

	if !options.Macro {
		return result, nil
	}

	var (
		open     []*cluster.Cluster
		openRows []storedCluster
	)
	for i, c := range clusters {
		if stored[i].MacroClusterID != nil {
			continue
		}
		open = append(open, c)
		openRows = append(openRows, stored[i])
	}
	consolidated := cluster.Consolidate(open, hubs, opts)
	result.MacroCapped = consolidated.PairsCapped
	for _, macro := range consolidated.Macros {
		err := s.pool.InTx(ctx, func(tx db.Tx) error {
			macroID, err := insertCluster(ctx, tx, macro)
			if err != nil {
				return err
			}
			for _, part := range macro.Parts {
				if err := setMacroParent(ctx, tx, openRows[part].ClusterID, macroID); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return result, err
		}
		result.Macros++
	}
	return result, nil
}

func insertCluster(ctx context.Context, tx db.Tx, c *cluster.Cluster) (int64, error) {
	anchors, err := json.Marshal(nonNilStrings(c.Anchors))
	if err != nil {
		return 0, fmt.Errorf("marshal cluster anchors: %w", err)
	}
	first, last := memberSpan(c.Members)
	now := globaltime.UTC()
	row := db.Cluster{
		ClusterUUID:  uuid.NewString(),
		ClusterType:  string(c.Type),
		Size:         c.Size(),
		Cohesion:     c.Cohesion,
		AnchorTokens: datatypes.JSON(anchors),
		WindowStart:  first,
		WindowEnd:    last,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := tx.GORM().WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("insert %s cluster: %w", c.Type, err)
	}
	return row.ClusterID, nil
}

// insertMember adds a membership unless the record already belongs to a
// cluster. It reports whether a row was written.
func insertMember(ctx context.Context, q db.Querier, clusterID, recordID int64, method string, score *float64, runID string) (bool, error) {
	const query = `
INSERT INTO ef.cluster_members (
	record_id,
	cluster_id,
	method,
	score,
	run_id,
	added_at
)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (record_id) DO NOTHING
`
	tag, err := q.Exec(ctx, query, recordID, clusterID, method, score, runID, globaltime.UTC())
	if err != nil {
		return false, fmt.Errorf("insert cluster member cluster_id=%d record_id=%d: %w", clusterID, recordID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func setClusterSize(ctx context.Context, q db.Querier, clusterID int64, size int) error {
	const query = `
UPDATE ef.clusters
SET size = $2, updated_at = $3
WHERE cluster_id = $1
`
	if _, err := q.Exec(ctx, query, clusterID, size, globaltime.UTC()); err != nil {
		return fmt.Errorf("set cluster size cluster_id=%d: %w", clusterID, err)
	}
	return nil
}

// incrementClusterSize bumps the size by the number of members actually
// written, and stretches the window to the newest member.
func incrementClusterSize(ctx context.Context, q db.Querier, clusterID int64, added int, latest time.Time) error {
	const query = `
UPDATE ef.clusters
SET
	size = size + $2,
	window_end = GREATEST(window_end, $3),
	updated_at = $4
WHERE cluster_id = $1
`
	if _, err := q.Exec(ctx, query, clusterID, added, latest, globaltime.UTC()); err != nil {
		return fmt.Errorf("increment cluster size cluster_id=%d: %w", clusterID, err)
	}
	return nil
}

// dropLostMembers removes records another writer claimed first, so anchors
// and cohesion describe only the rows actually stored. It reports whether
// anything was removed.
func dropLostMembers(c *cluster.Cluster, lost map[int64]struct{}) bool {
	if len(lost) == 0 {
		return false
	}
	kept := c.Members[:0]
	for _, member := range c.Members {
		if _, ok := lost[member.RecordID]; !ok {
			kept = append(kept, member)
		}
	}
	removed := len(kept) != len(c.Members)
	c.Members = kept
	return removed
}

func finalizeCluster(ctx context.Context, q db.Querier, clusterID int64, c *cluster.Cluster, added int) error {
	anchors, err := json.Marshal(nonNilStrings(c.Anchors))
	if err != nil {
		return fmt.Errorf("marshal cluster anchors: %w", err)
	}
	_, last := memberSpan(c.Members)
	const query = `
UPDATE ef.clusters
SET
	cluster_type = 'final',
	size = size + $2,
	anchor_tokens = $3::jsonb,
	cohesion = $4,
	window_end = GREATEST(window_end, $5),
	updated_at = $6
WHERE cluster_id = $1
`
	if _, err := q.Exec(ctx, query, clusterID, added, string(anchors), c.Cohesion, last, globaltime.UTC()); err != nil {
		return fmt.Errorf("finalize cluster cluster_id=%d: %w", clusterID, err)
	}
	return nil
}

func setMacroParent(ctx context.Context, q db.Querier, clusterID, macroID int64) error {
	const query = `
UPDATE ef.clusters
SET macro_cluster_id = $2, updated_at = $3
WHERE cluster_id = $1
  AND macro_cluster_id IS NULL
`
	if _, err := q.Exec(ctx, query, clusterID, macroID, globaltime.UTC()); err != nil {
		return fmt.Errorf("link cluster_id=%d to macro_cluster_id=%d: %w", clusterID, macroID, err)
	}
	return nil
}

func memberSpan(members []cluster.Item) (time.Time, time.Time) {
	var first, last time.Time
	for i, member := range members {
		if i == 0 || member.PublishedAt.Before(first) {
			first = member.PublishedAt
		}
		if i == 0 || member.PublishedAt.After(last) {
			last = member.PublishedAt
		}
	}
	if first.IsZero() {
		now := globaltime.UTC()
		return now, now
	}
	return first.UTC(), last.UTC()
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
