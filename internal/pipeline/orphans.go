package pipeline

import (
	"context"
	"sort"
	"time"

	"horse.fit/eventfamily/internal/cluster"
	"horse.fit/eventfamily/internal/db"
	"horse.fit/eventfamily/internal/orphan"
)

type OrphanOptions struct {
	Window         time.Duration
	CentroidSample int
	Attach         orphan.Options
}

type OrphanStageResult struct {
	RunID   string        `json:"run_id"`
	Targets int           `json:"targets"`
	Orphans int           `json:"orphans"`
	Result  orphan.Result `json:"result"`
}

// AttachOrphans places the window's unclustered records into existing open
// clusters within the time budget. Records left over when the budget runs out
// stay unclustered and are picked up by the next invocation.
func (s *Service) AttachOrphans(ctx context.Context, options OrphanOptions) (OrphanStageResult, error) {
	if err := s.ready(); err != nil {
		return OrphanStageResult{}, err
	}
	run, err := s.beginRun(ctx, StageOrphanAttach)
	if err != nil {
		return OrphanStageResult{}, err
	}
	result, err := s.attachOrphans(ctx, run, options)
	s.finishRun(run, result, result.Result.Partial, err)
	return result, err
}

func (s *Service) attachOrphans(ctx context.Context, run stageRun, options OrphanOptions) (OrphanStageResult, error) {
	result := OrphanStageResult{RunID: run.ID}
	window := options.Window
	if window <= 0 {
		window = DefaultClusterWindow
	}
	sample := options.CentroidSample
	if sample <= 0 {
		sample = cluster.DefaultCentroidSample
	}
	start := ClusterOptions{Window: window}.start()

	library, err := loadLibrary(ctx, s.pool)
	if err != nil {
		return result, err
	}
	items, err := s.loadWindowItems(ctx, start)
	if err != nil {
		return result, err
	}
	stored, err := selectOpenClusters(ctx, s.pool, start)
	if err != nil {
		return result, err
	}

	targets := make([]orphan.Target, 0, len(stored))
	for _, c := range hydrate(stored, items) {
		targets = append(targets, orphan.Target{
			ID:       c.ID,
			Anchors:  c.Anchors,
			Centroid: c.Centroid(sample),
		})
	}
	unclustered := items.unclustered()
	orphans := make([]orphan.Orphan, 0, len(unclustered))
	published := make(map[int64]time.Time, len(unclustered))
	for _, item := range unclustered {
		orphans = append(orphans, orphan.Orphan{
			RecordID:  item.RecordID,
			Title:     item.Title,
			Keywords:  item.Keywords,
			Embedding: item.Embedding,
		})
		published[item.RecordID] = item.PublishedAt
	}
	result.Targets = len(targets)
	result.Orphans = len(orphans)

	committer := &dbCommitter{pool: s.pool, runID: run.ID, published: published}
	attacher := orphan.NewAttacher(s.deps.Embedder, committer, s.logger)
	attached, err := attacher.Run(ctx, library.HubSet(), targets, orphans, options.Attach)
	result.Result = attached
	return result, err
}

// dbCommitter writes one orphan batch per transaction. Memberships use the
// record_id uniqueness so a record attached concurrently is skipped, and each
// cluster's size grows only by the rows actually written.
type dbCommitter struct {
	pool      *db.Pool
	runID     string
	published map[int64]time.Time
}

func (c *dbCommitter) CommitBatch(ctx context.Context, matches []orphan.Match) (orphan.CommitResult, error) {
	var result orphan.CommitResult
	if len(matches) == 0 {
		return result, nil
	}

	err := c.pool.InTx(ctx, func(tx db.Tx) error {
		batch := orphan.CommitResult{}
		added := make(map[int64]int)
		latest := make(map[int64]time.Time)
		for _, match := range matches {
			clusterID, err := parseClusterKey(match.ClusterID)
			if err != nil {
				return err
			}
			ok, err := insertMember(ctx, tx, clusterID, match.RecordID, orphanMethod(match.Method), floatPtr(match.Score), c.runID)
			if err != nil {
				return err
			}
			if !ok {
				batch.Existing++
				continue
			}
			batch.Inserted++
			added[clusterID]++
			if at := c.published[match.RecordID]; at.After(latest[clusterID]) {
				latest[clusterID] = at
			}
		}

		clusterIDs := make([]int64, 0, len(added))
		for id := range added {
			clusterIDs = append(clusterIDs, id)
		}
		sort.Slice(clusterIDs, func(i, j int) bool { return clusterIDs[i] < clusterIDs[j] })
		for _, id := range clusterIDs {
			if err := incrementClusterSize(ctx, tx, id, added[id], latest[id]); err != nil {
				return err
			}
		}
		result = batch
		return nil
	})
	return result, err
}

func orphanMethod(method orphan.Method) string {
	return "orphan_" + string(method)
}
