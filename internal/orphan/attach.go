package orphan

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"horse.fit/eventfamily/internal/cluster"
	"horse.fit/eventfamily/internal/embedding"
	"horse.fit/eventfamily/internal/globaltime"
)

const (
	DefaultBatchSize            = 100
	DefaultMinShared            = 1
	DefaultCosineFloor          = 0.75
	DefaultSharedBonus          = 0.1
	DefaultKeywordOnlyMinShared = 3
	DefaultSemanticOnlyCosine   = 0.88
	DefaultEmbedConcurrency     = 1
)

type Method string

const (
	MethodSemantic     Method = "semantic"
	MethodKeyword      Method = "keyword"
	MethodSemanticOnly Method = "semantic_only"
)

type Options struct {
	BatchSize int
	// Budget bounds wall-clock time; it is checked between batches only. Zero
	// means unbounded.
	Budget               time.Duration
	MinShared            int
	CosineFloor          float64
	SharedBonus          float64
	KeywordOnlyMinShared int
	SemanticOnlyCosine   float64
	// EmbedConcurrency is how many batches are embedded ahead in parallel.
	EmbedConcurrency int
	Now              func() time.Time
}

// Orphan is an eligible record without cluster membership. Embedding may be
// preloaded; otherwise Title is sent to the embedder.
type Orphan struct {
	RecordID  int64
	Title     string
	Keywords  []string
	Embedding []float32
}

// Target is an existing cluster as seen by the attacher. Anchors and Centroid
// stay fixed for the whole run.
type Target struct {
	ID       string
	Anchors  []string
	Centroid []float32
}

type Match struct {
	RecordID  int64   `json:"record_id"`
	ClusterID string  `json:"cluster_id"`
	Method    Method  `json:"method"`
	Score     float64 `json:"score"`
	Cosine    float64 `json:"cosine"`
	Shared    int     `json:"shared"`
}

type CommitResult struct {
	Inserted int
	Existing int
}

// Committer persists one batch atomically. Implementations must skip records
// that already have a membership and bump each cluster's size once per
// inserted member.
type Committer interface {
	CommitBatch(ctx context.Context, matches []Match) (CommitResult, error)
}

type Result struct {
	Processed       int           `json:"processed"`
	Matched         int           `json:"matched"`
	Attached        int           `json:"attached"`
	AlreadyAttached int           `json:"already_attached"`
	Unmatched       int           `json:"unmatched"`
	Batches         int           `json:"batches"`
	EmbedFailures   int           `json:"embed_failures"`
	Partial         bool          `json:"partial"`
	Remaining       int           `json:"remaining"`
	Elapsed         time.Duration `json:"elapsed"`
}

type Attacher struct {
	embedder  embedding.Embedder
	committer Committer
	logger    zerolog.Logger
}

func NewAttacher(embedder embedding.Embedder, committer Committer, logger zerolog.Logger) *Attacher {
	return &Attacher{
		embedder:  embedder,
		committer: committer,
		logger:    logger,
	}
}

func normalizeOptions(options Options) Options {
	opts := options
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Budget < 0 {
		opts.Budget = 0
	}
	if opts.MinShared <= 0 {
		opts.MinShared = DefaultMinShared
	}
	if opts.CosineFloor <= 0 || opts.CosineFloor > 1 {
		opts.CosineFloor = DefaultCosineFloor
	}
	if opts.SharedBonus <= 0 {
		opts.SharedBonus = DefaultSharedBonus
	}
	if opts.KeywordOnlyMinShared <= 0 {
		opts.KeywordOnlyMinShared = DefaultKeywordOnlyMinShared
	}
	if opts.SemanticOnlyCosine <= 0 || opts.SemanticOnlyCosine > 1 {
		opts.SemanticOnlyCosine = DefaultSemanticOnlyCosine
	}
	if opts.EmbedConcurrency <= 0 {
		opts.EmbedConcurrency = DefaultEmbedConcurrency
	}
	if opts.Now == nil {
		opts.Now = globaltime.Now
	}
	return opts
}

type batchVectors struct {
	vectors [][]float32
	err     error
}

// Run attaches orphans batch by batch until every batch is done or the budget
// is spent. Running out of budget is reported through Result.Partial, not as
// an error; unprocessed orphans are simply left for the next run. A commit
// failure aborts the run.
func (a *Attacher) Run(ctx context.Context, hubs map[string]struct{}, targets []Target, orphans []Orphan, options Options) (Result, error) {
	if a == nil || a.committer == nil {
		return Result{}, fmt.Errorf("orphan attacher is not initialized")
	}
	opts := normalizeOptions(options)
	started := opts.Now()

	index := newTargetIndex(targets)
	batches := splitBatches(orphans, opts.BatchSize)

	var result Result
	for waveStart := 0; waveStart < len(batches); waveStart += opts.EmbedConcurrency {
		if a.budgetSpent(opts, started) {
			result.Partial = true
			break
		}

		waveEnd := min(waveStart+opts.EmbedConcurrency, len(batches))
		embedded := a.embedWave(ctx, batches[waveStart:waveEnd])
		if err := ctx.Err(); err != nil {
			return a.finish(result, opts, started, orphans), err
		}

		for offset, batch := range batches[waveStart:waveEnd] {
			if offset > 0 && a.budgetSpent(opts, started) {
				result.Partial = true
				break
			}

			vectors := embedded[offset]
			if vectors.err != nil {
				result.EmbedFailures++
				a.logger.Warn().Err(vectors.err).Int("batch", waveStart+offset).Int("size", len(batch)).
					Msg("embedding failed; scoring batch on keywords only")
			}

			matches := make([]Match, 0, len(batch))
			for i, orphan := range batch {
				vector := orphan.Embedding
				if len(vector) == 0 && vectors.err == nil {
					vector = vectors.vectors[i]
				}
				if match, ok := index.best(orphan.RecordID, cluster.Anchors(orphan.Keywords, hubs), vector, opts); ok {
					matches = append(matches, match)
				}
			}

			committed, err := a.committer.CommitBatch(ctx, matches)
			if err != nil {
				result = a.finish(result, opts, started, orphans)
				return result, fmt.Errorf("commit orphan batch %d: %w", waveStart+offset, err)
			}

			result.Batches++
			result.Processed += len(batch)
			result.Matched += len(matches)
			result.Unmatched += len(batch) - len(matches)
			result.Attached += committed.Inserted
			result.AlreadyAttached += committed.Existing
		}
		if result.Partial {
			break
		}
	}

	result = a.finish(result, opts, started, orphans)
	if result.Partial {
		a.logger.Info().
			Int("processed", result.Processed).
			Int("remaining", result.Remaining).
			Dur("budget", opts.Budget).
			Msg("orphan attachment stopped at time budget; remaining records stay eligible")
	}
	return result, nil
}

func (a *Attacher) finish(result Result, opts Options, started time.Time, orphans []Orphan) Result {
	result.Elapsed = opts.Now().Sub(started)
	result.Remaining = len(orphans) - result.Processed
	return result
}

func (a *Attacher) budgetSpent(opts Options, started time.Time) bool {
	return opts.Budget > 0 && opts.Now().Sub(started) >= opts.Budget
}

// embedWave embeds each batch's missing titles with one call per batch. Calls
// for different batches run concurrently; results land in their batch slot so
// order is preserved.
func (a *Attacher) embedWave(ctx context.Context, wave [][]Orphan) []batchVectors {
	out := make([]batchVectors, len(wave))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(wave))
	for i, batch := range wave {
		g.Go(func() error {
			out[i] = a.embedBatch(gctx, batch)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (a *Attacher) embedBatch(ctx context.Context, batch []Orphan) batchVectors {
	vectors := make([][]float32, len(batch))
	positions := make([]int, 0, len(batch))
	texts := make([]string, 0, len(batch))
	for i, orphan := range batch {
		if len(orphan.Embedding) > 0 || orphan.Title == "" {
			continue
		}
		positions = append(positions, i)
		texts = append(texts, orphan.Title)
	}
	if len(texts) == 0 {
		return batchVectors{vectors: vectors}
	}
	if a.embedder == nil {
		return batchVectors{err: fmt.Errorf("no embedder configured")}
	}

	embedded, err := a.embedder.Embed(ctx, texts)
	if err != nil {
		return batchVectors{err: err}
	}
	if len(embedded) != len(texts) {
		return batchVectors{err: fmt.Errorf("embedding count mismatch: requested=%d returned=%d", len(texts), len(embedded))}
	}
	for j, pos := range positions {
		vectors[pos] = embedded[j]
	}
	return batchVectors{vectors: vectors}
}

func splitBatches(orphans []Orphan, size int) [][]Orphan {
	batches := make([][]Orphan, 0, (len(orphans)+size-1)/size)
	for start := 0; start < len(orphans); start += size {
		batches = append(batches, orphans[start:min(start+size, len(orphans))])
	}
	return batches
}

type targetIndex struct {
	targets  []Target
	byAnchor map[string][]int
}

func newTargetIndex(targets []Target) *targetIndex {
	idx := &targetIndex{targets: targets, byAnchor: make(map[string][]int)}
	for i, target := range targets {
		for _, anchor := range target.Anchors {
			idx.byAnchor[anchor] = append(idx.byAnchor[anchor], i)
		}
	}
	return idx
}

func (idx *targetIndex) best(recordID int64, anchors []string, vector []float32, opts Options) (Match, bool) {
	var best Match
	found := false
	consider := func(match Match) {
		if match.Score <= 0 {
			return
		}
		if !found || match.Score > best.Score {
			best = match
			found = true
		}
	}

	if len(anchors) == 0 {
		if len(vector) == 0 {
			return Match{}, false
		}
		for _, target := range idx.targets {
			cosine := embedding.Cosine(vector, target.Centroid)
			if cosine < opts.SemanticOnlyCosine {
				continue
			}
			consider(Match{RecordID: recordID, ClusterID: target.ID, Method: MethodSemanticOnly, Score: cosine, Cosine: cosine})
		}
		return best, found
	}

	shared := make(map[int]int)
	for _, anchor := range anchors {
		for _, i := range idx.byAnchor[anchor] {
			shared[i]++
		}
	}
	candidates := make([]int, 0, len(shared))
	for i, count := range shared {
		if count >= opts.MinShared {
			candidates = append(candidates, i)
		}
	}
	sort.Ints(candidates)

	for _, i := range candidates {
		target := idx.targets[i]
		count := shared[i]
		cosine := 0.0
		if len(vector) > 0 && len(target.Centroid) > 0 {
			cosine = embedding.Cosine(vector, target.Centroid)
		}
		switch {
		case cosine >= opts.CosineFloor:
			consider(Match{RecordID: recordID, ClusterID: target.ID, Method: MethodSemantic, Score: cosine + float64(count)*opts.SharedBonus, Cosine: cosine, Shared: count})
		case count >= opts.KeywordOnlyMinShared:
			consider(Match{RecordID: recordID, ClusterID: target.ID, Method: MethodKeyword, Score: float64(count) * opts.SharedBonus, Cosine: cosine, Shared: count})
		}
	}
	return best, found
}
