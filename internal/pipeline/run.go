package pipeline

import (
	"context"
	"fmt"
	"strings"
)

// ClusterStages is the order the cluster command runs its stages in.
var ClusterStages = []string{StageSeed, StageDensify, StagePersist, StageOrphanAttach}

type ClusterRunOptions struct {
	Cluster ClusterOptions
	Orphans OrphanOptions
}

type ClusterRunResult struct {
	Seed    *SeedStageResult    `json:"seed,omitempty"`
	Densify *DensifyStageResult `json:"densify,omitempty"`
	Persist *PersistResult      `json:"persist,omitempty"`
	Orphans *OrphanStageResult  `json:"orphan_attach,omitempty"`
}

// Partial reports whether orphan attachment stopped at its time budget.
func (r ClusterRunResult) Partial() bool {
	return r.Orphans != nil && r.Orphans.Result.Partial
}

// ParseClusterStage validates a --stage value. "all" expands to every stage.
func ParseClusterStage(raw string) ([]string, error) {
	stage := strings.ToLower(strings.TrimSpace(raw))
	if stage == "" || stage == "all" {
		return ClusterStages, nil
	}
	for _, known := range ClusterStages {
		if stage == known {
			return []string{known}, nil
		}
	}
	return nil, fmt.Errorf("unknown cluster stage %q (want seed|densify|persist|orphan_attach|all)", raw)
}

// RunClusterStages runs the given stages in order and stops at the first
// failure. Work committed by earlier stages stays committed.
func (s *Service) RunClusterStages(ctx context.Context, stages []string, options ClusterRunOptions) (ClusterRunResult, error) {
	var result ClusterRunResult
	for _, stage := range stages {
		switch stage {
		case StageSeed:
			seeded, err := s.Seed(ctx, options.Cluster)
			result.Seed = &seeded
			if err != nil {
				return result, fmt.Errorf("seed stage: %w", err)
			}
		case StageDensify:
			densified, err := s.Densify(ctx, options.Cluster)
			result.Densify = &densified
			if err != nil {
				return result, fmt.Errorf("densify stage: %w", err)
			}
		case StagePersist:
			persisted, err := s.Persist(ctx)
			result.Persist = &persisted
			if err != nil {
				return result, fmt.Errorf("persist stage: %w", err)
			}
		case StageOrphanAttach:
			attached, err := s.AttachOrphans(ctx, options.Orphans)
			result.Orphans = &attached
			if err != nil {
				return result, fmt.Errorf("orphan attach stage: %w", err)
			}
		default:
			return result, fmt.Errorf("unknown cluster stage %q", stage)
		}
	}
	return result, nil
}

type RunOptions struct {
	Library  LibraryOptions
	Gate     GateOptions
	Keywords KeywordOptions
	Embed    EmbedOptions
	// SkipEmbed leaves embeddings to a separate process; clustering then uses
	// whatever embeddings are already stored.
	SkipEmbed bool
	Clusters  ClusterRunOptions
}

type RunResult struct {
	Library  LibraryResult    `json:"library"`
	Gate     GateResult       `json:"gate"`
	Keywords KeywordResult    `json:"keywords"`
	Embed    *EmbedResult     `json:"embed,omitempty"`
	Clusters ClusterRunResult `json:"clusters"`
}

// Run executes the whole chain: library, gate, keywords, embeddings and every
// cluster stage.
func (s *Service) Run(ctx context.Context, options RunOptions) (RunResult, error) {
	var (
		result RunResult
		err    error
	)
	if result.Library, err = s.BuildLibrary(ctx, options.Library); err != nil {
		return result, fmt.Errorf("library stage: %w", err)
	}
	if result.Gate, err = s.GateRecords(ctx, options.Gate); err != nil {
		return result, fmt.Errorf("gate stage: %w", err)
	}
	// The library was just rebuilt, so earlier assignments may name tokens
	// that left it.
	keywordOptions := options.Keywords
	keywordOptions.Reassign = true
	if result.Keywords, err = s.SelectCoreKeywords(ctx, keywordOptions); err != nil {
		return result, fmt.Errorf("keywords stage: %w", err)
	}
	if !options.SkipEmbed && s.deps.Embedder != nil {
		embedded, err := s.EmbedPending(ctx, options.Embed)
		result.Embed = &embedded
		if err != nil {
			return result, fmt.Errorf("embed stage: %w", err)
		}
	}
	result.Clusters, err = s.RunClusterStages(ctx, ClusterStages, options.Clusters)
	return result, err
}
