package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/datatypes"

	"horse.fit/eventfamily/internal/db"
	"horse.fit/eventfamily/internal/globaltime"
)

const (
	StageLibrary      = "library"
	StageGate         = "gate"
	StageKeywords     = "keywords"
	StageEmbed        = "embed"
	StageSeed         = "seed"
	StageDensify      = "densify"
	StagePersist      = "persist"
	StageOrphanAttach = "orphan_attach"

	runStatusRunning   = "running"
	runStatusSucceeded = "succeeded"
	runStatusPartial   = "partial"
	runStatusFailed    = "failed"
)

// stageRun is one row in ef.stage_runs, opened before a stage does any work.
type stageRun struct {
	ID      string
	Stage   string
	Started time.Time
}

func newRunID() string {
	return ulid.Make().String()
}

func (s *Service) beginRun(ctx context.Context, stage string) (stageRun, error) {
	run := stageRun{ID: newRunID(), Stage: stage, Started: globaltime.UTC()}
	row := db.StageRun{
		RunID:     run.ID,
		Stage:     stage,
		Status:    runStatusRunning,
		StartedAt: run.Started,
	}
	if err := s.pool.GORM().WithContext(ctx).Create(&row).Error; err != nil {
		return stageRun{}, fmt.Errorf("insert stage run stage=%s: %w", stage, err)
	}
	s.logger.Debug().Str("stage", stage).Str("run_id", run.ID).Msg("stage started")
	return run, nil
}

// finishRun closes the ledger row. It uses a fresh context so a cancelled
// stage still records why it stopped.
func (s *Service) finishRun(run stageRun, counters any, partial bool, runErr error) {
	status := runStatusSucceeded
	if partial {
		status = runStatusPartial
	}
	var errMessage *string
	if runErr != nil {
		status = runStatusFailed
		msg := runErr.Error()
		errMessage = &msg
	}

	counterJSON, err := json.Marshal(counters)
	if err != nil {
		s.logger.Warn().Err(err).Str("run_id", run.ID).Msg("marshal stage counters failed")
		counterJSON = []byte("{}")
	}
	finished := globaltime.UTC()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res := s.pool.GORM().WithContext(ctx).
		Model(&db.StageRun{}).
		Where("run_id = ?", run.ID).
		Updates(map[string]any{
			"status":        status,
			"finished_at":   finished,
			"counters":      datatypes.JSON(counterJSON),
			"error_message": errMessage,
		})
	if res.Error != nil {
		s.logger.Warn().Err(res.Error).Str("run_id", run.ID).Msg("update stage run failed")
		return
	}

	event := s.logger.Info()
	if runErr != nil {
		event = s.logger.Error().Err(runErr)
	}
	event.
		Str("stage", run.Stage).
		Str("run_id", run.ID).
		Str("status", status).
		Dur("elapsed", finished.Sub(run.Started)).
		RawJSON("counters", counterJSON).
		Msg("stage finished")
}
