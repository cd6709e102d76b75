package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm/clause"

	"horse.fit/eventfamily/internal/db"
	"horse.fit/eventfamily/internal/gate"
	"horse.fit/eventfamily/internal/globaltime"
	"horse.fit/eventfamily/internal/langdetect"
)

const DefaultGateBatchSize = 500

type GateOptions struct {
	WindowDays int
	Limit      int
	BatchSize  int
	// Regate re-evaluates records that already carry a decision, for example
	// after the vocabulary file changed.
	Regate bool
}

type GateResult struct {
	RunID     string         `json:"run_id"`
	Processed int            `json:"processed"`
	Kept      int            `json:"kept"`
	Blocked   int            `json:"blocked"`
	NoHit     int            `json:"no_strategic"`
	Detected  int            `json:"languages_detected"`
	ByVocab   map[string]int `json:"by_vocabulary"`
}

type gateRecord struct {
	RecordID int64
	Title    string
	Summary  *string
	Language string
}

// GateRecords applies the STOP/GO gate to records in the strategic window.
// Decisions are committed per batch.
func (s *Service) GateRecords(ctx context.Context, options GateOptions) (GateResult, error) {
	if err := s.ready(); err != nil {
		return GateResult{}, err
	}
	if s.deps.Gate == nil {
		return GateResult{}, fmt.Errorf("gate stage requires gate vocabularies")
	}

	run, err := s.beginRun(ctx, StageGate)
	if err != nil {
		return GateResult{}, err
	}
	result, err := s.gateRecords(ctx, run, options)
	s.finishRun(run, result, false, err)
	return result, err
}

func (s *Service) gateRecords(ctx context.Context, run stageRun, options GateOptions) (GateResult, error) {
	result := GateResult{RunID: run.ID, ByVocab: make(map[string]int)}
	batchSize := options.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultGateBatchSize
	}
	start := globaltime.UTC().AddDate(0, 0, -windowDays(options.WindowDays, DefaultStrategicWindowDays))

	var cursor int64
	for options.Limit <= 0 || result.Processed < options.Limit {
		size := batchSize
		if options.Limit > 0 {
			size = min(size, options.Limit-result.Processed)
		}
		records, err := selectGateCandidates(ctx, s.pool, start, cursor, options.Regate, size)
		if err != nil {
			return result, err
		}
		if len(records) == 0 {
			break
		}
		cursor = records[len(records)-1].RecordID

		now := globaltime.UTC()
		rows := make([]db.GateResult, 0, len(records))
		for _, record := range records {
			lang := langdetect.Resolve(record.Language, record.Title)
			if declared := langdetect.NormalizeCode(record.Language); lang != "" && (declared == "" || declared == "und") {
				result.Detected++
			}
			decision := s.deps.Gate.FilterLanguage(gateText(record), lang)
			rows = append(rows, gateResultRow(record.RecordID, decision, lang, run.ID, now))
			result.count(decision)
		}

		err = s.pool.InTx(ctx, func(tx db.Tx) error {
			return tx.GORM().WithContext(ctx).
				Clauses(clause.OnConflict{
					Columns: []clause.Column{{Name: "record_id"}},
					DoUpdates: clause.AssignmentColumns([]string{
						"keep", "reason", "matched_entity", "vocabulary_id", "language", "run_id", "decided_at",
					}),
				}).
				CreateInBatches(rows, batchSize).Error
		})
		if err != nil {
			return result, fmt.Errorf("store gate decisions: %w", err)
		}
		result.Processed += len(records)
	}
	return result, nil
}

func (r *GateResult) count(decision gate.Decision) {
	switch decision.Reason {
	case gate.ReasonStrategicHit:
		r.Kept++
	case gate.ReasonBlockedByStop:
		r.Blocked++
	default:
		r.NoHit++
	}
	if decision.VocabularyID != "" {
		r.ByVocab[decision.VocabularyID]++
	}
}

func gateText(record gateRecord) string {
	if record.Summary == nil || strings.TrimSpace(*record.Summary) == "" {
		return record.Title
	}
	return record.Title + "\n" + *record.Summary
}

func gateResultRow(recordID int64, decision gate.Decision, lang, runID string, now time.Time) db.GateResult {
	return db.GateResult{
		RecordID:      recordID,
		Keep:          decision.Keep,
		Reason:        string(decision.Reason),
		MatchedEntity: stringPtr(decision.MatchedEntity),
		VocabularyID:  stringPtr(decision.VocabularyID),
		Language:      lang,
		RunID:         runID,
		DecidedAt:     now,
	}
}

func selectGateCandidates(ctx context.Context, q db.Querier, start time.Time, after int64, regate bool, limit int) ([]gateRecord, error) {
	const query = `
SELECT r.record_id, r.title, r.summary, r.language
FROM ef.records r
WHERE r.published_at >= $1
  AND r.record_id > $2
  AND ($3 OR NOT EXISTS (
	SELECT 1 FROM ef.gate_results g WHERE g.record_id = r.record_id
  ))
ORDER BY r.record_id
LIMIT $4
`
	rows, err := q.Query(ctx, query, start, after, regate, limit)
	if err != nil {
		return nil, fmt.Errorf("select gate candidates: %w", err)
	}
	defer rows.Close()

	records := make([]gateRecord, 0, limit)
	for rows.Next() {
		var record gateRecord
		if err := rows.Scan(&record.RecordID, &record.Title, &record.Summary, &record.Language); err != nil {
			return nil, fmt.Errorf("scan gate candidate: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate gate candidates: %w", err)
	}
	return records, nil
}
