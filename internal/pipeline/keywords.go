package pipeline

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"horse.fit/eventfamily/internal/canon"
	"horse.fit/eventfamily/internal/db"
	"horse.fit/eventfamily/internal/globaltime"
	"horse.fit/eventfamily/internal/keywords"
	"horse.fit/eventfamily/internal/vocab"
)

const DefaultKeywordBatchSize = 200

type KeywordOptions struct {
	WindowDays int
	PerRecord  int
	Limit      int
	BatchSize  int
	// Reassign replaces the core keywords of records that already have some,
	// so they follow the current library.
	Reassign bool
}

type KeywordResult struct {
	RunID      string `json:"run_id"`
	Processed  int    `json:"processed"`
	Assigned   int    `json:"assigned"`
	Empty      int    `json:"empty"`
	Replaced   int    `json:"replaced"`
	Vocabulary int    `json:"vocabulary"`
}

// SelectCoreKeywords assigns up to PerRecord vocabulary tokens to every
// gate-passed record in the window that has none yet, or to every gate-passed
// record when Reassign is set. Records whose keywords all fall outside the
// vocabulary get no assignments and stay gate-passed.
func (s *Service) SelectCoreKeywords(ctx context.Context, options KeywordOptions) (KeywordResult, error) {
	if err := s.ready(); err != nil {
		return KeywordResult{}, err
	}
	if s.deps.Canonicalizer == nil {
		return KeywordResult{}, fmt.Errorf("keyword stage requires a canonicalizer")
	}

	run, err := s.beginRun(ctx, StageKeywords)
	if err != nil {
		return KeywordResult{}, err
	}
	result, err := s.selectCoreKeywords(ctx, run, options)
	s.finishRun(run, result, false, err)
	return result, err
}

func (s *Service) selectCoreKeywords(ctx context.Context, run stageRun, options KeywordOptions) (KeywordResult, error) {
	result := KeywordResult{RunID: run.ID}
	perRecord := options.PerRecord
	if perRecord <= 0 {
		perRecord = keywords.DefaultCoreKeywordsPerRecord
	}
	batchSize := options.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultKeywordBatchSize
	}

	library, err := loadLibrary(ctx, s.pool)
	if err != nil {
		return result, err
	}
	result.Vocabulary = library.Len()
	start := globaltime.UTC().AddDate(0, 0, -windowDays(options.WindowDays, DefaultStrategicWindowDays))

	var cursor int64
	for options.Limit <= 0 || result.Processed < options.Limit {
		size := batchSize
		if options.Limit > 0 {
			size = min(size, options.Limit-result.Processed)
		}
		pending, err := selectKeywordCandidates(ctx, s.pool, start, cursor, size, options.Reassign)
		if err != nil {
			return result, err
		}
		if len(pending) == 0 {
			break
		}
		cursor = pending[len(pending)-1].RecordID

		rows, empty := assignCoreKeywords(s.deps.Canonicalizer, library, perRecord, pending, globaltime.UTC())
		replaced := int64(0)
		if len(rows) > 0 || options.Reassign {
			err = s.pool.InTx(ctx, func(tx db.Tx) error {
				if options.Reassign {
					n, err := deleteCoreKeywords(ctx, tx, recordIDs(pending))
					if err != nil {
						return err
					}
					replaced = n
				}
				if len(rows) == 0 {
					return nil
				}
				return tx.GORM().WithContext(ctx).
					Clauses(clause.OnConflict{DoNothing: true}).
					CreateInBatches(rows, vocabularyInsertBatchSize).Error
			})
			if err != nil {
				return result, fmt.Errorf("store core keywords: %w", err)
			}
		}
		result.Processed += len(pending)
		result.Assigned += len(rows)
		result.Empty += empty
		result.Replaced += int(replaced)
	}
	return result, nil
}

// assignCoreKeywords intersects each record's canonical keywords with the
// library and returns the rows to store plus the number of records left empty.
func assignCoreKeywords(c *canon.Canonicalizer, library *vocab.Library, perRecord int, pending []keywordCandidate, now time.Time) ([]db.CoreKeyword, int) {
	var (
		rows  []db.CoreKeyword
		empty int
	)
	for _, record := range pending {
		assignments := keywords.Select(candidatesFor(c, record.Raw), library, perRecord)
		if len(assignments) == 0 {
			empty++
			continue
		}
		rows = append(rows, coreKeywordRows(record.RecordID, assignments, now)...)
	}
	return rows, empty
}

func recordIDs(pending []keywordCandidate) []int64 {
	ids := make([]int64, len(pending))
	for i, record := range pending {
		ids[i] = record.RecordID
	}
	return ids
}

// deleteCoreKeywords removes the stored assignments of the given records and
// reports how many rows went.
func deleteCoreKeywords(ctx context.Context, tx db.Tx, ids []int64) (int64, error) {
	res := tx.GORM().WithContext(ctx).Where("record_id IN ?", ids).Delete(&db.CoreKeyword{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete core keywords: %w", res.Error)
	}
	return res.RowsAffected, nil
}

type keywordCandidate struct {
	RecordID int64
	Raw      []rawKeywordRow
}

func candidatesFor(c *canon.Canonicalizer, raw []rawKeywordRow) []keywords.Candidate {
	out := make([]keywords.Candidate, 0, len(raw))
	for _, row := range raw {
		res := c.Canonicalize(row.Text)
		if res.Filtered() {
			continue
		}
		out = append(out, keywords.Candidate{Token: res.Canonical, Score: row.Score})
	}
	return out
}

func coreKeywordRows(recordID int64, assignments []keywords.Assignment, now time.Time) []db.CoreKeyword {
	rows := make([]db.CoreKeyword, 0, len(assignments))
	for i, assignment := range assignments {
		rows = append(rows, db.CoreKeyword{
			RecordID:       recordID,
			CanonicalToken: assignment.Token,
			StrategicScore: assignment.Score,
			Rank:           i + 1,
			AssignedAt:     now,
		})
	}
	return rows
}

// selectKeywordCandidates returns gate-passed records after the cursor, each
// with its raw keywords. Unless reassign is set, records that already have
// core keywords are skipped.
func selectKeywordCandidates(ctx context.Context, q db.Querier, start time.Time, after int64, limit int, reassign bool) ([]keywordCandidate, error) {
	const query = `
WITH pending AS (
	SELECT r.record_id
	FROM ef.records r
	JOIN ef.gate_results g
		ON g.record_id = r.record_id
		AND g.keep
	WHERE r.published_at >= $1
	  AND r.record_id > $2
	  AND ($4 OR NOT EXISTS (
		SELECT 1 FROM ef.core_keywords ck WHERE ck.record_id = r.record_id
	  ))
	ORDER BY r.record_id
	LIMIT $3
)
SELECT p.record_id, k.raw_text, k.extraction_score
FROM pending p
LEFT JOIN ef.raw_keywords k ON k.record_id = p.record_id
ORDER BY p.record_id, k.raw_keyword_id
`
	rows, err := q.Query(ctx, query, start, after, limit, reassign)
	if err != nil {
		return nil, fmt.Errorf("select keyword candidates: %w", err)
	}
	defer rows.Close()

	var out []keywordCandidate
	for rows.Next() {
		var (
			recordID int64
			text     *string
			score    *float64
		)
		if err := rows.Scan(&recordID, &text, &score); err != nil {
			return nil, fmt.Errorf("scan keyword candidate: %w", err)
		}
		if len(out) == 0 || out[len(out)-1].RecordID != recordID {
			out = append(out, keywordCandidate{RecordID: recordID})
		}
		if text != nil {
			row := rawKeywordRow{RecordID: recordID, Text: *text}
			if score != nil {
				row.Score = *score
			}
			last := &out[len(out)-1]
			last.Raw = append(last.Raw, row)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keyword candidates: %w", err)
	}
	return out, nil
}
