package pipeline

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"horse.fit/eventfamily/internal/canon"
	"horse.fit/eventfamily/internal/db"
	"horse.fit/eventfamily/internal/globaltime"
	"horse.fit/eventfamily/internal/vocab"
)

type LibraryOptions struct {
	WindowDays     int
	ActiveDayFloor int
	Percentile     float64
	DocFreqFloor   int
	HubCount       int
}

type LibraryResult struct {
	RunID            string      `json:"run_id"`
	WindowStart      time.Time   `json:"window_start"`
	WindowEnd        time.Time   `json:"window_end"`
	RawKeywords      int         `json:"raw_keywords"`
	FilteredKeywords int         `json:"filtered_keywords"`
	Stats            vocab.Stats `json:"stats"`
	Hubs             []string    `json:"hubs"`
}

// BuildLibrary recomputes the shared vocabulary for the trailing window and
// replaces the stored one in a single transaction. Readers see either the old
// or the new library, never a mix.
func (s *Service) BuildLibrary(ctx context.Context, options LibraryOptions) (LibraryResult, error) {
	if err := s.ready(); err != nil {
		return LibraryResult{}, err
	}
	if s.deps.Canonicalizer == nil {
		return LibraryResult{}, fmt.Errorf("library build requires a canonicalizer")
	}

	run, err := s.beginRun(ctx, StageLibrary)
	if err != nil {
		return LibraryResult{}, err
	}
	result, err := s.buildLibrary(ctx, run, options)
	s.finishRun(run, result, false, err)
	return result, err
}

func (s *Service) buildLibrary(ctx context.Context, run stageRun, options LibraryOptions) (LibraryResult, error) {
	end := globaltime.UTC()
	start := end.AddDate(0, 0, -windowDays(options.WindowDays, DefaultLibraryWindowDays))
	result := LibraryResult{RunID: run.ID, WindowStart: start, WindowEnd: end}

	records, err := selectWindowRecords(ctx, s.pool, start, end)
	if err != nil {
		return result, err
	}
	raw, err := selectWindowRawKeywords(ctx, s.pool, start, end)
	if err != nil {
		return result, err
	}
	result.RawKeywords = len(raw)

	occurrences := canonicalOccurrences(s.deps.Canonicalizer, raw)
	result.FilteredKeywords = len(raw) - len(occurrences)

	library := vocab.Build(records, occurrences, vocab.Options{
		ActiveDayFloor: options.ActiveDayFloor,
		Percentile:     options.Percentile,
		DocFreqFloor:   options.DocFreqFloor,
		HubCount:       options.HubCount,
	})
	result.Stats = library.Stats()
	result.Hubs = library.Hubs()

	rows := vocabularyRows(library, start, end, run.ID)
	err = s.pool.InTx(ctx, func(tx db.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM ef.shared_vocabulary`); err != nil {
			return fmt.Errorf("clear shared vocabulary: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		err := tx.GORM().WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "canonical_token"}},
				UpdateAll: true,
			}).
			CreateInBatches(rows, vocabularyInsertBatchSize).Error
		if err != nil {
			return fmt.Errorf("insert shared vocabulary: %w", err)
		}
		return nil
	})
	if err != nil {
		return result, err
	}
	return result, nil
}

// canonicalOccurrences maps raw keywords through the canonicalizer, dropping
// filtered ones. A token repeated on the same record counts once.
func canonicalOccurrences(c *canon.Canonicalizer, raw []rawKeywordRow) []vocab.Occurrence {
	type key struct {
		recordID int64
		token    string
	}
	seen := make(map[key]struct{}, len(raw))
	occurrences := make([]vocab.Occurrence, 0, len(raw))
	for _, row := range raw {
		res := c.Canonicalize(row.Text)
		if res.Filtered() {
			continue
		}
		k := key{recordID: row.RecordID, token: res.Canonical}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		occurrences = append(occurrences, vocab.Occurrence{RecordID: row.RecordID, Token: res.Canonical})
	}
	return occurrences
}

func vocabularyRows(library *vocab.Library, start, end time.Time, runID string) []db.SharedVocabulary {
	entries := library.Entries()
	rows := make([]db.SharedVocabulary, 0, len(entries))
	builtAt := globaltime.UTC()
	for _, entry := range entries {
		row := db.SharedVocabulary{
			CanonicalToken:    entry.Token,
			DocFreq:           entry.DocFreq,
			ActiveDaysPresent: entry.ActiveDaysPresent,
			Ratio:             entry.Ratio,
			WindowStart:       start,
			WindowEnd:         end,
			RunID:             runID,
			BuiltAt:           builtAt,
		}
		if entry.IsHub() {
			rank := entry.HubRank
			row.HubRank = &rank
		}
		rows = append(rows, row)
	}
	return rows
}
