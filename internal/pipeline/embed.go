package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"horse.fit/eventfamily/internal/db"
	"horse.fit/eventfamily/internal/embedding"
	"horse.fit/eventfamily/internal/globaltime"
)

type EmbedOptions struct {
	Window    time.Duration
	Limit     int
	BatchSize int
}

type EmbedResult struct {
	RunID     string `json:"run_id"`
	Processed int    `json:"processed"`
	Embedded  int    `json:"embedded"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
}

type embeddingPendingRecord struct {
	RecordID int64
	Title    string
}

// EmbedPending stores title embeddings for gate-passed records in the cluster
// window that have none for the configured model.
func (s *Service) EmbedPending(ctx context.Context, options EmbedOptions) (EmbedResult, error) {
	if err := s.ready(); err != nil {
		return EmbedResult{}, err
	}
	if s.deps.Embedder == nil {
		return EmbedResult{}, fmt.Errorf("embed stage requires an embedder")
	}

	run, err := s.beginRun(ctx, StageEmbed)
	if err != nil {
		return EmbedResult{}, err
	}
	result, err := s.embedPending(ctx, run, options)
	s.finishRun(run, result, false, err)
	return result, err
}

func (s *Service) embedPending(ctx context.Context, run stageRun, options EmbedOptions) (EmbedResult, error) {
	result := EmbedResult{RunID: run.ID}
	window := options.Window
	if window <= 0 {
		window = DefaultClusterWindow
	}
	batchSize := options.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultEmbedBatchSize
	}
	start := globaltime.UTC().Add(-window)

	var cursor int64
	for options.Limit <= 0 || result.Processed < options.Limit {
		size := batchSize
		if options.Limit > 0 {
			size = min(size, options.Limit-result.Processed)
		}
		records, err := selectPendingEmbeddingRecords(ctx, s.pool, start, cursor, s.deps.EmbeddingModelName, s.deps.EmbeddingModelVersion, size)
		if err != nil {
			return result, err
		}
		if len(records) == 0 {
			break
		}
		cursor = records[len(records)-1].RecordID

		texts := make([]string, 0, len(records))
		for _, record := range records {
			texts = append(texts, strings.TrimSpace(record.Title))
		}
		vectors, err := s.deps.Embedder.Embed(ctx, texts)
		if err != nil {
			return result, err
		}
		if len(vectors) != len(records) {
			return result, fmt.Errorf("embedding response count mismatch: requested=%d returned=%d", len(records), len(vectors))
		}

		now := globaltime.UTC()
		for i, record := range records {
			result.Processed++

			literal, err := embedding.FormatLiteral(vectors[i])
			if err != nil {
				result.Failed++
				return result, fmt.Errorf("record_id=%d invalid embedding vector: %w", record.RecordID, err)
			}
			inserted, err := insertRecordEmbedding(ctx, s.pool, record.RecordID, s.deps.EmbeddingModelName, s.deps.EmbeddingModelVersion, literal, s.deps.EmbeddingEndpoint, now)
			if err != nil {
				result.Failed++
				return result, err
			}
			if inserted {
				result.Embedded++
			} else {
				result.Skipped++
			}
		}
	}
	return result, nil
}

func selectPendingEmbeddingRecords(
	ctx context.Context,
	q db.Querier,
	start time.Time,
	after int64,
	modelName string,
	modelVersion string,
	limit int,
) ([]embeddingPendingRecord, error) {
	const query = `
SELECT r.record_id, r.title
FROM ef.records r
JOIN ef.gate_results g
	ON g.record_id = r.record_id
	AND g.keep
WHERE r.published_at >= $1
  AND r.record_id > $2
  AND NOT EXISTS (
	SELECT 1
	FROM ef.record_embeddings e
	WHERE e.record_id = r.record_id
	  AND e.model_name = $3
	  AND e.model_version = $4
  )
ORDER BY r.record_id
LIMIT $5
`
	rows, err := q.Query(ctx, query, start, after, modelName, modelVersion, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending records for embedding: %w", err)
	}
	defer rows.Close()

	records := make([]embeddingPendingRecord, 0, limit)
	for rows.Next() {
		var record embeddingPendingRecord
		if err := rows.Scan(&record.RecordID, &record.Title); err != nil {
			return nil, fmt.Errorf("scan pending embedding record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending embedding records: %w", err)
	}
	return records, nil
}

func insertRecordEmbedding(
	ctx context.Context,
	q db.Querier,
	recordID int64,
	modelName string,
	modelVersion string,
	vectorLiteral string,
	endpoint string,
	now time.Time,
) (bool, error) {
	const query = `
INSERT INTO ef.record_embeddings (
	record_id,
	model_name,
	model_version,
	embedding,
	embedded_at,
	service_endpoint
)
VALUES ($1, $2, $3, $4::vector, $5, $6)
ON CONFLICT (record_id, model_name, model_version) DO NOTHING
`
	tag, err := q.Exec(ctx, query, recordID, modelName, modelVersion, vectorLiteral, now, endpoint)
	if err != nil {
		return false, fmt.Errorf("insert record embedding record_id=%d: %w", recordID, err)
	}
	return tag.RowsAffected() == 1, nil
}
