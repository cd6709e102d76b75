package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/eventfamily/internal/canon"
	"horse.fit/eventfamily/internal/db"
	"horse.fit/eventfamily/internal/embedding"
	"horse.fit/eventfamily/internal/gate"
)

const (
	DefaultLibraryWindowDays   = 30
	DefaultStrategicWindowDays = 3
	DefaultClusterWindow       = 72 * time.Hour
	DefaultEmbedBatchSize      = 32
	vocabularyInsertBatchSize  = 500
)

// Dependencies are the collaborators a Service needs beyond the database.
// Stages that do not use a collaborator tolerate it being nil.
type Dependencies struct {
	Canonicalizer *canon.Canonicalizer
	Gate          *gate.Gate
	Embedder      embedding.Embedder

	EmbeddingModelName    string
	EmbeddingModelVersion string
	EmbeddingEndpoint     string
}

type Service struct {
	pool   *db.Pool
	logger zerolog.Logger
	deps   Dependencies
}

func NewService(pool *db.Pool, logger zerolog.Logger, deps Dependencies) *Service {
	if strings.TrimSpace(deps.EmbeddingModelName) == "" {
		deps.EmbeddingModelName = embedding.DefaultModelName
	}
	if strings.TrimSpace(deps.EmbeddingModelVersion) == "" {
		deps.EmbeddingModelVersion = embedding.DefaultModelVersion
	}
	return &Service{
		pool:   pool,
		logger: logger,
		deps:   deps,
	}
}

func (s *Service) ready() error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("pipeline service is not initialized")
	}
	return nil
}

// clusterKey is the string identity the clustering packages use for a stored
// cluster row.
func clusterKey(clusterID int64) string {
	return strconv.FormatInt(clusterID, 10)
}

func parseClusterKey(key string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cluster id %q: %w", key, err)
	}
	return id, nil
}

func windowDays(days, fallback int) int {
	if days <= 0 {
		return fallback
	}
	return days
}

func floatPtr(v float64) *float64 {
	return &v
}

func stringPtr(v string) *string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return &v
}
