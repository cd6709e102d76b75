package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMinConns  int32  `envconfig:"EF_DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"EF_DB_MAX_CONNS" default:"8"`

	LibraryWindowDays   int     `envconfig:"LIBRARY_WINDOW_DAYS" default:"30"`
	StrategicWindowDays int     `envconfig:"STRATEGIC_WINDOW_DAYS" default:"3"`
	ClusterWindowHours  int     `envconfig:"CLUSTER_WINDOW_HOURS" default:"72"`
	ActiveDayPercentile float64 `envconfig:"ACTIVE_DAY_PERCENTILE" default:"0.4"`
	ActiveDayFloor      int     `envconfig:"ACTIVE_DAY_FLOOR" default:"10"`
	VocabDocFreqFloor   int     `envconfig:"VOCAB_DOC_FREQ_FLOOR" default:"5"`
	HubTokenCount       int     `envconfig:"HUB_TOKEN_COUNT" default:"12"`
	CoreKeywordsPerItem int     `envconfig:"CORE_KEYWORDS_PER_RECORD" default:"8"`

	EmbeddingEndpoint       string        `envconfig:"EMBEDDING_ENDPOINT" default:"http://127.0.0.1:8844/embed"`
	EmbeddingModelName      string        `envconfig:"EMBEDDING_MODEL_NAME" default:"multilingual-e5-large"`
	EmbeddingModelVersion   string        `envconfig:"EMBEDDING_MODEL_VERSION" default:"v1"`
	EmbeddingDimensions     int           `envconfig:"EMBEDDING_DIMENSIONS" default:"1024"`
	EmbeddingRequestTimeout time.Duration `envconfig:"EMBEDDING_REQUEST_TIMEOUT" default:"45s"`

	RulesFile          string `envconfig:"RULES_FILE" default:""`
	GateVocabularyFile string `envconfig:"GATE_VOCABULARY_FILE" default:""`

	HTTPHost string `envconfig:"HTTP_HOST" default:"0.0.0.0"`
	HTTPPort int    `envconfig:"HTTP_PORT" default:"8090"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("EF_DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("EF_DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("EF_DB_MIN_CONNS (%d) cannot exceed EF_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.LibraryWindowDays < 1 {
		return fmt.Errorf("LIBRARY_WINDOW_DAYS must be >= 1")
	}
	if c.StrategicWindowDays < 1 {
		return fmt.Errorf("STRATEGIC_WINDOW_DAYS must be >= 1")
	}
	if c.ClusterWindowHours < 1 {
		return fmt.Errorf("CLUSTER_WINDOW_HOURS must be >= 1")
	}
	if c.ActiveDayPercentile < 0 || c.ActiveDayPercentile > 1 {
		return fmt.Errorf("ACTIVE_DAY_PERCENTILE must be within [0,1]")
	}
	if c.ActiveDayFloor < 0 {
		return fmt.Errorf("ACTIVE_DAY_FLOOR must be >= 0")
	}
	if c.VocabDocFreqFloor < 1 {
		return fmt.Errorf("VOCAB_DOC_FREQ_FLOOR must be >= 1")
	}
	if c.HubTokenCount < 0 {
		return fmt.Errorf("HUB_TOKEN_COUNT must be >= 0")
	}
	if c.CoreKeywordsPerItem < 1 {
		return fmt.Errorf("CORE_KEYWORDS_PER_RECORD must be >= 1")
	}
	if c.EmbeddingDimensions < 0 {
		return fmt.Errorf("EMBEDDING_DIMENSIONS must be >= 0")
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT must be within [0,65535]")
	}
	return nil
}

func (c *Config) LibraryWindow() time.Duration {
	return time.Duration(c.LibraryWindowDays) * 24 * time.Hour
}

func (c *Config) StrategicWindow() time.Duration {
	return time.Duration(c.StrategicWindowDays) * 24 * time.Hour
}

func (c *Config) ClusterWindow() time.Duration {
	return time.Duration(c.ClusterWindowHours) * time.Hour
}
