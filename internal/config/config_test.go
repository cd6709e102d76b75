package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		DatabaseURL:         "postgres://localhost/ef",
		DBMinConns:          1,
		DBMaxConns:          8,
		LibraryWindowDays:   30,
		StrategicWindowDays: 3,
		ClusterWindowHours:  72,
		ActiveDayPercentile: 0.4,
		ActiveDayFloor:      10,
		VocabDocFreqFloor:   5,
		HubTokenCount:       12,
		CoreKeywordsPerItem: 8,
		HTTPPort:            8090,
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	if cfg.ClusterWindow() != 72*time.Hour {
		t.Fatalf("expected 72h cluster window, got %s", cfg.ClusterWindow())
	}
	if cfg.LibraryWindow() != 30*24*time.Hour {
		t.Fatalf("expected 30d library window, got %s", cfg.LibraryWindow())
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"DATABASE_URL":          func(c *Config) { c.DatabaseURL = " " },
		"EF_DB_MIN_CONNS":       func(c *Config) { c.DBMinConns = 9 },
		"ACTIVE_DAY_PERCENTILE": func(c *Config) { c.ActiveDayPercentile = 1.5 },
		"VOCAB_DOC_FREQ_FLOOR":  func(c *Config) { c.VocabDocFreqFloor = 0 },
		"CORE_KEYWORDS":         func(c *Config) { c.CoreKeywordsPerItem = 0 },
		"CLUSTER_WINDOW_HOURS":  func(c *Config) { c.ClusterWindowHours = 0 },
	}
	for name, mutate := range cases {
		cfg := validConfig()
		mutate(&cfg)
		err := cfg.Validate()
		if err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
		if !strings.Contains(err.Error(), strings.SplitN(name, "_", 2)[0]) {
			t.Fatalf("%s: unexpected error %v", name, err)
		}
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/ef")
	t.Setenv("HUB_TOKEN_COUNT", "20")
	t.Setenv("CLUSTER_WINDOW_HOURS", "48")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.HubTokenCount != 20 {
		t.Fatalf("expected HUB_TOKEN_COUNT=20, got %d", cfg.HubTokenCount)
	}
	if cfg.ClusterWindowHours != 48 {
		t.Fatalf("expected CLUSTER_WINDOW_HOURS=48, got %d", cfg.ClusterWindowHours)
	}
	if cfg.ActiveDayFloor != 10 {
		t.Fatalf("expected default ACTIVE_DAY_FLOOR=10, got %d", cfg.ActiveDayFloor)
	}
}
