package db

import (
	"time"

	"gorm.io/datatypes"
)

// Record maps ef.records. Rows are written by the ingestion collaborator.
type Record struct {
	RecordID    int64     `gorm:"column:record_id;primaryKey;autoIncrement"`
	RecordUUID  string    `gorm:"column:record_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	Title       string    `gorm:"column:title;type:text;not null"`
	Summary     *string   `gorm:"column:summary;type:text"`
	Language    string    `gorm:"column:language;type:text;not null;default:und"`
	PublishedAt time.Time `gorm:"column:published_at;type:timestamptz;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (Record) TableName() string { return "ef.records" }

// RecordEmbedding maps ef.record_embeddings.
type RecordEmbedding struct {
	RecordID        int64     `gorm:"column:record_id;type:bigint;primaryKey"`
	ModelName       string    `gorm:"column:model_name;type:text;primaryKey"`
	ModelVersion    string    `gorm:"column:model_version;type:text;primaryKey"`
	Embedding       string    `gorm:"column:embedding;type:vector;not null"`
	EmbeddedAt      time.Time `gorm:"column:embedded_at;type:timestamptz;not null;default:now()"`
	ServiceEndpoint string    `gorm:"column:service_endpoint;type:text;not null;default:''"`
}

func (RecordEmbedding) TableName() string { return "ef.record_embeddings" }

// RawKeyword maps ef.raw_keywords, the external extractor's output.
type RawKeyword struct {
	RawKeywordID     int64     `gorm:"column:raw_keyword_id;primaryKey;autoIncrement"`
	RecordID         int64     `gorm:"column:record_id;type:bigint;not null"`
	RawText          string    `gorm:"column:raw_text;type:text;not null"`
	ExtractionMethod string    `gorm:"column:extraction_method;type:text;not null;default:''"`
	ExtractionScore  float64   `gorm:"column:extraction_score;type:double precision;not null;default:0"`
	CreatedAt        time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (RawKeyword) TableName() string { return "ef.raw_keywords" }

// CanonicalRule maps ef.canonical_rules.
type CanonicalRule struct {
	RuleID         int64     `gorm:"column:rule_id;primaryKey;autoIncrement"`
	Pattern        string    `gorm:"column:pattern;type:text;not null"`
	PatternType    string    `gorm:"column:pattern_type;type:text;not null"`
	CanonicalToken string    `gorm:"column:canonical_token;type:text;not null"`
	Priority       int       `gorm:"column:priority;type:integer;not null;default:100"`
	Active         bool      `gorm:"column:active;type:boolean;not null;default:true"`
	UpdatedAt      time.Time `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (CanonicalRule) TableName() string { return "ef.canonical_rules" }

// GateResult maps ef.gate_results, one decision per record.
type GateResult struct {
	RecordID      int64     `gorm:"column:record_id;type:bigint;primaryKey"`
	Keep          bool      `gorm:"column:keep;type:boolean;not null"`
	Reason        string    `gorm:"column:reason;type:text;not null"`
	MatchedEntity *string   `gorm:"column:matched_entity;type:text"`
	VocabularyID  *string   `gorm:"column:vocabulary_id;type:text"`
	Language      string    `gorm:"column:language;type:text;not null;default:''"`
	RunID         string    `gorm:"column:run_id;type:text;not null"`
	DecidedAt     time.Time `gorm:"column:decided_at;type:timestamptz;not null;default:now()"`
}

func (GateResult) TableName() string { return "ef.gate_results" }

// SharedVocabulary maps ef.shared_vocabulary. The table holds exactly one
// window snapshot and is replaced wholesale on every build.
type SharedVocabulary struct {
	CanonicalToken    string    `gorm:"column:canonical_token;type:text;primaryKey"`
	DocFreq           int       `gorm:"column:doc_freq;type:integer;not null"`
	ActiveDaysPresent int       `gorm:"column:active_days_present;type:integer;not null"`
	HubRank           *int      `gorm:"column:hub_rank;type:integer"`
	Ratio             float64   `gorm:"column:ratio;type:double precision;not null"`
	WindowStart       time.Time `gorm:"column:window_start;type:timestamptz;not null"`
	WindowEnd         time.Time `gorm:"column:window_end;type:timestamptz;not null"`
	RunID             string    `gorm:"column:run_id;type:text;not null"`
	BuiltAt           time.Time `gorm:"column:built_at;type:timestamptz;not null;default:now()"`
}

func (SharedVocabulary) TableName() string { return "ef.shared_vocabulary" }

// CoreKeyword maps ef.core_keywords.
type CoreKeyword struct {
	RecordID       int64     `gorm:"column:record_id;type:bigint;primaryKey"`
	CanonicalToken string    `gorm:"column:canonical_token;type:text;primaryKey"`
	StrategicScore float64   `gorm:"column:strategic_score;type:double precision;not null"`
	Rank           int       `gorm:"column:rank;type:integer;not null"`
	AssignedAt     time.Time `gorm:"column:assigned_at;type:timestamptz;not null;default:now()"`
}

func (CoreKeyword) TableName() string { return "ef.core_keywords" }

// Cluster maps ef.clusters. Theater, event type and actors are labelled
// outside the clustering stages; the key is derived from them.
type Cluster struct {
	ClusterID      int64          `gorm:"column:cluster_id;primaryKey;autoIncrement"`
	ClusterUUID    string         `gorm:"column:cluster_uuid;type:uuid;not null;unique"`
	ClusterType    string         `gorm:"column:cluster_type;type:text;not null"`
	Size           int            `gorm:"column:size;type:integer;not null;default:0"`
	Cohesion       float64        `gorm:"column:cohesion;type:double precision;not null;default:0"`
	AnchorTokens   datatypes.JSON `gorm:"column:anchor_tokens;type:jsonb;not null"`
	Theater        *string        `gorm:"column:theater;type:text"`
	EventType      *string        `gorm:"column:event_type;type:text"`
	Actors         datatypes.JSON `gorm:"column:actors;type:jsonb"`
	EFKey          *string        `gorm:"column:ef_key;type:text"`
	MacroClusterID *int64         `gorm:"column:macro_cluster_id;type:bigint"`
	WindowStart    time.Time      `gorm:"column:window_start;type:timestamptz;not null"`
	WindowEnd      time.Time      `gorm:"column:window_end;type:timestamptz;not null"`
	CreatedAt      time.Time      `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Cluster) TableName() string { return "ef.clusters" }

// ClusterMember maps ef.cluster_members. A record belongs to at most one
// non-macro cluster.
type ClusterMember struct {
	RecordID  int64     `gorm:"column:record_id;type:bigint;primaryKey"`
	ClusterID int64     `gorm:"column:cluster_id;type:bigint;not null"`
	Method    string    `gorm:"column:method;type:text;not null"`
	Score     *float64  `gorm:"column:score;type:double precision"`
	RunID     string    `gorm:"column:run_id;type:text;not null"`
	AddedAt   time.Time `gorm:"column:added_at;type:timestamptz;not null;default:now()"`
}

func (ClusterMember) TableName() string { return "ef.cluster_members" }

// MergeCandidate maps ef.merge_candidates.
type MergeCandidate struct {
	ClusterAID      int64     `gorm:"column:cluster_a_id;type:bigint;primaryKey"`
	ClusterBID      int64     `gorm:"column:cluster_b_id;type:bigint;primaryKey"`
	EFKey           string    `gorm:"column:ef_key;type:text;not null"`
	ActorSimilarity float64   `gorm:"column:actor_similarity;type:double precision;not null"`
	DetectedAt      time.Time `gorm:"column:detected_at;type:timestamptz;not null;default:now()"`
}

func (MergeCandidate) TableName() string { return "ef.merge_candidates" }

// StageRun maps ef.stage_runs.
type StageRun struct {
	RunID        string         `gorm:"column:run_id;type:text;primaryKey"`
	Stage        string         `gorm:"column:stage;type:text;not null"`
	Status       string         `gorm:"column:status;type:text;not null"`
	StartedAt    time.Time      `gorm:"column:started_at;type:timestamptz;not null"`
	FinishedAt   *time.Time     `gorm:"column:finished_at;type:timestamptz"`
	Counters     datatypes.JSON `gorm:"column:counters;type:jsonb"`
	ErrorMessage *string        `gorm:"column:error_message;type:text"`
}

func (StageRun) TableName() string { return "ef.stage_runs" }

func autoMigrateModels() []any {
	return []any{
		&Record{},
		&RecordEmbedding{},
		&RawKeyword{},
		&CanonicalRule{},
		&GateResult{},
		&SharedVocabulary{},
		&CoreKeyword{},
		&Cluster{},
		&ClusterMember{},
		&MergeCandidate{},
		&StageRun{},
	}
}
