// Package config loads the orchestrator's layered YAML configuration:
// built-in defaults merged with an operator-supplied file, environment
// variables expanded into secrets, validated once at startup.
package config

import "time"

// ReasoningEffort is handed to the LLM Gateway client when it is built.
// The client keeps the value but does not include it in provider requests.
type ReasoningEffort string

const (
	EffortLow    ReasoningEffort = "low"
	EffortMedium ReasoningEffort = "medium"
	EffortHigh   ReasoningEffort = "high"
)

// Config is the fully merged, validated configuration for one
// orchestrator process.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	LLM       LLMConfig       `yaml:"llm"`
	SLO       SLOConfig       `yaml:"slo"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Conflict  ConflictConfig  `yaml:"conflict"`
	Stack     StackConfig     `yaml:"stack"`
	Task      TaskConfig      `yaml:"task"`
	FileLock  FileLockConfig  `yaml:"file_lock"`
	Retry     RetryConfig     `yaml:"retry"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig controls the HTTP surface (§6).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"min=1"`
}

// DatabaseConfig controls the Postgres connection backing the KV Store (C1).
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port" validate:"min=1"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxConns        int32         `yaml:"max_conns" validate:"min=1"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// LLMConfig controls the LLM Gateway (C2).
type LLMConfig struct {
	Model            string          `yaml:"model" validate:"required"`
	APIKeyEnv        string          `yaml:"api_key_env"`
	ReasoningEffort  ReasoningEffort `yaml:"reasoning_effort" validate:"omitempty,oneof=low medium high"`
	RatePerKTokens   float64         `yaml:"rate_per_k_tokens" validate:"min=0"`
	RequestsPerSecond float64        `yaml:"requests_per_second" validate:"min=0"`
	Burst            int             `yaml:"burst" validate:"min=1"`
	MaxRetries       int             `yaml:"max_retries" validate:"min=0"`
	BaseBackoff      time.Duration   `yaml:"base_backoff"`
	RequestTimeout   time.Duration   `yaml:"request_timeout"`
}

// SLOConfig holds the thresholds enforced by the SLO Gate (C11).
type SLOConfig struct {
	CostUSD       float64 `yaml:"cost_usd" validate:"min=0"`
	LatencySeconds int    `yaml:"latency_seconds" validate:"min=0"`
	CoveragePct   float64 `yaml:"coverage_pct" validate:"min=0,max=100"`
	ConfidenceMin float64 `yaml:"confidence_min" validate:"min=0,max=1"`
}

// MonitorConfig controls the Orchestration Monitor (C9).
type MonitorConfig struct {
	TickSeconds int `yaml:"tick_seconds" validate:"min=1"`
}

// ConflictConfig controls the Conflict Resolver (C6).
type ConflictConfig struct {
	SimilarityThreshold float64       `yaml:"similarity_threshold" validate:"min=0,max=1"`
	StaleLockTTL        time.Duration `yaml:"stale_lock_ttl"`
}

// StackConfig controls the Stack Inferencer (C3).
type StackConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold" validate:"min=0,max=1"`
}

// TaskConfig controls the Task Scheduler / Monitor stall detection (C7/C9).
type TaskConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds" validate:"min=1"`
}

// FileLockConfig controls the Conflict Resolver's lock registry (C6).
type FileLockConfig struct {
	TTLSeconds int `yaml:"ttl_seconds" validate:"min=1"`
}

// RetryConfig holds per-error-kind retry limits for the Retry Manager (C8).
type RetryConfig struct {
	TransientMaxAttempts        int           `yaml:"transient_max_attempts" validate:"min=0"`
	TransientBaseBackoff        time.Duration `yaml:"transient_base_backoff"`
	TransientMaxBackoff         time.Duration `yaml:"transient_max_backoff"`
	RecoverableCodeMaxAttempts  int           `yaml:"recoverable_code_max_attempts" validate:"min=0"`
	DesignFlawMaxAttempts       int           `yaml:"design_flaw_max_attempts" validate:"min=0"`
}

// ObservabilityConfig controls the Observability Emitter (C12): where
// trace spans are exported and where the metrics scrape endpoint binds.
type ObservabilityConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	MetricsAddr  string  `yaml:"metrics_addr"`
	Insecure     bool    `yaml:"insecure"`
	SampleRatio  float64 `yaml:"sample_ratio" validate:"min=0,max=1"`
}

// WorkflowConfig holds each activity's wall-clock timeout (§5).
type WorkflowConfig struct {
	PlanTimeout             time.Duration `yaml:"plan_timeout"`
	DispatchTaskTimeout     time.Duration `yaml:"dispatch_task_timeout"`
	UIInferenceTimeout      time.Duration `yaml:"ui_inference_timeout"`
	VisualTestTimeout       time.Duration `yaml:"visual_test_timeout"`
	ConflictResolveTimeout  time.Duration `yaml:"conflict_resolve_timeout"`
	TestGateTimeout         time.Duration `yaml:"test_gate_timeout"`
	SLOEnforceTimeout       time.Duration `yaml:"slo_enforce_timeout"`
	VisualTestMaxDiffPct    float64       `yaml:"visual_test_max_diff_pct"`
	TestGateCoveragePct     float64       `yaml:"test_gate_coverage_pct"`
}
