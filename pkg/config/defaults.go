package config

import "time"

// Defaults returns the built-in configuration, overridden by whatever an
// operator-supplied YAML file sets. Every value named in SPEC_FULL §6
// has a default here so a bare `orchestratord` can boot without a
// config file.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "orchestrator",
			Database:        "orchestrator",
			SSLMode:         "disable",
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: time.Hour,
			ConnMaxIdleTime: 15 * time.Minute,
		},
		LLM: LLMConfig{
			Model:             "claude-sonnet-4-5",
			APIKeyEnv:         "ANTHROPIC_API_KEY",
			ReasoningEffort:   EffortMedium,
			RatePerKTokens:    0.003,
			RequestsPerSecond: 2,
			Burst:             5,
			MaxRetries:        3,
			BaseBackoff:       2 * time.Second,
			RequestTimeout:    60 * time.Second,
		},
		SLO: SLOConfig{
			CostUSD:        5.00,
			LatencySeconds: 720,
			CoveragePct:    95,
			ConfidenceMin:  0.80,
		},
		Monitor: MonitorConfig{
			TickSeconds: 10,
		},
		Conflict: ConflictConfig{
			SimilarityThreshold: 0.70,
			StaleLockTTL:        30 * time.Minute,
		},
		Stack: StackConfig{
			SimilarityThreshold: 0.70,
		},
		Task: TaskConfig{
			TimeoutSeconds: 1800,
		},
		FileLock: FileLockConfig{
			TTLSeconds: 1800,
		},
		Retry: RetryConfig{
			TransientMaxAttempts:       5,
			TransientBaseBackoff:       2 * time.Second,
			TransientMaxBackoff:        60 * time.Second,
			RecoverableCodeMaxAttempts: 2,
			DesignFlawMaxAttempts:      2,
		},
		Observability: ObservabilityConfig{
			Enabled:      false,
			ServiceName:  "orchestrator",
			OTLPEndpoint: "localhost:4317",
			MetricsAddr:  ":9090",
			Insecure:     true,
			SampleRatio:  0.1,
		},
		Workflow: WorkflowConfig{
			PlanTimeout:            60 * time.Second,
			DispatchTaskTimeout:    30 * time.Minute,
			UIInferenceTimeout:     45 * time.Second,
			VisualTestTimeout:      90 * time.Second,
			ConflictResolveTimeout: 60 * time.Second,
			TestGateTimeout:        30 * time.Second,
			SLOEnforceTimeout:      30 * time.Second,
			VisualTestMaxDiffPct:   5.0,
			TestGateCoveragePct:    80.0,
		},
	}
}
