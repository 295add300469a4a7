package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults().LLM.Model, cfg.LLM.Model)
	assert.Equal(t, 10, cfg.Monitor.TickSeconds)
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoad_OverridesMergeOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
llm:
  model: claude-opus-4
slo:
  cost_usd: 10.0
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4", cfg.LLM.Model)
	assert.Equal(t, 10.0, cfg.SLO.CostUSD)
	// untouched fields keep their defaults
	assert.Equal(t, Defaults().Monitor.TickSeconds, cfg.Monitor.TickSeconds)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("ORCH_DB_PASSWORD", "s3cr3t")
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  password: ${ORCH_DB_PASSWORD}
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", cfg.Database.Password)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"min exceeds max conns", func(c *Config) { c.Database.MinConns = 100 }},
		{"empty model", func(c *Config) { c.LLM.Model = "" }},
		{"bad reasoning effort", func(c *Config) { c.LLM.ReasoningEffort = "extreme" }},
		{"zero cost slo", func(c *Config) { c.SLO.CostUSD = 0 }},
		{"coverage out of range", func(c *Config) { c.SLO.CoveragePct = 150 }},
		{"confidence out of range", func(c *Config) { c.SLO.ConfidenceMin = 2 }},
		{"workflow gate stricter than slo", func(c *Config) { c.Workflow.TestGateCoveragePct = 99 }},
		{"zero monitor tick", func(c *Config) { c.Monitor.TickSeconds = 0 }},
		{"bad conflict threshold", func(c *Config) { c.Conflict.SimilarityThreshold = 1.5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg)
			err := Validate(cfg)
			require.Error(t, err)
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestValidate_DefaultsAreValid(t *testing.T) {
	assert.NoError(t, Validate(Defaults()))
}
