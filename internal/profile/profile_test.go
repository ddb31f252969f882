package profile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	p := Default()

	assert.Equal(t, "dev", p.Mode)
	assert.Equal(t, 8081, p.Port)
	assert.Equal(t, "memory", p.Driver)
	assert.True(t, p.Analytics.RealTimeAnalysis)
	assert.Equal(t, 10, p.Analytics.MinBaselineExecutions)
	assert.Equal(t, 30*24*time.Hour, p.Analytics.RetentionPeriod)
	assert.Equal(t, "weighted_random", p.Experiment.AllocationPolicy)
	assert.Equal(t, 24*time.Hour, p.Experiment.MinimumDuration)
	assert.Equal(t, "gpt-4", p.Optimizer.CurrentModel)
	assert.Equal(t, 100, p.Optimizer.HistoryLimit)
	require.NoError(t, p.Validate())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "promptlab.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
mode: prod
port: 9000
driver: sqlite
data: `+dir+`
experiment:
  allocation_policy: round_robin
  minimum_duration: 2h
  bandit_enabled: true
optimizer:
  max_prompt_tokens: 1500
`), 0o600))

	t.Setenv("PROMPTLAB_PORT", "9100")
	t.Setenv("PROMPTLAB_EXPERIMENT_AUTO_OPTIMIZE", "true")

	p, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, "prod", p.Mode)
	assert.Equal(t, 9100, p.Port)
	assert.Equal(t, filepath.Join(dir, "promptlab_prod.db"), p.DSN)
	assert.Equal(t, "round_robin", p.Experiment.AllocationPolicy)
	assert.Equal(t, 2*time.Hour, p.Experiment.MinimumDuration)
	assert.True(t, p.Experiment.BanditEnabled)
	assert.True(t, p.Experiment.AutoOptimize)
	assert.Equal(t, 1500, p.Optimizer.MaxPromptTokens)
	assert.Equal(t, time.Hour, p.Experiment.MonitorInterval)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Profile)
		wantErr bool
	}{
		{"defaults", func(*Profile) {}, false},
		{"unknown mode falls back to dev", func(p *Profile) { p.Mode = "staging" }, false},
		{"bad port", func(p *Profile) { p.Port = 70000 }, true},
		{"unknown driver", func(p *Profile) { p.Driver = "mysql" }, true},
		{"postgres without dsn", func(p *Profile) { p.Driver = "postgres" }, true},
		{"sqlite without dsn or data", func(p *Profile) { p.Driver = "sqlite" }, true},
		{"sqlite in memory", func(p *Profile) { p.Driver = "sqlite"; p.DSN = ":memory:" }, false},
		{"missing data dir", func(p *Profile) { p.Data = "/definitely/not/here" }, true},
		{"unknown policy", func(p *Profile) { p.Experiment.AllocationPolicy = "lottery" }, true},
		{"zero anomaly threshold", func(p *Profile) { p.Analytics.AnomalyThreshold = 0 }, true},
		{"success rate above one", func(p *Profile) { p.Analytics.TargetSuccessRate = 1.5 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Default()
			tt.mutate(p)
			err := p.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
