package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxbalance/proxbalance/internal/domain"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 60.0, cfg.RecommendationThresholds.CPU)
	assert.Equal(t, 70.0, cfg.RecommendationThresholds.Memory)
	assert.Equal(t, 30.0, cfg.RecommendationThresholds.IOWait)
	assert.Equal(t, 3, cfg.Automation.Rules.MaxMigrationsPerRun)
	assert.Equal(t, 60, cfg.Automation.Rules.CooldownMinutes)
	assert.True(t, cfg.Automation.DryRun)
	assert.True(t, cfg.Automation.SafetyChecks.AbortOnFailure)
	assert.Equal(t, 5*time.Second, cfg.Automation.PollInterval)
	assert.Equal(t, 10*time.Minute, cfg.Evacuation.MaxWait)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
state:
  backend: memory
automated_migrations:
  enabled: true
  dry_run: false
  maintenance_nodes: [pve3]
  rules:
    cooldown_minutes: 15
  schedule:
    migration_windows:
      - name: nightly
        days: [mon, tuesday]
        start_time: "22:00"
        end_time: "06:00"
        timezone: Europe/Berlin
      - name: disabled-window
        enabled: false
        start_time: "00:00"
        end_time: "01:00"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("PROXBALANCE_RECOMMENDATION_THRESHOLDS_CPU_THRESHOLD", "55")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.State.Backend)
	assert.True(t, cfg.Automation.Enabled)
	assert.False(t, cfg.Automation.DryRun)
	assert.Equal(t, []string{"pve3"}, cfg.Automation.MaintenanceNodes)
	assert.Equal(t, 15, cfg.Automation.Rules.CooldownMinutes)
	assert.Equal(t, 55.0, cfg.RecommendationThresholds.CPU)

	windows := cfg.Automation.Schedule.MigrationWindows
	require.Len(t, windows, 2)
	assert.True(t, windows[0].IsEnabled())
	assert.False(t, windows[1].IsEnabled())
	assert.Equal(t, "Europe/Berlin", windows[0].Timezone)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"state backend", func(c *Config) { c.State.Backend = "sqlite" }},
		{"history backend", func(c *Config) { c.History.Backend = "mongo" }},
		{"lock backend", func(c *Config) { c.Lock.Backend = "zk" }},
		{"threshold", func(c *Config) { c.RecommendationThresholds.Memory = 0 }},
		{"confidence", func(c *Config) { c.Automation.Rules.MinConfidenceScore = 120 }},
		{"window time", func(c *Config) {
			c.Automation.Schedule.MigrationWindows = []WindowConfig{{Name: "bad", Days: []string{"mon"}, StartTime: "25:00", EndTime: "01:00"}}
		}},
		{"window timezone", func(c *Config) {
			c.Automation.Schedule.BlackoutWindows = []WindowConfig{{Name: "bad", Days: []string{"mon"}, StartTime: "01:00", EndTime: "02:00", Timezone: "Mars/Olympus"}}
		}},
		{"window day", func(c *Config) {
			c.Automation.Schedule.MigrationWindows = []WindowConfig{{Name: "bad", Days: []string{"funday"}, StartTime: "01:00", EndTime: "02:00"}}
		}},
		{"window without days", func(c *Config) {
			c.Automation.Schedule.MigrationWindows = []WindowConfig{{Name: "nightly", StartTime: "22:00", EndTime: "04:00"}}
		}},
		{"webhook", func(c *Config) { c.Automation.Notifications.Enabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrConfiguration)
		})
	}
}

func TestParseWeekday(t *testing.T) {
	cases := map[string]time.Weekday{
		"Monday": time.Monday,
		"tue":    time.Tuesday,
		" SUN ":  time.Sunday,
	}
	for in, want := range cases {
		got, ok := ParseWeekday(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	_, ok := ParseWeekday("mo")
	assert.False(t, ok)
}
