package config

import (
	"os"
	"path/filepath"
	"testing"

	"godiffex/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, int64(10), cfg.MinTotalCount)
	assert.Equal(t, -1, cfg.TestCoefficient)
	assert.Equal(t, 0.05, cfg.Alpha)
	assert.False(t, cfg.Shrink)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DE_MIN_TOTAL_COUNT", "25")
	t.Setenv("DE_REFERENCE_LEVEL", "control")
	t.Setenv("DE_LFC_THRESHOLD", "0.58")
	t.Setenv("DE_SHRINK", "true")
	t.Setenv("DE_WORKERS", "2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(25), cfg.MinTotalCount)
	assert.Equal(t, "control", cfg.ReferenceLevel)
	assert.Equal(t, 0.58, cfg.LFCThreshold)
	assert.True(t, cfg.Shrink)
	assert.Equal(t, 2, cfg.Workers)
	// Untouched knobs keep their defaults
	assert.Equal(t, 0.05, cfg.Alpha)
}

func TestLoadMalformedEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("DE_MAX_GLM_ITERS", "not-a-number")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default().MaxGLMIters, cfg.MaxGLMIters)
}

func TestLoadRejectsInvalidEnv(t *testing.T) {
	t.Setenv("DE_ALPHA", "1.5")
	_, err := Load()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeConfigInvalid))
}

func TestLoadFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "de.yaml")
	data := []byte("min_total_count: 50\nlfc_threshold: 1.0\ncovariates: [batch]\n")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := LoadFile(Default(), path)
	require.NoError(t, err)
	assert.Equal(t, int64(50), cfg.MinTotalCount)
	assert.Equal(t, 1.0, cfg.LFCThreshold)
	assert.Equal(t, []string{"batch"}, cfg.Covariates)
	assert.Equal(t, 0.05, cfg.Alpha)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(Default(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadFileMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("min_total_count: [oops\n"), 0o644))

	_, err := LoadFile(Default(), path)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeConfigInvalid))
}

func TestValidateRanges(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative min total count", func(c *Config) { c.MinTotalCount = -1 }},
		{"negative lfc threshold", func(c *Config) { c.LFCThreshold = -0.5 }},
		{"alpha zero", func(c *Config) { c.Alpha = 0 }},
		{"alpha one", func(c *Config) { c.Alpha = 1 }},
		{"test coefficient below -1", func(c *Config) { c.TestCoefficient = -2 }},
		{"outlier sd zero", func(c *Config) { c.DispOutlierSD = 0 }},
		{"fallback dispersion zero", func(c *Config) { c.FallbackDispersion = 0 }},
		{"zero glm iters", func(c *Config) { c.MaxGLMIters = 0 }},
		{"negative ridge", func(c *Config) { c.RidgeLambda = -1e-6 }},
		{"negative workers", func(c *Config) { c.Workers = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.CodeConfigInvalid))
		})
	}
}

func TestWorkerCount(t *testing.T) {
	cfg := Default()
	cfg.Workers = 3
	assert.Equal(t, 3, cfg.WorkerCount())
	cfg.Workers = 0
	assert.Greater(t, cfg.WorkerCount(), 0)
}

func TestSettingsCoversEveryKnob(t *testing.T) {
	cfg := Default()
	cfg.Covariates = []string{"batch", "lane"}
	s := cfg.Settings()
	assert.Equal(t, "batch,lane", s["covariates"])
	assert.Equal(t, "10", s["min_total_count"])
	assert.Equal(t, "0.05", s["alpha"])
}
