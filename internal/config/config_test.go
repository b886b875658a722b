package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setCreds(t *testing.T) {
	t.Helper()
	t.Setenv("ALPHAFLOW_EMAIL", "researcher@example.com")
	t.Setenv("ALPHAFLOW_PASSWORD", "hunter2")
	t.Setenv("ALPHAFLOW_BASE_URL", "")
}

func TestLoadDefaults(t *testing.T) {
	setCreds(t)
	t.Setenv("ALPHAFLOW_BASE_URL", "https://platform.example.com/api")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.EqualValues(t, DefaultConcurrency, cfg.Concurrency)
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, 30*time.Minute, cfg.JobTimeout())
	assert.Equal(t, 5*time.Second, cfg.PollInterval())
	assert.Equal(t, 10*time.Minute, cfg.StageBudget())
	assert.Equal(t, DefaultSelfCorrLimit, cfg.SelfCorrLimit)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	setCreds(t)

	path := filepath.Join(t.TempDir(), "alphaflow.toml")
	content := `
base_url = "https://platform.example.com/api"
concurrency = 8
batch_size = 10
job_timeout_minutes = 5
self_corr_limit = 0.5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.EqualValues(t, 8, cfg.Concurrency)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.JobTimeout())
	assert.Equal(t, 0.5, cfg.SelfCorrLimit)
	// Untouched fields keep defaults.
	assert.Equal(t, DefaultProdCorrLimit, cfg.ProdCorrLimit)
}

func TestLoadRequiresCredentials(t *testing.T) {
	t.Setenv("ALPHAFLOW_EMAIL", "")
	t.Setenv("ALPHAFLOW_PASSWORD", "")
	t.Setenv("ALPHAFLOW_BASE_URL", "https://platform.example.com/api")

	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadRanges(t *testing.T) {
	cfg := Default()
	cfg.BaseURL = "https://platform.example.com/api"
	cfg.Email = "a@b.c"
	cfg.Password = "x"
	require.NoError(t, cfg.Validate())

	cfg.Concurrency = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.BaseURL = "https://platform.example.com/api"
	cfg.Email = "a@b.c"
	cfg.Password = "x"
	cfg.SelfCorrLimit = 1.2
	assert.Error(t, cfg.Validate())
}
