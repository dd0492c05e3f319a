package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()
	assert.Equal(t, "https://api.openai.com/v1", cfg.OpenAI.BaseURL)
	assert.Equal(t, "http://localhost:11434", cfg.Ollama.BaseURL)
	assert.Equal(t, 60, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 5, cfg.RateLimit.ConcurrentRequests)
	assert.Equal(t, "pdftotext", cfg.Extract.Pdftotext)
	assert.Equal(t, 300, cfg.Extract.DPI)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("OPENAI_MODEL", "gpt-test")
	t.Setenv("OPENAI_TIMEOUT", "10s")
	t.Setenv("RATE_CONCURRENT_REQUESTS", "9")

	cfg := LoadConfig()
	assert.Equal(t, "gpt-test", cfg.OpenAI.Model)
	assert.Equal(t, 10*time.Second, cfg.OpenAI.Timeout)
	assert.Equal(t, 9, cfg.RateLimit.ConcurrentRequests)
}

func TestLoadConfigFileMergesEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "env-key")

	path := filepath.Join(t.TempDir(), "docgrok.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[openai]
model = "file-model"

[rate_limit]
requests_per_minute = 12
`), 0o644))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)

	// File values win where set.
	assert.Equal(t, "file-model", cfg.OpenAI.Model)
	assert.Equal(t, 12, cfg.RateLimit.RequestsPerMinute)
	// Env/defaults fill the rest.
	assert.Equal(t, "env-key", cfg.OpenAI.APIKey)
	assert.Equal(t, "https://api.openai.com/v1", cfg.OpenAI.BaseURL)
	assert.Equal(t, "pdftotext", cfg.Extract.Pdftotext)
}

func TestLoadConfigFileExplicitZeroIsUnlimited(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docgrok.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[rate_limit]
requests_per_minute = 0
`), 0o644))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)

	// An explicit 0 in the file means unlimited and must survive the merge.
	assert.Equal(t, 0, cfg.RateLimit.RequestsPerMinute)
	// Keys the file does not define still inherit env defaults.
	assert.Equal(t, 5, cfg.RateLimit.ConcurrentRequests)
}

func TestLoadConfigFileKeepsEnvOnlyValues(t *testing.T) {
	t.Setenv("OPENAI_TEMPERATURE", "0.7")
	t.Setenv("EXTRACT_MAX_PAGES", "5")

	path := filepath.Join(t.TempDir(), "docgrok.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[openai]
model = "file-model"
`), 0o644))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, cfg.OpenAI.Temperature, 1e-6)
	assert.Equal(t, 5, cfg.Extract.MaxPages)
}

func TestLoadConfigFileMissing(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, KindInvalidRequest, KindOf(err))

	cfg.Ollama.BaseURL = "http://localhost:11434"
	assert.NoError(t, cfg.Validate())

	cfg.RateLimit.RequestsPerMinute = -1
	assert.Error(t, cfg.Validate())
}
