package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 8108, cfg.Port)
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.Equal(t, 2, cfg.SchemaRetention.KeepLast)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("TSCORE_API_KEY", "secret-key")
	t.Setenv("TSCORE_PORT", "9999")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "secret-key", cfg.APIKey)
	assert.Equal(t, 9999, cfg.Port)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/path/tscore.yaml")
	assert.NoError(t, err)
	assert.Equal(t, DefaultConfig().Host, cfg.Host)
}
