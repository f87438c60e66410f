package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(ConfigFileEnv, "")

	cfg, err := Load("status-dashboard-api", "8086")

	require.NoError(t, err)
	assert.Equal(t, "status-dashboard-api", cfg.Service)
	assert.Equal(t, "8086", cfg.Port)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "kafka:29092", cfg.KafkaBrokers)
	assert.Equal(t, "status-dashboard-api", cfg.KafkaGroupID)
	assert.Empty(t, cfg.BaseURL)
	assert.Equal(t, ":8086", cfg.ListenAddr())
	assert.Equal(t, "http://build-orchestrator:8082", cfg.BuildOrchestratorURL)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv(ConfigFileEnv, "")
	t.Setenv("PORT", "9000")
	t.Setenv("BASE_URL", "https://ci.example.com/")
	t.Setenv("BUILD_RETENTION", "72h")
	t.Setenv("BUILD_ORCHESTRATOR_URL", "http://localhost:18082")

	cfg, err := Load("build-orchestrator", "8082")

	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "https://ci.example.com/", cfg.BaseURL)
	assert.Equal(t, 72*time.Hour, cfg.BuildRetention)
	assert.Equal(t, "http://localhost:18082", cfg.BuildOrchestratorURL)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "redis_addr: localhost:6380\nbase_url: http://phpci.local/\nlog_format: json\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv(ConfigFileEnv, path)

	cfg, err := Load("notification", "8085")

	require.NoError(t, err)
	assert.Equal(t, "localhost:6380", cfg.RedisAddr)
	assert.Equal(t, "http://phpci.local/", cfg.BaseURL)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	t.Setenv(ConfigFileEnv, filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load("notification", "8085")

	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{name: "valid", cfg: Config{Port: "80", RedisAddr: "redis:6379"}},
		{name: "missing port", cfg: Config{RedisAddr: "redis:6379"}, want: ErrMissingPort},
		{name: "missing redis", cfg: Config{Port: "80"}, want: ErrMissingRedisAddr},
		{name: "bad log format", cfg: Config{Port: "80", RedisAddr: "r", LogFormat: "xml"}, want: ErrInvalidLogFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tt.cfg)
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
		})
	}
}
