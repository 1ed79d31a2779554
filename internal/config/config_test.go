package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teresa-solution/integration-isolation-service/internal/credpath"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(env(nil))
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.AppEnv)
	assert.False(t, cfg.Production())
	assert.Equal(t, 50052, cfg.GRPCPort)
	assert.Equal(t, 2*time.Second, cfg.StartupGrace)
	assert.Equal(t, 5*time.Second, cfg.StopGrace)
	assert.Equal(t, 5*time.Minute, cfg.RefreshBuffer)
	assert.Equal(t, credpath.DefaultWebRoots, cfg.WebRoots)
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := Load(env(map[string]string{
		"LOG_LEVEL":            "DEBUG",
		"GRPC_PORT":            "6000",
		"REDIS_ADDR":           "redis:6379",
		"WEB_ROOTS":            "/var/www, /opt/site ,",
		"TOOL_CALL_TIMEOUT":    "15s",
		"WORKER_STARTUP_GRACE": "500ms",
	}))
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
	assert.Equal(t, 6000, cfg.GRPCPort)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, []string{"/var/www", "/opt/site"}, cfg.WebRoots)
	assert.Equal(t, 15*time.Second, cfg.CallTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.StartupGrace)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"bad int":                  {"GRPC_PORT": "grpc"},
		"bad duration":             {"TOKEN_REFRESH_TIMEOUT": "soon"},
		"port out of range":        {"HTTP_PORT": "70000"},
		"zero timeout":             {"TOOL_CALL_TIMEOUT": "0s"},
		"production without a key": {"APP_ENV": "production"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(env(vars))
			assert.Error(t, err)
		})
	}
}

func TestBindFlags(t *testing.T) {
	cfg, err := Load(env(map[string]string{"DATABASE_URL": "postgres://from-env"}))
	require.NoError(t, err)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--database-url", "postgres://from-flag", "--call-timeout", "3s"}))
	assert.Equal(t, "postgres://from-flag", cfg.DatabaseURL)
	assert.Equal(t, 3*time.Second, cfg.CallTimeout)
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("INTEGRATION_TEST_DOTENV=from-file\nINTEGRATION_TEST_DOTENV_KEEP=from-file\n"), 0o600))
	t.Setenv("INTEGRATION_TEST_DOTENV_KEEP", "from-env")

	require.NoError(t, LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")))
	t.Cleanup(func() { os.Unsetenv("INTEGRATION_TEST_DOTENV") })
	assert.Equal(t, "from-file", os.Getenv("INTEGRATION_TEST_DOTENV"))
	assert.Equal(t, "from-env", os.Getenv("INTEGRATION_TEST_DOTENV_KEEP"))
}
