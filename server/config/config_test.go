package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func TestLoadConfig_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.False(t, cfg.ML.Enabled)
	assert.Equal(t, 200*time.Millisecond, cfg.Attention.TickInterval)
	assert.Equal(t, time.Second, cfg.Attention.ClockInterval)
	assert.Equal(t, "exponential", cfg.Attention.Smoothing)
	assert.Equal(t, "default", cfg.Attention.ReadingProfile)
	assert.Equal(t, []string{"*"}, cfg.Security.AllowedOrigins)
	assert.True(t, cfg.Security.SessionTokens)
	assert.Equal(t, 12*time.Hour, cfg.Security.SessionTokenTTL)
	assert.Equal(t, 30.0, cfg.Security.SessionInputRPS)
	assert.NoError(t, cfg.ValidateConfig(zap.NewNop()))
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eyeq.yaml")
	yaml := []byte(`
server:
  port: 9090
attention:
  tick_interval: 500ms
  smoothing: direct
logging:
  format: console
`)
	require.NoError(t, os.WriteFile(path, yaml, 0o600))
	t.Setenv("EYEQ_SERVER_PORT", "9191")
	t.Setenv("EYEQ_ML_ENABLED", "true")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port, "env overrides file")
	assert.True(t, cfg.ML.Enabled)
	assert.Equal(t, 500*time.Millisecond, cfg.Attention.TickInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Attention.Session().TickInterval)
	assert.Equal(t, "direct", cfg.Attention.Smoothing)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateConfig_CollectsEveryProblem(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	cfg.Server.Port = 0
	cfg.Attention.TickInterval = 0
	cfg.Attention.Smoothing = "cubic"
	cfg.Attention.ReadingProfile = "speed"
	cfg.Logging.Format = "xml"

	err = cfg.ValidateConfig(zap.NewNop())
	require.Error(t, err)
	assert.Len(t, multierr.Errors(unwrapOnce(err)), 5)
	assert.Contains(t, err.Error(), "server port")
	assert.Contains(t, err.Error(), "cubic")
	assert.Contains(t, err.Error(), "speed")
}

func unwrapOnce(err error) error {
	if u, ok := err.(interface{ Unwrap() error }); ok {
		return u.Unwrap()
	}
	return err
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
