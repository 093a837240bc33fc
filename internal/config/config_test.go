package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Relay.Addr)
	assert.Equal(t, 20.0, cfg.Detection.MovementThresholdM)
	assert.Equal(t, 30*time.Second, cfg.Detection.StopDetectionTime)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, 5, cfg.Transport.MaxReconnectAttempts)
	assert.Equal(t, []string{"*"}, cfg.Relay.AllowedOrigins)
	assert.Equal(t, 15*time.Second, cfg.Agent.DrainInterval)
	assert.Equal(t, "localhost:9091", cfg.Agent.MetricsAddr)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.yaml")
	yaml := `
agent:
  driver_name: alice
  store_path: /tmp/alice.db
  metrics_addr: ""
detection:
  movement_threshold_m: 35
  stop_detection_time: 45s
retry:
  max_retries: 7
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("FLEET_RELAY_ADDR", ":9000")
	t.Setenv("FLEET_RETRY_FACTOR", "3")
	t.Setenv("FLEET_RELAY_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Agent.DriverName)
	assert.Empty(t, cfg.Agent.MetricsAddr)
	assert.Equal(t, 35.0, cfg.Detection.MovementThresholdM)
	assert.Equal(t, 45*time.Second, cfg.Detection.StopDetectionTime)
	assert.Equal(t, 7, cfg.Retry.MaxRetries)
	assert.Equal(t, 3.0, cfg.Retry.Factor)
	assert.Equal(t, ":9000", cfg.Relay.Addr)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Relay.AllowedOrigins)
}

func TestLoadRejectsInvalid(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("FLEET_RETRY_FACTOR", "0.5")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry.factor")
}

func TestValidateAgent(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.ValidateAgent())

	cfg.Agent.DriverName = "bob"
	assert.NoError(t, cfg.ValidateAgent())

	cfg.Agent.Source = "replay"
	assert.Error(t, cfg.ValidateAgent())
}

func TestEnvTransform(t *testing.T) {
	assert.Equal(t, "relay.rate_limit_per_minute", envTransform("FLEET_RELAY_RATE_LIMIT_PER_MINUTE"))
	assert.Equal(t, "agent.driver_name", envTransform("FLEET_AGENT_DRIVER_NAME"))
	assert.Equal(t, "", envTransform("FLEET_CONFIG"))
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { require.NoError(t, os.Chdir(wd)) })
}
