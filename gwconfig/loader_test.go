package gwconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, RoutingModeRegular, cfg.RoutingMode)
	assert.Equal(t, PolicyCacheAware, cfg.Policy)

	assert.Equal(t, float32(0.5), cfg.CacheAware.CacheThreshold)
	assert.Equal(t, int64(32), cfg.CacheAware.BalanceAbsThreshold)
	assert.Equal(t, float32(1.5), cfg.CacheAware.BalanceRelThreshold)

	assert.Equal(t, uint64(30), cfg.Health.TimeoutSecs)
	assert.Equal(t, uint64(60), cfg.Health.CheckIntervalSecs)
	assert.Equal(t, uint32(3), cfg.Health.FailureThreshold)
	assert.Equal(t, uint32(2), cfg.Health.SuccessThreshold)
	assert.False(t, cfg.Health.DisableHealthCheck)

	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, 5*time.Second, cfg.Retry.MaxDelay)

	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.CircuitBreaker.TimeoutDuration)

	assert.False(t, cfg.EnableIGW)
}

func TestLoaderLoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, RoutingModeRegular, cfg.RoutingMode)
}

func TestLoaderLoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
routing_mode: prefill_decode
policy: cache_aware
prefill_decode:
  prefill_urls:
    - url: "http://p1:8000"
      bootstrap_port: 9000
  decode_urls:
    - "http://d1:8000"
  pre_prefill_match_threshold: 0.3
cache_aware:
  cache_threshold: 0.6
health:
  timeout_secs: 10
  check_interval_secs: 5
retry:
  max_retries: 5
  initial_backoff: 100ms
enable_igw: true
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, RoutingModePrefillDecode, cfg.RoutingMode)
	require.Len(t, cfg.PrefillDecode.PrefillURLs, 1)
	assert.Equal(t, "http://p1:8000", cfg.PrefillDecode.PrefillURLs[0].URL)
	require.NotNil(t, cfg.PrefillDecode.PrefillURLs[0].BootstrapPort)
	assert.Equal(t, uint16(9000), *cfg.PrefillDecode.PrefillURLs[0].BootstrapPort)
	assert.Equal(t, []string{"http://d1:8000"}, cfg.PrefillDecode.DecodeURLs)
	assert.Equal(t, float32(0.3), cfg.PrefillDecode.PrePrefillMatchThreshold)

	assert.Equal(t, float32(0.6), cfg.CacheAware.CacheThreshold)
	assert.Equal(t, uint64(10), cfg.Health.TimeoutSecs)
	assert.Equal(t, uint64(5), cfg.Health.CheckIntervalSecs)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.Retry.InitialDelay)
	assert.True(t, cfg.EnableIGW)

	// Fields left out of the YAML keep their defaults.
	assert.Equal(t, int64(32), cfg.CacheAware.BalanceAbsThreshold)
	assert.Equal(t, 5*time.Second, cfg.Retry.MaxDelay)
}

func TestLoaderLoadFromEnv(t *testing.T) {
	envVars := map[string]string{
		"GATEWAY_ROUTING_MODE":           "prefill_decode",
		"GATEWAY_HEALTH_TIMEOUT_SECS":    "15",
		"GATEWAY_RETRY_MAX_RETRIES":      "7",
		"GATEWAY_CACHE_AWARE_CACHE_THRESHOLD": "0.8",
		"GATEWAY_ENABLE_IGW":             "true",
	}
	for k, v := range envVars {
		t.Setenv(k, v)
	}

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, RoutingModePrefillDecode, cfg.RoutingMode)
	assert.Equal(t, uint64(15), cfg.Health.TimeoutSecs)
	assert.Equal(t, 7, cfg.Retry.MaxRetries)
	assert.Equal(t, float32(0.8), cfg.CacheAware.CacheThreshold)
	assert.True(t, cfg.EnableIGW)
}

func TestLoaderEnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("health:\n  timeout_secs: 20\n"), 0644))

	t.Setenv("GATEWAY_HEALTH_TIMEOUT_SECS", "99")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(99), cfg.Health.TimeoutSecs)
}

func TestLoaderCustomEnvPrefix(t *testing.T) {
	t.Setenv("MYGW_RETRY_MAX_RETRIES", "9")

	cfg, err := NewLoader().WithEnvPrefix("MYGW").Load()
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Retry.MaxRetries)
}

func TestLoaderWithValidatorRejectsInvalidThreshold(t *testing.T) {
	validator := func(cfg *Config) error {
		if cfg.CacheAware.CacheThreshold < 0 || cfg.CacheAware.CacheThreshold > 1 {
			return assert.AnError
		}
		return nil
	}

	t.Setenv("GATEWAY_CACHE_AWARE_CACHE_THRESHOLD", "2.5")

	_, err := NewLoader().WithValidator(validator).Load()
	assert.Error(t, err)
}

func TestLoaderNonExistentFileFallsBackToDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/non/existent/path/config.yaml").Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, RoutingModeRegular, cfg.RoutingMode)
}

func TestLoaderInvalidYAMLReturnsError(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("routing_mode: [broken\n"), 0644))

	_, err := NewLoader().WithConfigPath(configPath).Load()
	assert.Error(t, err)
}

func TestMustLoadPanicsOnInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("routing_mode: [broken\n"), 0644))

	assert.Panics(t, func() { MustLoad(configPath) })
}
