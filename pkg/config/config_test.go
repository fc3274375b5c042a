package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTTAddress())
	assert.Equal(t, "localhost:6379", cfg.RedisAddress())
	assert.Equal(t, 30*24*time.Hour, cfg.Lookback())
	assert.Equal(t, 5*time.Minute, cfg.Window())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("JEEVES_MQTT_PORT", "1884")
	t.Setenv("JEEVES_STORE_BACKEND", "memory")
	t.Setenv("JEEVES_EVENT_SOURCE", "redis")
	t.Setenv("JEEVES_DETECTION_INTERVAL", "6h")
	t.Setenv("JEEVES_TARGET_SUCCESS_RATE", "0.9")
	t.Setenv("JEEVES_RUN_ON_START", "true")
	t.Setenv("JEEVES_LOOKBACK_DAYS", "not-a-number")

	cfg := NewConfig()
	cfg.LoadFromEnv()

	assert.Equal(t, 1884, cfg.MQTTPort)
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, "redis", cfg.EventSource)
	assert.Equal(t, 6*time.Hour, cfg.DetectionInterval)
	assert.Equal(t, 0.9, cfg.TargetSuccessRate)
	assert.True(t, cfg.RunOnStart)
	assert.Equal(t, 30, cfg.LookbackDays, "unparseable values keep the default")
	assert.NoError(t, cfg.Validate())
}

func TestLoadEnvFileDoesNotOverrideEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("JEEVES_HEALTH_PORT=9191\nJEEVES_LOG_LEVEL=debug\n"), 0o600))
	t.Setenv("JEEVES_ENV_FILE", path)
	t.Setenv("JEEVES_LOG_LEVEL", "warn")
	t.Cleanup(func() { os.Unsetenv("JEEVES_HEALTH_PORT") })

	cfg := NewConfig()
	cfg.LoadEnvFile()
	cfg.LoadFromEnv()

	assert.Equal(t, 9191, cfg.HealthPort)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestRegisterFlags(t *testing.T) {
	cfg := NewConfig()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--store=memory", "--event-source=redis", "--detection-interval=1h", "--timezone=Europe/Helsinki"}))

	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, time.Hour, cfg.DetectionInterval)
	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Helsinki", loc.String())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"empty broker", func(c *Config) { c.MQTTBroker = "" }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"unknown store", func(c *Config) { c.StoreBackend = "sqlite" }},
		{"unknown source", func(c *Config) { c.EventSource = "kafka" }},
		{"postgres source without postgres store", func(c *Config) { c.StoreBackend = "memory" }},
		{"set size too large", func(c *Config) { c.CoMaxSetSize = 4 }},
		{"zero target rate", func(c *Config) { c.TargetSuccessRate = 0 }},
		{"oversized weight step", func(c *Config) { c.MaxWeightStep = 0.9 }},
		{"bad time zone", func(c *Config) { c.TimeZone = "Mars/Olympus" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
