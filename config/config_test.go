package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imattdu/xrayagent/errorx"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "XRayInstrumentedService", cfg.ServiceName)
	assert.True(t, cfg.TracingEnabled)
	assert.Equal(t, ContextMissingLog, cfg.ContextMissingStrategy)
	assert.Equal(t, "127.0.0.1:2000", cfg.DaemonAddress)
	assert.Equal(t, "CENTRAL", cfg.SamplingStrategy)
	assert.Equal(t, 5*time.Minute, cfg.RuleRefreshInterval.D())
	assert.Equal(t, 0.05, cfg.DefaultFixedRate)
	assert.Equal(t, 1, cfg.DefaultReservoirSize)
	assert.Equal(t, 65000, cfg.MaxDatagramSize)
	assert.Equal(t, 50, cfg.MaxStackTraceLength)
	assert.Equal(t, 100, cfg.StreamingThreshold)
	assert.Equal(t, 10*time.Minute, cfg.IdleCeiling.D())
	assert.Equal(t, "goroutine", cfg.ContextStrategy)
	assert.True(t, cfg.TraceIDInjection)
	assert.NoError(t, cfg.Validate())
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"serviceName": "orders",
		"samplingStrategy": "local",
		"ruleRefreshInterval": "30s",
		"idleCeiling": 60000000000,
		"streamingThreshold": 20,
		"contextStrategy": "CONTEXT"
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "orders", cfg.ServiceName)
	assert.Equal(t, "LOCAL", cfg.SamplingStrategy)
	assert.Equal(t, 30*time.Second, cfg.RuleRefreshInterval.D())
	assert.Equal(t, time.Minute, cfg.IdleCeiling.D())
	assert.Equal(t, 20, cfg.StreamingThreshold)
	assert.Equal(t, "context", cfg.ContextStrategy)
	// 文件里没写的保持默认
	assert.Equal(t, 65000, cfg.MaxDatagramSize)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"serviceName":"from-file","daemonAddress":"10.0.0.1:2000"}`), 0o644))

	envVars := map[string]string{
		"AWS_XRAY_TRACING_NAME":          "from-env",
		"AWS_XRAY_CONTEXT_MISSING":       "ignore_error",
		"AWS_XRAY_TRACING_ENABLED":       "false",
		"XRAY_AGENT_DEFAULT_RATE":        "0.5",
		"XRAY_AGENT_IDLE_CEILING":        "90s",
		"XRAY_AGENT_TRACE_ID_PREFIX":     "xray_",
		"XRAY_AGENT_MAX_DATAGRAM_SIZE":   "32000",
		"XRAY_AGENT_COLLECT_SQL":         "true",
		"XRAY_AGENT_SAMPLING_STRATEGY":   "ALL",
		"XRAY_AGENT_CONTEXT_STRATEGY":    "context",
		"XRAY_AGENT_STREAMING_THRESHOLD": "0",
	}
	for key, value := range envVars {
		require.NoError(t, os.Setenv(key, value))
		defer os.Unsetenv(key)
	}
	require.NoError(t, os.Setenv(EnvFile, path))
	defer os.Unsetenv(EnvFile)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.ServiceName)
	assert.Equal(t, "10.0.0.1:2000", cfg.DaemonAddress)
	assert.Equal(t, ContextMissingIgnore, cfg.ContextMissingStrategy)
	assert.False(t, cfg.TracingEnabled)
	assert.Equal(t, 0.5, cfg.DefaultFixedRate)
	assert.Equal(t, 90*time.Second, cfg.IdleCeiling.D())
	assert.Equal(t, "xray_", cfg.TraceIDInjectionPrefix)
	assert.Equal(t, 32000, cfg.MaxDatagramSize)
	assert.True(t, cfg.CollectSQLQueries)
	assert.Equal(t, "ALL", cfg.SamplingStrategy)
	assert.Equal(t, 0, cfg.StreamingThreshold)
}

func TestLoadDaemonAddressEnv(t *testing.T) {
	require.NoError(t, os.Setenv("AWS_XRAY_DAEMON_ADDRESS", "tcp:127.0.0.1:3000 udp:127.0.0.1:3001"))
	defer os.Unsetenv("AWS_XRAY_DAEMON_ADDRESS")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "tcp:127.0.0.1:3000 udp:127.0.0.1:3001", cfg.DaemonAddress)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.True(t, errorx.Is(err, errorx.ErrInvalidConfig))

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"idleCeiling":"soon"}`), 0o644))
	_, err = Load(bad)
	assert.True(t, errorx.Is(err, errorx.ErrInvalidConfig))

	require.NoError(t, os.Setenv("XRAY_AGENT_DEFAULT_RESERVOIR", "many"))
	defer os.Unsetenv("XRAY_AGENT_DEFAULT_RESERVOIR")
	cfg, err := LoadOrDefault("")
	assert.Error(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(c *Config){
		"context missing":  func(c *Config) { c.ContextMissingStrategy = "PANIC" },
		"sampling":         func(c *Config) { c.SamplingStrategy = "SOMETIMES" },
		"context strategy": func(c *Config) { c.ContextStrategy = "thread" },
		"daemon":           func(c *Config) { c.DaemonAddress = "nowhere" },
		"rate":             func(c *Config) { c.DefaultFixedRate = 1.5 },
		"reservoir":        func(c *Config) { c.DefaultReservoirSize = -1 },
		"datagram":         func(c *Config) { c.MaxDatagramSize = 0 },
		"stack":            func(c *Config) { c.MaxStackTraceLength = -1 },
		"idle":             func(c *Config) { c.IdleCeiling = 0 },
		"reap":             func(c *Config) { c.ReapInterval = -1 },
	} {
		cfg := Default()
		mutate(cfg)
		err := cfg.Validate()
		assert.True(t, errorx.Is(err, errorx.ErrInvalidConfig), name)
	}
}

func TestLogConfig(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "debug"
	lc := cfg.LogConfig()
	assert.Equal(t, slog.LevelDebug, lc.Level)
	assert.True(t, lc.ConsoleEnabled)
	assert.Equal(t, cfg.ServiceName, lc.AppName)
}
