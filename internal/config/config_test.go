package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vungocdu/actiwell-iot-sub000/internal/config"
	"github.com/vungocdu/actiwell-iot-sub000/internal/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "actiwell.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"
pid_dir = "/run/actiwell"

[serial]
patterns = ["/dev/ttyUSB*"]
baud_rate = 19200
read_timeout = "250ms"
discovery_interval = "0s"

[hl7]
host = "127.0.0.1"
data_port = 3575
command_port = 0

[registry]
health_interval = "15s"
reconnect_delay = "5s"

[[devices]]
address = "/dev/ttyUSB3"
kind = "serial_scale"

[[devices]]
address = "0.0.0.0:3575"
kind = "hl7_analyzer"

[storage]
db_path = "/tmp/actiwell-test.db"
batch_size = 4

[redis]
enabled = true
addr = "redis:6379"
`)
	t.Setenv("ACTIWELL_CONFIG", path)

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, config.LogLevelDebug, cfg.LogLevel)
	assert.Equal(t, "/run/actiwell", cfg.PIDDir)
	assert.Equal(t, []string{"/dev/ttyUSB*"}, cfg.Serial.Patterns)
	assert.Equal(t, 19200, cfg.Serial.BaudRate)
	assert.Equal(t, 250*time.Millisecond, cfg.Serial.ReadTimeout)
	assert.Zero(t, cfg.Serial.DiscoveryInterval)
	assert.Equal(t, "127.0.0.1", cfg.HL7.Host)
	assert.Equal(t, 3575, cfg.HL7.DataPort)
	assert.Zero(t, cfg.HL7.CommandPort)
	assert.Equal(t, 15*time.Second, cfg.Registry.HealthInterval)
	assert.Equal(t, 5*time.Second, cfg.Registry.ReconnectDelay)
	require.Len(t, cfg.Devices, 2)
	assert.Equal(t, "/dev/ttyUSB3", cfg.Devices[0].Address)
	assert.Equal(t, "hl7_analyzer", cfg.Devices[1].Kind)
	assert.Equal(t, "/tmp/actiwell-test.db", cfg.Storage.DBPath)
	assert.Equal(t, 4, cfg.Storage.BatchSize)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, path, cfg.ConfigFile)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ACTIWELL_CONFIG", "")

	cfg, err := config.Load(nil)
	require.NoError(t, err, "Failed to load config")

	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, config.DefaultSerialPatterns, cfg.Serial.Patterns)
	assert.Equal(t, 9600, cfg.Serial.BaudRate)
	assert.True(t, cfg.HL7.Enabled)
	assert.Equal(t, 2575, cfg.HL7.DataPort)
	assert.Equal(t, 2580, cfg.HL7.CommandPort)
	assert.Equal(t, 30*time.Second, cfg.Registry.HealthInterval)
	assert.Equal(t, 10*time.Second, cfg.Registry.ReconnectDelay)
	assert.Equal(t, 5, cfg.Registry.ErrorThreshold)
	assert.True(t, cfg.Storage.Enabled)
	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.AMQP.Enabled)
	assert.Empty(t, cfg.Devices)
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	path := writeConfig(t, `
This is not a valid TOML file
`)
	t.Setenv("ACTIWELL_CONFIG", path)

	_, err := config.Load(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to read config file")
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := config.Load(nil, config.WithConfigFile(filepath.Join(t.TempDir(), "absent.toml")))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestInvalidLogLevel(t *testing.T) {
	path := writeConfig(t, `
log_level = "invalid"
`)
	t.Setenv("ACTIWELL_CONFIG", path)

	_, err := config.Load(nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidLogLevel))

	var verr config.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "log_level", verr.Field())
}

func TestFlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, `
log_level = "error"

[hl7]
data_port = 3000
`)

	cfg, err := config.Load([]string{
		"--config", path,
		"--log-level", "debug",
		"--hl7-port", "4000",
		"--no-storage",
	})
	require.NoError(t, err)
	assert.Equal(t, config.LogLevelDebug, cfg.LogLevel)
	assert.Equal(t, 4000, cfg.HL7.DataPort)
	assert.False(t, cfg.Storage.Enabled)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
[registry]
health_interval = "30s"
`)
	t.Setenv("ACTIWELL_CONFIG", path)
	t.Setenv("ACTIWELL_REGISTRY_HEALTH_INTERVAL", "45s")
	t.Setenv("ACTIWELL_LOG_LEVEL", "WARNING")

	cfg, err := config.Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Registry.HealthInterval)
	assert.Equal(t, config.LogLevelWarning, cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	t.Setenv("ACTIWELL_CONFIG", "")

	base := func(t *testing.T) *config.Config {
		t.Helper()
		cfg, err := config.Load(nil)
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*config.Config)
		code   errors.ErrorCode
	}{
		{"bad data port", func(c *config.Config) { c.HL7.DataPort = 70000 }, errors.ErrInvalidPort},
		{"same ports", func(c *config.Config) { c.HL7.CommandPort = c.HL7.DataPort }, errors.ErrInvalidPort},
		{"zero health interval", func(c *config.Config) { c.Registry.HealthInterval = 0 }, errors.ErrInvalidInterval},
		{"negative discovery", func(c *config.Config) { c.Serial.DiscoveryInterval = -time.Second }, errors.ErrInvalidInterval},
		{"baud rate", func(c *config.Config) { c.Serial.BaudRate = 0 }, errors.ErrInvalidConfig},
		{"device without address", func(c *config.Config) {
			c.Devices = []config.DeviceConfig{{Kind: "serial_scale"}}
		}, errors.ErrMissingConfig},
		{"storage path", func(c *config.Config) { c.Storage.DBPath = "" }, errors.ErrMissingConfig},
		{"flush interval", func(c *config.Config) { c.Storage.FlushInterval = 0 }, errors.ErrInvalidInterval},
		{"amqp url", func(c *config.Config) { c.AMQP.Enabled = true; c.AMQP.URL = "" }, errors.ErrMissingConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.code), err.Error())
		})
	}

	t.Run("hl7 disabled skips ports", func(t *testing.T) {
		cfg := base(t)
		cfg.HL7.Enabled = false
		cfg.HL7.DataPort = 0
		assert.NoError(t, cfg.Validate())
	})
}
