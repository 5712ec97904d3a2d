package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, 0.25, cfg.Detection.EARThreshold)
	assert.Equal(t, 20, cfg.Detection.ConsecutiveFrames)
	assert.Equal(t, 2*time.Second, cfg.AlertCooldown())
	assert.Equal(t, 100, cfg.Detection.HistorySize)
	assert.Equal(t, 10, cfg.Pipeline.UITickMS)
	assert.Equal(t, 1000, cfg.Pipeline.ShutdownGraceMS)
	assert.True(t, cfg.Pipeline.Mirror)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
instance_id: cab-7
detection:
  ear_threshold: 0.22
camera:
  backend: mock
mqtt:
  enabled: true
  broker: broker.local:1883
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "cab-7", cfg.InstanceID)
	assert.Equal(t, 0.22, cfg.Detection.EARThreshold)
	assert.Equal(t, 20, cfg.Detection.ConsecutiveFrames, "untouched keys keep defaults")
	assert.Equal(t, "mock", cfg.Camera.Backend)
	assert.Equal(t, 640, cfg.Camera.Width)

	assert.Equal(t, "drowsy/control/cab-7", cfg.MQTT.Topics.Control)
	assert.Equal(t, "drowsy/events/cab-7", cfg.MQTT.Topics.Events)
	assert.Equal(t, byte(1), cfg.MQTT.QoS["events"])
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "detection: [oops"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty instance", func(c *Config) { c.InstanceID = "" }},
		{"bad instance", func(c *Config) { c.InstanceID = "Cab 7" }},
		{"threshold zero", func(c *Config) { c.Detection.EARThreshold = 0 }},
		{"threshold one", func(c *Config) { c.Detection.EARThreshold = 1 }},
		{"frames zero", func(c *Config) { c.Detection.ConsecutiveFrames = 0 }},
		{"negative cooldown", func(c *Config) { c.Alert.CooldownS = -1 }},
		{"volume", func(c *Config) { c.Alert.Volume = 1.5 }},
		{"backend", func(c *Config) { c.Camera.Backend = "v4l" }},
		{"uri without gstreamer", func(c *Config) { c.Camera.Backend = "opencv"; c.Camera.URI = "file:///a.mp4" }},
		{"resolution", func(c *Config) { c.Camera.Width = 0 }},
		{"fps", func(c *Config) { c.Camera.FPS = 0 }},
		{"landmarks backend", func(c *Config) { c.Landmarks.Backend = "dlib" }},
		{"python without command", func(c *Config) { c.Landmarks.Command = nil }},
		{"confidence", func(c *Config) { c.Landmarks.MinTrackingConfidence = 2 }},
		{"mqtt broker", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Broker = "" }},
		{"mqtt qos", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.QoS = map[string]byte{"events": 3} }},
		{"log level", func(c *Config) { c.Logging.Level = "trace" }},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestValidateFillsZeroes(t *testing.T) {
	cfg := Default()
	cfg.Pipeline = PipelineConfig{}
	cfg.Detection.HistorySize = 0
	cfg.ShutdownTimeoutS = 0
	cfg.Logging.Level = ""
	require.NoError(t, Validate(cfg))
	assert.Equal(t, 10, cfg.Pipeline.UITickMS)
	assert.Equal(t, 30, cfg.Pipeline.MaxReadFailures)
	assert.Equal(t, 100, cfg.Detection.HistorySize)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout())
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvEARThreshold:      "0.21",
		EnvConsecutiveFrames: "15",
		EnvAlertCooldown:     "3.5",
		EnvCameraIndex:       "2",
		EnvCameraBackend:     "opencv",
		EnvMQTTBroker:        "mqtt:1883",
		EnvLogLevel:          "debug",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := Default()
	require.NoError(t, applyEnv(cfg, lookup))
	assert.Equal(t, 0.21, cfg.Detection.EARThreshold)
	assert.Equal(t, 15, cfg.Detection.ConsecutiveFrames)
	assert.Equal(t, 3500*time.Millisecond, cfg.AlertCooldown())
	assert.Equal(t, 2, cfg.Camera.Index)
	assert.Equal(t, "opencv", cfg.Camera.Backend)
	assert.Equal(t, "mqtt:1883", cfg.MQTT.Broker)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestApplyEnvBadNumber(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == EnvConsecutiveFrames {
			return "many", true
		}
		return "", false
	}
	err := applyEnv(Default(), lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvConsecutiveFrames)
}

func TestLoadAppliesEnv(t *testing.T) {
	t.Setenv(EnvEARThreshold, "0.3")
	cfg, err := Load(writeFile(t, "config.yaml", "instance_id: cab-1\n"))
	require.NoError(t, err)
	assert.Equal(t, 0.3, cfg.Detection.EARThreshold)
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, ".env", EnvLogLevel+"=warn\n")
	os.Unsetenv(EnvLogLevel)
	t.Cleanup(func() { os.Unsetenv(EnvLogLevel) })

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "warn", os.Getenv(EnvLogLevel))

	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")))
}
