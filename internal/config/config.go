package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete drowsiness monitor configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // graceful shutdown timeout in seconds (default: 5)
	Camera           CameraConfig    `yaml:"camera"`
	Landmarks        LandmarksConfig `yaml:"landmarks"`
	Detection        DetectionConfig `yaml:"detection"`
	Alert            AlertConfig     `yaml:"alert"`
	Pipeline         PipelineConfig  `yaml:"pipeline"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	HTTP             HTTPConfig      `yaml:"http"`
	EventLog         EventLogConfig  `yaml:"eventlog"`
	Logging          LoggingConfig   `yaml:"logging"`
}

// CameraConfig contains camera settings
type CameraConfig struct {
	Backend string  `yaml:"backend"` // gstreamer, opencv, mock
	Index   int     `yaml:"index"`
	URI     string  `yaml:"uri"` // gstreamer only, replaces index
	Width   int     `yaml:"width"`
	Height  int     `yaml:"height"`
	FPS     float64 `yaml:"fps"`
}

// LandmarksConfig contains face landmark provider settings
type LandmarksConfig struct {
	Backend                string   `yaml:"backend"` // python, scripted
	Command                []string `yaml:"command"`
	MinDetectionConfidence float64  `yaml:"min_detection_confidence"`
	MinTrackingConfidence  float64  `yaml:"min_tracking_confidence"`
	TimeoutMS              int      `yaml:"timeout_ms"`
}

// DetectionConfig contains drowsiness thresholds
type DetectionConfig struct {
	EARThreshold      float64 `yaml:"ear_threshold"`
	ConsecutiveFrames int     `yaml:"consecutive_frames"`
	HistorySize       int     `yaml:"history_size"`
}

// AlertConfig contains alarm settings
type AlertConfig struct {
	SoundPath string  `yaml:"sound_path"`
	CooldownS float64 `yaml:"cooldown_s"`
	Volume    float64 `yaml:"volume"`
}

// PipelineConfig contains producer/consumer loop settings
type PipelineConfig struct {
	UITickMS        int  `yaml:"ui_tick_ms"`
	ShutdownGraceMS int  `yaml:"shutdown_grace_ms"`
	MaxReadFailures int  `yaml:"max_read_failures"`
	Mirror          bool `yaml:"mirror"`
	Annotate        bool `yaml:"annotate"`
	StatsIntervalS  int  `yaml:"stats_interval_s"` // console readout, 0 disables
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled bool            `yaml:"enabled"`
	Broker  string          `yaml:"broker"`
	Topics  MQTTTopics      `yaml:"topics"`
	QoS     map[string]byte `yaml:"qos"`
	// StatusIntervalS is the period of retained status messages.
	StatusIntervalS int `yaml:"status_interval_s"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control string `yaml:"control"`
	Events  string `yaml:"events"`
	Status  string `yaml:"status"`
	Health  string `yaml:"health"`
}

// HTTPConfig contains the status/control server settings
type HTTPConfig struct {
	Addr        string `yaml:"addr"` // empty disables the server
	JPEGQuality int    `yaml:"jpeg_quality"`
	StreamFPS   int    `yaml:"stream_fps"`
}

// EventLogConfig contains the sqlite journal settings
type EventLogConfig struct {
	Path string `yaml:"path"` // empty disables the journal
}

// LoggingConfig contains log output settings
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // text, json
	File       string `yaml:"file"`   // optional rotated log file
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns the stock configuration. Load starts from it, so a file
// only needs the keys it changes.
func Default() *Config {
	return &Config{
		InstanceID:       "drowsy-01",
		ShutdownTimeoutS: 5,
		Camera: CameraConfig{
			Backend: "gstreamer",
			Width:   640,
			Height:  480,
			FPS:     30,
		},
		Landmarks: LandmarksConfig{
			Backend:                "python",
			Command:                []string{"python3", "workers/face_mesh_worker.py"},
			MinDetectionConfidence: 0.5,
			MinTrackingConfidence:  0.5,
			TimeoutMS:              2000,
		},
		Detection: DetectionConfig{
			EARThreshold:      0.25,
			ConsecutiveFrames: 20,
			HistorySize:       100,
		},
		Alert: AlertConfig{
			SoundPath: "assets/alarm.wav",
			CooldownS: 2.0,
			Volume:    1.0,
		},
		Pipeline: PipelineConfig{
			UITickMS:        10,
			ShutdownGraceMS: 1000,
			MaxReadFailures: 30,
			Mirror:          true,
			Annotate:        true,
		},
		MQTT: MQTTConfig{
			Broker:          "localhost:1883",
			StatusIntervalS: 5,
		},
		HTTP: HTTPConfig{
			Addr:        ":8080",
			JPEGQuality: 70,
			StreamFPS:   15,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

// Load reads and parses a YAML configuration file, applies environment
// overrides and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Parse decodes YAML on top of Default. It does not validate.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// AlertCooldown returns the cooldown as a duration.
func (c *Config) AlertCooldown() time.Duration {
	return time.Duration(c.Alert.CooldownS * float64(time.Second))
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}
