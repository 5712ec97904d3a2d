package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid value")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks if the configuration is valid and fills derived defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return invalid("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return invalid("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateCamera(&cfg.Camera); err != nil {
		return err
	}
	if err := validateLandmarks(&cfg.Landmarks); err != nil {
		return err
	}

	// Detection thresholds
	d := &cfg.Detection
	if d.EARThreshold <= 0 || d.EARThreshold >= 1 {
		return invalid("detection.ear_threshold must be in (0, 1), got %v", d.EARThreshold)
	}
	if d.ConsecutiveFrames < 1 {
		return invalid("detection.consecutive_frames must be >= 1, got %d", d.ConsecutiveFrames)
	}
	if d.HistorySize <= 0 {
		d.HistorySize = 100
	}

	// Alert
	if cfg.Alert.CooldownS < 0 {
		return invalid("alert.cooldown_s must be >= 0, got %v", cfg.Alert.CooldownS)
	}
	if cfg.Alert.Volume < 0 || cfg.Alert.Volume > 1 {
		return invalid("alert.volume must be in [0, 1], got %v", cfg.Alert.Volume)
	}

	// Pipeline
	p := &cfg.Pipeline
	if p.UITickMS <= 0 {
		p.UITickMS = 10
	}
	if p.ShutdownGraceMS <= 0 {
		p.ShutdownGraceMS = 1000
	}
	if p.MaxReadFailures <= 0 {
		p.MaxReadFailures = 30
	}
	if p.StatsIntervalS < 0 {
		return invalid("pipeline.stats_interval_s must be >= 0")
	}

	if err := validateMQTT(cfg); err != nil {
		return err
	}

	// HTTP
	if cfg.HTTP.JPEGQuality < 1 || cfg.HTTP.JPEGQuality > 100 {
		cfg.HTTP.JPEGQuality = 70
	}
	if cfg.HTTP.StreamFPS <= 0 {
		cfg.HTTP.StreamFPS = 15
	}

	// Logging
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	case "":
		cfg.Logging.Level = "info"
	default:
		return invalid("logging.level %q unknown (debug, info, warn, error)", cfg.Logging.Level)
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	case "":
		cfg.Logging.Format = "text"
	default:
		return invalid("logging.format %q unknown (text, json)", cfg.Logging.Format)
	}

	return nil
}

func validateCamera(c *CameraConfig) error {
	switch strings.ToLower(c.Backend) {
	case "gstreamer", "opencv", "mock":
	case "":
		c.Backend = "gstreamer"
	default:
		return invalid("camera.backend %q unknown (gstreamer, opencv, mock)", c.Backend)
	}
	if c.Index < 0 {
		return invalid("camera.index must be >= 0, got %d", c.Index)
	}
	if c.URI != "" && strings.ToLower(c.Backend) != "gstreamer" {
		return invalid("camera.uri requires the gstreamer backend")
	}
	if c.Width <= 0 || c.Height <= 0 {
		return invalid("camera resolution must be positive, got %dx%d", c.Width, c.Height)
	}
	if c.FPS <= 0 {
		return invalid("camera.fps must be > 0")
	}
	return nil
}

func validateLandmarks(l *LandmarksConfig) error {
	switch strings.ToLower(l.Backend) {
	case "python":
		if len(l.Command) == 0 {
			return invalid("landmarks.command is required for the python backend")
		}
	case "scripted":
	default:
		return invalid("landmarks.backend %q unknown (python, scripted)", l.Backend)
	}
	for name, v := range map[string]float64{
		"min_detection_confidence": l.MinDetectionConfidence,
		"min_tracking_confidence":  l.MinTrackingConfidence,
	} {
		if v < 0 || v > 1 {
			return invalid("landmarks.%s must be in [0, 1], got %v", name, v)
		}
	}
	if l.TimeoutMS <= 0 {
		l.TimeoutMS = 2000
	}
	return nil
}

func validateMQTT(cfg *Config) error {
	m := &cfg.MQTT
	if !m.Enabled {
		return nil
	}

	// Validate MQTT broker
	if m.Broker == "" {
		return invalid("mqtt.broker is required when mqtt is enabled")
	}

	// Set default topics if not provided
	if m.Topics.Control == "" {
		m.Topics.Control = fmt.Sprintf("drowsy/control/%s", cfg.InstanceID)
	}
	if m.Topics.Events == "" {
		m.Topics.Events = fmt.Sprintf("drowsy/events/%s", cfg.InstanceID)
	}
	if m.Topics.Status == "" {
		m.Topics.Status = fmt.Sprintf("drowsy/status/%s", cfg.InstanceID)
	}
	if m.Topics.Health == "" {
		m.Topics.Health = fmt.Sprintf("drowsy/health/%s", cfg.InstanceID)
	}

	// Set default QoS if not provided
	if m.QoS == nil {
		m.QoS = map[string]byte{
			"control": 1,
			"events":  1,
			"status":  0,
			"health":  0,
		}
	}
	for topic, q := range m.QoS {
		if q > 2 {
			return invalid("mqtt.qos.%s must be 0, 1 or 2, got %d", topic, q)
		}
	}
	if m.StatusIntervalS <= 0 {
		m.StatusIntervalS = 5
	}
	return nil
}
