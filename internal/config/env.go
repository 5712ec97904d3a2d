package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment overrides, applied after the YAML file.
const (
	EnvEARThreshold      = "DROWSY_EAR_THRESHOLD"
	EnvConsecutiveFrames = "DROWSY_CONSECUTIVE_FRAMES"
	EnvAlertCooldown     = "DROWSY_ALERT_COOLDOWN_S"
	EnvCameraIndex       = "DROWSY_CAMERA_INDEX"
	EnvCameraBackend     = "DROWSY_CAMERA_BACKEND"
	EnvMQTTBroker        = "DROWSY_MQTT_BROKER"
	EnvLogLevel          = "DROWSY_LOG_LEVEL"
)

// LoadDotEnv reads .env files into the process environment. Missing files
// are not an error; variables already set are kept.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				slog.Debug("no .env file found, using process environment", "file", f)
				continue
			}
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
		slog.Debug("loaded .env file", "file", f)
	}
	return nil
}

// ApplyEnv overrides cfg from DROWSY_* variables.
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, os.LookupEnv)
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvEARThreshold); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvEARThreshold, err)
		}
		cfg.Detection.EARThreshold = f
	}
	if v, ok := lookup(EnvConsecutiveFrames); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvConsecutiveFrames, err)
		}
		cfg.Detection.ConsecutiveFrames = n
	}
	if v, ok := lookup(EnvAlertCooldown); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvAlertCooldown, err)
		}
		cfg.Alert.CooldownS = f
	}
	if v, ok := lookup(EnvCameraIndex); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvCameraIndex, err)
		}
		cfg.Camera.Index = n
	}
	if v, ok := lookup(EnvCameraBackend); ok && v != "" {
		cfg.Camera.Backend = v
	}
	if v, ok := lookup(EnvMQTTBroker); ok && v != "" {
		cfg.MQTT.Broker = v
		cfg.MQTT.Enabled = true
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Logging.Level = v
	}
	return nil
}
