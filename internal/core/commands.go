package core

import (
	"fmt"
	"time"

	"github.com/e7canasta/orion-drowsiness/internal/control"
)

func (s *Service) callbacks() control.CommandCallbacks {
	return control.CommandCallbacks{
		OnGetStatus:            s.getStatus,
		OnResetStatistics:      s.resetStatistics,
		OnTestAlert:            s.testAlert,
		OnSetVolume:            s.setVolume,
		OnSetThreshold:         s.detector.SetThreshold,
		OnSetConsecutiveFrames: s.detector.SetConsecutiveFrames,
		OnShutdown:             s.shutdownViaControl,
	}
}

// getStatus returns the current service status
func (s *Service) getStatus() map[string]any {
	s.mu.RLock()
	running := s.isRunning
	var uptime float64
	if !s.started.IsZero() {
		uptime = time.Since(s.started).Seconds()
	}
	s.mu.RUnlock()

	status := map[string]any{
		"instance_id": s.cfg.InstanceID,
		"uptime_s":    uptime,
		"running":     running,
		"detection":   s.detector.Status(),
		"ear_history": s.detector.Statistics(),
		"alerts":      s.alerts.Stats(),
		"volume":      s.alerts.Volume(),
		"pipeline":    s.pipe.Stats(),
		"camera":      s.source.Stats(),
		"websocket":   s.hub.Stats(),
	}
	if r := s.pipe.Latest(); r != nil {
		status["latest"] = r.Status
	}
	if s.emitter != nil {
		status["mqtt"] = s.emitter.Stats()
	}
	return status
}

// resetStatistics zeroes the drowsiness totals and the alert count
func (s *Service) resetStatistics() error {
	s.detector.ResetStatistics()
	s.alerts.ResetCount()
	return nil
}

// testAlert plays the alarm bypassing the cooldown
func (s *Service) testAlert() (bool, error) {
	return s.alerts.TestAlert(), nil
}

func (s *Service) setVolume(v float64) (float64, error) {
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("volume must be in [0, 1], got %v", v)
	}
	return s.alerts.SetVolume(v), nil
}

// shutdownViaControl initiates graceful shutdown via a control command
func (s *Service) shutdownViaControl() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.isRunning {
		return fmt.Errorf("service not running")
	}
	if s.cancelCtx == nil {
		return fmt.Errorf("shutdown not available (no cancel context)")
	}

	// Run returns and main drives the graceful shutdown sequence
	s.cancelCtx()
	return nil
}
