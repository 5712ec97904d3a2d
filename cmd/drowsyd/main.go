package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/e7canasta/orion-drowsiness/internal/audio"
	"github.com/e7canasta/orion-drowsiness/internal/camera"
	"github.com/e7canasta/orion-drowsiness/internal/config"
	"github.com/e7canasta/orion-drowsiness/internal/core"
	"github.com/e7canasta/orion-drowsiness/internal/landmarks"
	"github.com/e7canasta/orion-drowsiness/internal/logging"
	"github.com/e7canasta/orion-drowsiness/internal/pipeline"
)

const defaultConfigPath = "config/drowsy.yaml"

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	demo := flag.Bool("demo", false, "Run with a synthetic camera and scripted landmarks")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "drowsyd: %v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath, *demo)
	if err != nil {
		fmt.Fprintf(os.Stderr, "drowsyd: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.Setup(cfg.Logging, *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "drowsyd: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	logger.Info("starting drowsiness monitor",
		"config", *configPath,
		"debug", *debug,
		"demo", *demo,
		"camera", cfg.Camera.Backend,
		"landmarks", cfg.Landmarks.Backend,
	)

	if err := run(cfg); err != nil {
		slog.Error("drowsiness monitor failed", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
	slog.Info("drowsiness monitor stopped successfully")
}

// loadConfig reads path. A missing file at the default path falls back to
// defaults plus environment overrides.
func loadConfig(path string, demo bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) || path != defaultConfigPath {
			return nil, err
		}
		cfg = config.Default()
		if err := config.ApplyEnv(cfg); err != nil {
			return nil, fmt.Errorf("invalid environment override: %w", err)
		}
	}
	if demo {
		cfg.Camera.Backend = camera.BackendMock
		cfg.Landmarks.Backend = "scripted"
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(cfg *config.Config) error {
	backends, err := openBackends(cfg)
	if err != nil {
		return err
	}

	svc, err := core.NewService(cfg, backends)
	if err != nil {
		backends.Source.Close()
		backends.Provider.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		errChan <- svc.Run(ctx) // Always send, even if nil
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		<-errChan
	case runErr = <-errChan:
		switch {
		case errors.Is(runErr, pipeline.ErrSourceUnavailable):
			slog.Error("camera lost", "error", runErr)
		case runErr != nil:
			slog.Error("service error", "error", runErr)
		default:
			slog.Info("service stopped (via control command)")
		}
	}

	shutdownTimeout := svc.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("shutdown failed: %w", err))
	}
	return runErr
}

// openBackends opens the camera, the landmark provider and the speaker.
// A missing audio device is not fatal: alerts fall back to the console.
func openBackends(cfg *config.Config) (core.Backends, error) {
	src, err := camera.Open(camera.Config{
		Backend: cfg.Camera.Backend,
		Device:  cfg.Camera.Index,
		URI:     cfg.Camera.URI,
		Width:   cfg.Camera.Width,
		Height:  cfg.Camera.Height,
		FPS:     cfg.Camera.FPS,
	})
	if err != nil {
		return core.Backends{}, fmt.Errorf("failed to open camera: %w", err)
	}

	var provider pipeline.Provider
	switch cfg.Landmarks.Backend {
	case "scripted":
		provider = landmarks.NewScripted(nil)
	default:
		pcfg := landmarks.DefaultPythonConfig()
		if len(cfg.Landmarks.Command) > 0 {
			pcfg.Command = cfg.Landmarks.Command
		}
		pcfg.MinDetectionConfidence = cfg.Landmarks.MinDetectionConfidence
		pcfg.MinTrackingConfidence = cfg.Landmarks.MinTrackingConfidence
		if cfg.Landmarks.TimeoutMS > 0 {
			pcfg.Timeout = time.Duration(cfg.Landmarks.TimeoutMS) * time.Millisecond
		}
		p, err := landmarks.NewPythonProvider(pcfg)
		if err != nil {
			src.Close()
			return core.Backends{}, fmt.Errorf("failed to start landmark worker: %w", err)
		}
		provider = p
	}

	return core.Backends{
		Source:   src,
		Provider: provider,
		Sound:    audio.NewSpeaker(),
	}, nil
}
