package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/e7canasta/orion-drowsiness/internal/alert"
	"github.com/e7canasta/orion-drowsiness/internal/config"
	"github.com/e7canasta/orion-drowsiness/internal/control"
	"github.com/e7canasta/orion-drowsiness/internal/drowsiness"
	"github.com/e7canasta/orion-drowsiness/internal/emitter"
	"github.com/e7canasta/orion-drowsiness/internal/eventlog"
	"github.com/e7canasta/orion-drowsiness/internal/pipeline"
	"github.com/e7canasta/orion-drowsiness/internal/render"
	"github.com/e7canasta/orion-drowsiness/internal/types"
)

// Source is a camera with capture statistics.
type Source interface {
	pipeline.Source
	Stats() types.StreamStats
}

// Backends are the hardware-facing components, opened by the caller.
// The service owns them from NewService on.
type Backends struct {
	Source   Source
	Provider pipeline.Provider
	// Sound plays the alarm. Nil selects the console fallback.
	Sound alert.Sink
}

// Option configures a Service.
type Option func(*Service)

// WithConsole redirects the statistics readout (stdout by default).
func WithConsole(w io.Writer) Option {
	return func(s *Service) { s.consoleOut = w }
}

// Service wires detection, alerting, the control plane and the outer
// surfaces around one pipeline.
type Service struct {
	cfg *config.Config

	// Core components
	source     Source
	detector   *drowsiness.Detector
	alerts     *alert.Scheduler
	pipe       *pipeline.Pipeline
	hub        *render.Hub
	console    *render.Console
	journal    *eventlog.Log
	emitter    *emitter.MQTTEmitter
	commands   *control.Handler // HTTP control, always present
	remote     *control.Handler // MQTT control, after a successful connect
	mux        *http.ServeMux
	server     *http.Server
	consoleOut io.Writer

	// Lifecycle management
	started      time.Time
	mu           sync.RWMutex
	wg           sync.WaitGroup
	isRunning    bool
	cancelCtx    context.CancelFunc
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewService builds every component from cfg. cfg must be validated.
func NewService(cfg *config.Config, b Backends, opts ...Option) (*Service, error) {
	if b.Source == nil || b.Provider == nil {
		return nil, errors.New("core: camera source and landmark provider are required")
	}

	s := &Service{cfg: cfg, source: b.Source}
	for _, opt := range opts {
		opt(s)
	}

	s.detector = drowsiness.New(drowsiness.Config{
		EARThreshold:      cfg.Detection.EARThreshold,
		ConsecutiveFrames: cfg.Detection.ConsecutiveFrames,
		AlertCooldown:     cfg.AlertCooldown(),
		HistorySize:       cfg.Detection.HistorySize,
	})

	alertCfg := alert.DefaultConfig()
	alertCfg.SoundPath = cfg.Alert.SoundPath
	alertCfg.Cooldown = cfg.AlertCooldown()
	alertCfg.Volume = cfg.Alert.Volume
	s.alerts = alert.NewScheduler(alertCfg, b.Sound)

	if cfg.EventLog.Path != "" {
		journal, err := eventlog.Open(cfg.EventLog.Path)
		if err != nil {
			s.alerts.Close()
			return nil, fmt.Errorf("failed to open event log: %w", err)
		}
		s.journal = journal
	}

	if cfg.MQTT.Enabled {
		s.emitter = emitter.NewMQTTEmitter(cfg.MQTT, cfg.InstanceID)
	}

	s.hub = render.NewHub(render.HubConfig{
		JPEGQuality:      cfg.HTTP.JPEGQuality,
		MinFrameInterval: time.Second / time.Duration(cfg.HTTP.StreamFPS),
	}, slog.Default())

	sinks := render.Multi{s.hub}
	if cfg.Pipeline.StatsIntervalS > 0 {
		s.console = render.NewConsole(s.consoleOut, time.Duration(cfg.Pipeline.StatsIntervalS)*time.Second, s.snapshot)
		sinks = append(sinks, s.console)
	}

	pcfg := pipeline.DefaultConfig()
	pcfg.UITick = time.Duration(cfg.Pipeline.UITickMS) * time.Millisecond
	pcfg.ShutdownGrace = time.Duration(cfg.Pipeline.ShutdownGraceMS) * time.Millisecond
	pcfg.MaxReadFailures = cfg.Pipeline.MaxReadFailures
	pcfg.Mirror = cfg.Pipeline.Mirror
	pcfg.Annotate = cfg.Pipeline.Annotate
	s.pipe = pipeline.New(pcfg, b.Source, b.Provider, s.detector, s.alerts, sinks)

	s.commands = control.NewHandler(cfg.MQTT, nil, s.callbacks())
	s.mux = s.routes()

	slog.Info("drowsiness service configured",
		"instance_id", cfg.InstanceID,
		"ear_threshold", cfg.Detection.EARThreshold,
		"consecutive_frames", cfg.Detection.ConsecutiveFrames,
		"audio", s.alerts.AudioAvailable(),
		"mqtt", cfg.MQTT.Enabled,
		"eventlog", cfg.EventLog.Path != "",
	)
	return s, nil
}

// Run starts the service and blocks until ctx is cancelled, a shutdown
// command arrives, or the camera is lost (pipeline.ErrSourceUnavailable).
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	s.cancelCtx = cancel
	s.mu.Unlock()
	defer cancel()

	slog.Info("drowsiness service starting", "instance_id", s.cfg.InstanceID)

	if s.cfg.HTTP.Addr != "" {
		s.startHTTPServer(s.cfg.HTTP.Addr)
	}

	// Remote plane is optional: detection keeps running without a broker.
	if s.emitter != nil {
		if err := s.emitter.Connect(ctx); err != nil {
			slog.Warn("mqtt unavailable, continuing without remote control", "error", err)
		} else {
			remote := control.NewHandler(s.cfg.MQTT, s.emitter.Client(), s.callbacks())
			if err := remote.Start(ctx); err != nil {
				slog.Warn("failed to start control plane", "error", err)
			} else {
				s.mu.Lock()
				s.remote = remote
				s.mu.Unlock()
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.publishStatus(ctx)
			}()
		}
	}

	if err := s.pipe.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.fanOutEvents(ctx)
	}()

	slog.Info("drowsiness service running")

	select {
	case <-ctx.Done():
		slog.Info("drowsiness service run loop exiting")
		return nil
	case <-s.pipe.Done():
		if err := s.pipe.Err(); err != nil {
			slog.Error("pipeline stopped", "error", err)
			return err
		}
		return nil
	}
}

// Shutdown performs graceful shutdown of all components. Safe to call
// without Run (it still releases the camera, landmarks and audio).
func (s *Service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Service) shutdown(ctx context.Context) error {
	slog.Info("shutting down drowsiness service")

	s.mu.Lock()
	if s.cancelCtx != nil {
		s.cancelCtx()
	}
	remote := s.remote
	server := s.server
	s.mu.Unlock()

	var errs []error

	// 1. Pipeline: camera, landmarks and audio in that order, bounded by ctx
	stopped := make(chan error, 1)
	go func() { stopped <- s.pipe.Stop() }()
	select {
	case err := <-stopped:
		if err != nil {
			slog.Error("failed to stop pipeline", "error", err)
			errs = append(errs, err)
		}
	case <-ctx.Done():
		slog.Warn("pipeline did not stop before shutdown deadline, continuing")
	}

	// 2. Control plane
	if remote != nil {
		if err := remote.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}

	// 3. Background goroutines, bounded by ctx
	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		s.drainEvents()
	case <-ctx.Done():
		slog.Warn("background goroutines did not finish before shutdown deadline")
	}

	// 4. HTTP server and websocket clients
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("failed to stop http server", "error", err)
		}
	}
	s.hub.Close()

	// 5. MQTT and journal
	if s.emitter != nil {
		s.emitter.Disconnect()
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event log: %w", err))
		}
	}
	if s.console != nil {
		s.console.Flush()
	}

	s.mu.Lock()
	var uptime time.Duration
	if !s.started.IsZero() {
		uptime = time.Since(s.started)
	}
	s.isRunning = false
	s.mu.Unlock()

	slog.Info("drowsiness service shutdown complete",
		"uptime", uptime.Round(time.Second),
		"drowsiness_events", s.detector.TotalEvents(),
		"alerts", s.alerts.AlertCount(),
	)
	return errors.Join(errs...)
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (s *Service) ShutdownTimeout() time.Duration {
	if t := s.cfg.ShutdownTimeout(); t > 0 {
		return t
	}
	return 5 * time.Second
}

// Handler returns the HTTP routes (health, status, control, websocket).
func (s *Service) Handler() http.Handler {
	return s.mux
}

func (s *Service) startHTTPServer(addr string) {
	server := &http.Server{
		Addr:        addr,
		Handler:     s.mux,
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	s.mu.Lock()
	s.server = server
	s.mu.Unlock()

	slog.Info("starting http server",
		"addr", addr,
		"endpoints", []string{"/health", "/readiness", "/status", "/events", "/control/reset", "/control/test-alert", "/ws"},
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
		}
	}()
}

// fanOutEvents journals and forwards pipeline events until ctx ends.
func (s *Service) fanOutEvents(ctx context.Context) {
	events := s.pipe.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			s.dispatch(e)
		}
	}
}

// drainEvents dispatches whatever is still buffered after the pipeline stopped.
func (s *Service) drainEvents() {
	for {
		select {
		case e := <-s.pipe.Events():
			s.dispatch(e)
		default:
			return
		}
	}
}

func (s *Service) dispatch(e pipeline.Event) {
	switch e.Kind {
	case pipeline.EpisodeStarted, pipeline.SourceLost:
		slog.Warn("drowsiness event", "kind", e.Kind, "seq", e.Seq, "ear", e.EAR, "total_events", e.TotalEvents, "detail", e.Detail)
	default:
		slog.Info("drowsiness event", "kind", e.Kind, "seq", e.Seq, "ear", e.EAR, "alerts", e.AlertCount)
	}

	if s.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.journal.Record(ctx, e); err != nil {
			slog.Error("failed to journal event", "kind", e.Kind, "error", err)
		}
		cancel()
	}
	if s.emitter != nil {
		if err := s.emitter.PublishEvent(e); err != nil {
			slog.Debug("event not published", "kind", e.Kind, "error", err)
		}
	}
	s.hub.PublishEvent(e)
}

// publishStatus sends a retained status snapshot every StatusIntervalS.
func (s *Service) publishStatus(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.MQTT.StatusIntervalS) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.emitter.PublishStatus(s.getStatus()); err != nil {
				slog.Debug("status not published", "error", err)
			}
		}
	}
}

func (s *Service) snapshot() render.Snapshot {
	return render.Snapshot{
		Pipeline: s.pipe.Stats(),
		Alerts:   s.alerts.Stats(),
		Camera:   s.source.Stats(),
	}
}
