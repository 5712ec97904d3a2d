// Package alert dispatches drowsiness alerts with a cooldown, playing the
// alarm sound off the caller's goroutine.
//
// The cooldown here is independent from the detector's check-and-latch gate:
// a dispatch that reaches the scheduler inside the cooldown window is refused
// unless forced (test alerts).
//
// When no audio is available (no sink, or the sound failed to load) every
// dispatch degrades to a synchronous log notification and still counts as an
// alert.
package alert

import (
	"log/slog"
	"sync"
	"time"
)

// Config configures the scheduler.
type Config struct {
	// SoundPath is the alarm sound file handed to Sink.Load.
	SoundPath string
	// Cooldown is the minimum time between two non-forced dispatches.
	Cooldown time.Duration
	// Volume in [0, 1].
	Volume float64
	// PollInterval is how often the player checks for playback completion.
	PollInterval time.Duration
}

// DefaultConfig returns a 2 s cooldown at full volume.
func DefaultConfig() Config {
	return Config{
		SoundPath:    "assets/alarm.wav",
		Cooldown:     2 * time.Second,
		Volume:       1.0,
		PollInterval: 100 * time.Millisecond,
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now for cooldown checks.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets the logger (also the fallback notification channel).
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithFallback replaces the console notification used when audio is missing.
func WithFallback(fn func()) Option {
	return func(s *Scheduler) { s.fallback = fn }
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Alerts         uint64 `json:"alerts"`
	Suppressed     uint64 `json:"suppressed"`
	Fallbacks      uint64 `json:"fallbacks"`
	Playbacks      uint64 `json:"playbacks"`
	Interrupted    uint64 `json:"interrupted"`
	Coalesced      uint64 `json:"coalesced"`
	PlayFailures   uint64 `json:"play_failures"`
	AudioAvailable bool   `json:"audio_available"`
	Playing        bool   `json:"playing"`
}

// Scheduler is the alert dispatcher. Safe for concurrent use.
type Scheduler struct {
	cfg      Config
	now      func() time.Time
	log      *slog.Logger
	fallback func()

	sink   Sink
	player *player    // nil when audio is unavailable
	sinkMu sync.Mutex // orders caller-side sink calls against Close

	mu           sync.Mutex
	lastDispatch time.Time
	count        uint64
	suppressed   uint64
	fallbacks    uint64
	volume       float64
	closed       bool
}

// NewScheduler creates a scheduler. sink may be nil (no audio device). The
// sound is loaded here; a failure is logged once and the scheduler runs in
// fallback mode from then on.
func NewScheduler(cfg Config, sink Sink, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.Cooldown < 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}

	s := &Scheduler{
		cfg:    cfg,
		now:    time.Now,
		log:    slog.Default(),
		volume: clamp01(cfg.Volume),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.fallback == nil {
		s.fallback = s.consoleAlert
	}

	if sink == nil {
		s.log.Warn("alert scheduler running without audio support")
		return s
	}
	if err := sink.Load(cfg.SoundPath); err != nil {
		s.log.Warn("alarm sound unavailable, alerts will be logged only",
			"path", cfg.SoundPath,
			"error", err,
		)
		_ = sink.Close()
		return s
	}
	if err := sink.SetVolume(s.volume); err != nil {
		s.log.Warn("failed to set initial alert volume", "error", err)
	}

	s.sink = sink
	s.player = newPlayer(sink, cfg.PollInterval, s.log, s.countedFallback)
	s.log.Info("audio alert system initialized", "sound", cfg.SoundPath, "volume", s.volume)
	return s
}

// PlayAlert dispatches an alert. Unless force is set, a dispatch within
// Cooldown of the previous one is refused. Returns whether the alert was
// dispatched. Never blocks on playback.
func (s *Scheduler) PlayAlert(force bool) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	now := s.now()
	if !force && !s.lastDispatch.IsZero() && now.Sub(s.lastDispatch) < s.cfg.Cooldown {
		s.suppressed++
		s.mu.Unlock()
		return false
	}
	s.lastDispatch = now
	s.count++
	p := s.player
	s.mu.Unlock()

	if p == nil {
		s.countedFallback()
		return true
	}
	p.request()
	return true
}

// TestAlert dispatches an alert bypassing the cooldown. It returns true when
// the alert went to the audio sink, false when only the fallback fired.
func (s *Scheduler) TestAlert() bool {
	s.log.Info("testing alert system")
	if !s.PlayAlert(true) {
		return false
	}
	if !s.AudioAvailable() {
		s.log.Error("cannot test alert sound, audio system not available")
		return false
	}
	return true
}

// AudioAvailable reports whether alerts reach an audio sink.
func (s *Scheduler) AudioAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.player != nil
}

// AlertCount returns the number of dispatched alerts.
func (s *Scheduler) AlertCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// ResetCount zeroes the alert counter.
func (s *Scheduler) ResetCount() {
	s.mu.Lock()
	s.count = 0
	s.mu.Unlock()
	s.log.Info("alert count reset")
}

// SetVolume sets the playback volume clamped to [0, 1] and returns the value
// applied.
func (s *Scheduler) SetVolume(v float64) float64 {
	v = clamp01(v)
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()

	s.mu.Lock()
	s.volume = v
	sink, closed := s.sink, s.closed
	s.mu.Unlock()

	if sink != nil && !closed {
		if err := sink.SetVolume(v); err != nil {
			s.log.Error("failed to set volume", "error", err)
			return v
		}
	}
	s.log.Info("alert volume set", "volume", v)
	return v
}

// Volume returns the configured volume.
func (s *Scheduler) Volume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

// IsPlaying reports whether a sound is currently playing.
func (s *Scheduler) IsPlaying() bool {
	s.mu.Lock()
	p := s.player
	s.mu.Unlock()
	return p != nil && p.playing.Load()
}

// Stop interrupts the current alert sound, if any.
func (s *Scheduler) Stop() {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()

	s.mu.Lock()
	p, closed := s.player, s.closed
	s.mu.Unlock()
	if p != nil && !closed {
		p.stopPlayback()
	}
}

// Close stops the player and releases the audio sink. Idempotent.
func (s *Scheduler) Close() error {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	p, sink := s.player, s.sink
	s.mu.Unlock()

	if p == nil {
		return nil
	}
	p.close()
	err := sink.Close()
	if err != nil {
		s.log.Error("error during alert cleanup", "error", err)
	} else {
		s.log.Info("alert scheduler cleaned up")
	}
	return err
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Alerts:         s.count,
		Suppressed:     s.suppressed,
		Fallbacks:      s.fallbacks,
		AudioAvailable: s.player != nil,
	}
	p := s.player
	s.mu.Unlock()

	if p != nil {
		st.Playbacks = p.started.Load()
		st.Interrupted = p.interrupted.Load()
		st.Coalesced = p.coalesced.Load()
		st.PlayFailures = p.failures.Load()
		st.Playing = p.playing.Load()
	}
	return st
}

func (s *Scheduler) countedFallback() {
	s.mu.Lock()
	s.fallbacks++
	s.mu.Unlock()
	s.fallback()
}

func (s *Scheduler) consoleAlert() {
	s.log.Warn("DROWSINESS ALERT", "alert_count", s.AlertCount())
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
