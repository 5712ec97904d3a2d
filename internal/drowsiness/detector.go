// Package drowsiness converts a stream of EAR samples into drowsy/awake
// verdicts.
//
// State machine:
//
//	AWAKE --(ConsecutiveFrames closed samples in a row)--> DROWSY
//	AWAKE|DROWSY --(open sample or no face)--> AWAKE
//
// Recovery is immediate: any non-closed sample cancels a developing or active
// episode. Entering DROWSY is edge triggered, so TotalEvents counts episodes,
// not frames.
//
// Alerting uses check-and-latch semantics through CheckAlert: a Drowsy
// detector whose cooldown has elapsed returns Alertable exactly once and
// stamps the dispatch time; callers must act on the verdict they receive.
package drowsiness

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/orion-drowsiness/internal/geometry"
)

// State is the detector state.
type State int

const (
	// Awake: eyes open, or closed for fewer than ConsecutiveFrames samples.
	Awake State = iota
	// Drowsy: eyes closed for at least ConsecutiveFrames samples.
	Drowsy
)

func (s State) String() string {
	switch s {
	case Drowsy:
		return "DROWSY"
	default:
		return "AWAKE"
	}
}

// Verdict is the result of CheckAlert.
type Verdict int

const (
	// Cooled: no alert now (awake, or cooldown still running).
	Cooled Verdict = iota
	// Alertable: an alert must be dispatched; the cooldown latch is set.
	Alertable
)

func (v Verdict) String() string {
	if v == Alertable {
		return "alertable"
	}
	return "cooled"
}

// Config holds the detection thresholds.
type Config struct {
	// EARThreshold: samples strictly below it count as closed eyes.
	EARThreshold float64
	// ConsecutiveFrames: closed samples in a row needed to enter Drowsy.
	ConsecutiveFrames int
	// AlertCooldown: minimum time between two Alertable verdicts.
	AlertCooldown time.Duration
	// HistorySize: capacity of the EAR history ring buffer.
	HistorySize int
}

// DefaultConfig returns the stock thresholds (0.25 EAR, 20 frames ≈ 0.67 s at
// 30 fps, 2 s cooldown, 100 samples of history).
func DefaultConfig() Config {
	return Config{
		EARThreshold:      0.25,
		ConsecutiveFrames: 20,
		AlertCooldown:     2 * time.Second,
		HistorySize:       100,
	}
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock replaces time.Now, used for the alert cooldown.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithLogger sets the logger used for episode transitions.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.log = l }
}

// Detector is the drowsiness state machine. Safe for concurrent use.
type Detector struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time
	log *slog.Logger

	closedFrames int
	state        State
	totalEvents  uint64
	lastAlert    time.Time // zero = never alerted
	history      *History
}

// New creates a detector. Zero-valued fields in cfg fall back to
// DefaultConfig.
func New(cfg Config, opts ...Option) *Detector {
	def := DefaultConfig()
	if cfg.EARThreshold <= 0 {
		cfg.EARThreshold = def.EARThreshold
	}
	if cfg.ConsecutiveFrames <= 0 {
		cfg.ConsecutiveFrames = def.ConsecutiveFrames
	}
	if cfg.AlertCooldown < 0 {
		cfg.AlertCooldown = def.AlertCooldown
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}

	d := &Detector{
		cfg:     cfg,
		now:     time.Now,
		log:     slog.Default(),
		history: NewHistory(cfg.HistorySize),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.log.Info("drowsiness detector initialized",
		"ear_threshold", cfg.EARThreshold,
		"consecutive_frames", cfg.ConsecutiveFrames,
		"alert_cooldown", cfg.AlertCooldown,
		"history_size", cfg.HistorySize,
	)
	return d
}

// Update feeds one sample and returns true while the detector is Drowsy.
func (d *Detector) Update(s geometry.Sample) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s.OK {
		d.history.Push(s.Value)
	}

	if s.OK && s.Value < d.cfg.EARThreshold {
		d.closedFrames++
		if d.closedFrames >= d.cfg.ConsecutiveFrames && d.state == Awake {
			d.state = Drowsy
			d.totalEvents++
			d.log.Warn("drowsiness detected",
				"event", d.totalEvents,
				"closed_frames", d.closedFrames,
				"ear", s.Value,
			)
		}
		return d.state == Drowsy
	}

	if d.closedFrames > 0 {
		d.log.Debug("eyes opened, closed-frame counter reset",
			"closed_frames", d.closedFrames,
			"sample", s.String(),
		)
	}
	d.closedFrames = 0
	d.state = Awake
	return false
}

// CheckAlert is the check-and-latch alert gate. It returns Alertable only
// when Drowsy and AlertCooldown has elapsed since the previous Alertable
// verdict, and records the current time as the new dispatch time. Calling it
// twice in a row therefore returns Alertable at most once.
func (d *Detector) CheckAlert() Verdict {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != Drowsy {
		return Cooled
	}
	now := d.now()
	if !d.lastAlert.IsZero() && now.Sub(d.lastAlert) < d.cfg.AlertCooldown {
		return Cooled
	}
	d.lastAlert = now
	return Alertable
}

// State returns the current state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// TotalEvents returns the number of drowsy episodes since the last
// ResetStatistics.
func (d *Detector) TotalEvents() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalEvents
}

// Progress returns closedFrames / ConsecutiveFrames clamped to [0, 1].
func (d *Detector) Progress() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.progressLocked()
}

func (d *Detector) progressLocked() float64 {
	p := float64(d.closedFrames) / float64(d.cfg.ConsecutiveFrames)
	if p > 1 {
		return 1
	}
	return p
}

// Statistics returns min/max/mean/last over the EAR history.
func (d *Detector) Statistics() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.history.Stats()
}

// HistoryLen returns the number of samples currently held in the history.
func (d *Detector) HistoryLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.history.Len()
}

// Status is a consistent snapshot of the detector.
type Status struct {
	State             State   `json:"-"`
	StateName         string  `json:"state"`
	ClosedFrames      int     `json:"closed_frames"`
	TotalEvents       uint64  `json:"total_events"`
	Progress          float64 `json:"progress"`
	EARThreshold      float64 `json:"ear_threshold"`
	ConsecutiveFrames int     `json:"consecutive_frames"`
}

// Status returns a snapshot of the detector state.
func (d *Detector) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		State:             d.state,
		StateName:         d.state.String(),
		ClosedFrames:      d.closedFrames,
		TotalEvents:       d.totalEvents,
		Progress:          d.progressLocked(),
		EARThreshold:      d.cfg.EARThreshold,
		ConsecutiveFrames: d.cfg.ConsecutiveFrames,
	}
}

// Reset clears the transient state (closed-frame counter, state, alert
// latch). Episode totals and history are kept.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
	d.log.Info("drowsiness detector reset")
}

func (d *Detector) resetLocked() {
	d.closedFrames = 0
	d.state = Awake
	d.lastAlert = time.Time{}
}

// ResetStatistics clears everything: transient state, totals and history.
func (d *Detector) ResetStatistics() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
	d.totalEvents = 0
	d.history.Reset()
	d.log.Info("drowsiness statistics reset")
}

// SetThreshold updates the EAR threshold.
func (d *Detector) SetThreshold(v float64) error {
	if v <= 0 || v >= 1 {
		return fmt.Errorf("ear threshold must be in (0, 1), got %v", v)
	}
	d.mu.Lock()
	old := d.cfg.EARThreshold
	d.cfg.EARThreshold = v
	d.mu.Unlock()
	d.log.Info("ear threshold updated", "old", old, "new", v)
	return nil
}

// SetConsecutiveFrames updates the number of closed frames needed to enter
// Drowsy. The running counter is kept, so a lower value can trigger on the
// next closed sample. A higher value that the counter no longer reaches
// ends the active episode: the detector returns to Awake, and a closure that
// goes on to the new threshold counts as a new episode.
func (d *Detector) SetConsecutiveFrames(n int) error {
	if n < 1 {
		return fmt.Errorf("consecutive frames must be >= 1, got %d", n)
	}
	d.mu.Lock()
	old := d.cfg.ConsecutiveFrames
	d.cfg.ConsecutiveFrames = n
	ended := d.state == Drowsy && d.closedFrames < n
	if ended {
		d.state = Awake
	}
	d.mu.Unlock()
	d.log.Info("consecutive frames threshold updated", "old", old, "new", n, "episode_ended", ended)
	return nil
}

// Config returns the current thresholds.
func (d *Detector) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}
