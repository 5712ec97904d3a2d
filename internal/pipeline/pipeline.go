// Package pipeline runs drowsiness detection on a live camera.
//
// Two goroutines share one single-slot mailbox:
//
//	producer  ReadFrame → mirror → landmarks → EAR sample → detector.Update →
//	          CheckAlert → PlayAlert → annotate → Slot.Publish
//	consumer  every UITick: Slot.Latest → skip if already rendered → Sink.Render
//
// The producer is the only writer of detection state during a run; the
// consumer only reads published results. Stop releases the camera, the
// landmark provider and the audio, in that order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-drowsiness/internal/drowsiness"
	"github.com/e7canasta/orion-drowsiness/internal/geometry"
	"github.com/e7canasta/orion-drowsiness/internal/overlay"
	"github.com/e7canasta/orion-drowsiness/internal/types"
)

var (
	// ErrSourceUnavailable ends a run: the camera hit end of stream or failed
	// MaxReadFailures reads in a row.
	ErrSourceUnavailable = errors.New("pipeline: frame source unavailable")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("pipeline: already started")
)

// Source produces camera frames.
type Source interface {
	ReadFrame(ctx context.Context) (types.Frame, error)
	Close() error
}

// Provider finds facial landmarks. found=false means no face.
type Provider interface {
	Detect(ctx context.Context, frame types.Frame) (ls geometry.LandmarkSet, found bool, err error)
	Close() error
}

// Alerter dispatches alerts (see internal/alert).
type Alerter interface {
	PlayAlert(force bool) bool
	AlertCount() uint64
	Close() error
}

// Sink displays results. Render is called from the consumer goroutine only.
type Sink interface {
	Render(r *FrameResult)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(r *FrameResult)

// Render calls f.
func (f SinkFunc) Render(r *FrameResult) { f(r) }

// Config configures a Pipeline.
type Config struct {
	// UITick is the consumer refresh period.
	UITick time.Duration
	// ShutdownGrace bounds how long Stop waits for the producer.
	ShutdownGrace time.Duration
	// MaxReadFailures consecutive failed reads end the run.
	MaxReadFailures int
	// ErrorBackoff is the pause after a transient error.
	ErrorBackoff time.Duration
	// EventBuffer is the capacity of the Events channel.
	EventBuffer int
	// Mirror flips frames horizontally before detection.
	Mirror bool
	// Annotate draws the overlay onto published frames.
	Annotate bool
}

// DefaultConfig returns a 10 ms UI tick and a 1 s shutdown grace.
func DefaultConfig() Config {
	return Config{
		UITick:          10 * time.Millisecond,
		ShutdownGrace:   time.Second,
		MaxReadFailures: 30,
		ErrorBackoff:    100 * time.Millisecond,
		EventBuffer:     64,
		Mirror:          true,
		Annotate:        true,
	}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock replaces time.Now (FPS window and event timestamps).
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithAnnotator replaces the default overlay annotator.
func WithAnnotator(a *overlay.Annotator) Option {
	return func(p *Pipeline) { p.annotator = a }
}

// Stats are pipeline counters.
type Stats struct {
	Running       bool      `json:"running"`
	Frames        uint64    `json:"frames"`
	ReadErrors    uint64    `json:"read_errors"`
	DetectErrors  uint64    `json:"detect_errors"`
	NoFaceFrames  uint64    `json:"no_face_frames"`
	Rendered      uint64    `json:"rendered"`
	EventsDropped uint64    `json:"events_dropped"`
	Slot          SlotStats `json:"slot"`
}

// Pipeline is the producer/consumer detection loop.
type Pipeline struct {
	cfg       Config
	src       Source
	provider  Provider
	detector  *drowsiness.Detector
	alerts    Alerter
	sink      Sink
	annotator *overlay.Annotator
	now       func() time.Time
	log       *slog.Logger

	slot   Slot
	events chan Event

	running  atomic.Bool
	lifeMu   sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	prodDone chan struct{}
	consQuit chan struct{}
	consDone chan struct{}
	stopOnce sync.Once
	stopErr  error

	errMu sync.Mutex
	err   error

	fps           fpsMeter // producer only
	frames        atomic.Uint64
	readErrors    atomic.Uint64
	detectErrors  atomic.Uint64
	noFace        atomic.Uint64
	rendered      atomic.Uint64
	eventsDropped atomic.Uint64
}

// New wires a pipeline. It takes ownership of src, provider and alerts:
// Stop closes them. sink may be nil.
func New(cfg Config, src Source, provider Provider, det *drowsiness.Detector, alerts Alerter, sink Sink, opts ...Option) *Pipeline {
	def := DefaultConfig()
	if cfg.UITick <= 0 {
		cfg.UITick = def.UITick
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = def.ShutdownGrace
	}
	if cfg.MaxReadFailures <= 0 {
		cfg.MaxReadFailures = def.MaxReadFailures
	}
	if cfg.ErrorBackoff < 0 {
		cfg.ErrorBackoff = def.ErrorBackoff
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if sink == nil {
		sink = SinkFunc(func(*FrameResult) {})
	}

	p := &Pipeline{
		cfg:       cfg,
		src:       src,
		provider:  provider,
		detector:  det,
		alerts:    alerts,
		sink:      sink,
		annotator: overlay.NewAnnotator(),
		now:       time.Now,
		log:       slog.Default(),
		events:    make(chan Event, cfg.EventBuffer),
		prodDone:  make(chan struct{}),
		consQuit:  make(chan struct{}),
		consDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the producer and consumer goroutines. ctx bounds the run;
// cancelling it has the same effect on the producer as Stop, without
// releasing resources.
func (p *Pipeline) Start(ctx context.Context) error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	if p.started || p.stopped {
		return ErrAlreadyStarted
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.running.Store(true)

	go p.produce(ctx)
	go p.consume()

	p.log.Info("pipeline started",
		"ui_tick", p.cfg.UITick,
		"mirror", p.cfg.Mirror,
		"max_read_failures", p.cfg.MaxReadFailures,
	)
	return nil
}

// Done is closed when the producer exits (Stop, ctx, or a terminal error).
func (p *Pipeline) Done() <-chan struct{} {
	return p.prodDone
}

// Err returns the terminal error once Done is closed, nil after a clean stop.
func (p *Pipeline) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Events returns the domain event stream. It is never closed.
func (p *Pipeline) Events() <-chan Event {
	return p.events
}

// Latest returns the last published result, nil before the first frame.
func (p *Pipeline) Latest() *FrameResult {
	return p.slot.peek()
}

// Running reports whether the producer loop is active.
func (p *Pipeline) Running() bool {
	return p.running.Load()
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Running:       p.running.Load(),
		Frames:        p.frames.Load(),
		ReadErrors:    p.readErrors.Load(),
		DetectErrors:  p.detectErrors.Load(),
		NoFaceFrames:  p.noFace.Load(),
		Rendered:      p.rendered.Load(),
		EventsDropped: p.eventsDropped.Load(),
		Slot:          p.slot.Stats(),
	}
}

// Stop ends the run: it clears the running flag, waits up to ShutdownGrace
// for the producer (logging if it overruns), stops the consumer, then closes
// the camera, the landmark provider and the audio, each bounded by
// ShutdownGrace. Idempotent.
func (p *Pipeline) Stop() error {
	p.stopOnce.Do(func() {
		p.stopErr = p.stop()
	})
	return p.stopErr
}

func (p *Pipeline) stop() error {
	p.lifeMu.Lock()
	p.stopped = true
	started := p.started
	p.lifeMu.Unlock()

	p.running.Store(false)
	if started {
		p.cancel()
		select {
		case <-p.prodDone:
		case <-time.After(p.cfg.ShutdownGrace):
			p.log.Warn("producer did not stop within grace period, releasing resources anyway",
				"grace", p.cfg.ShutdownGrace,
			)
		}
		close(p.consQuit)
		<-p.consDone
	}

	var errs []error
	if p.src != nil {
		errs = append(errs, p.closeWithin("camera", p.src.Close))
	}
	if p.provider != nil {
		errs = append(errs, p.closeWithin("landmark provider", p.provider.Close))
	}
	if p.alerts != nil {
		errs = append(errs, p.closeWithin("alerts", p.alerts.Close))
	}

	st := p.Stats()
	p.log.Info("pipeline stopped",
		"frames", st.Frames,
		"rendered", st.Rendered,
		"overwritten", st.Slot.Overwritten,
		"read_errors", st.ReadErrors,
		"detect_errors", st.DetectErrors,
		"events_dropped", st.EventsDropped,
	)
	return errors.Join(errs...)
}

// closeWithin waits up to ShutdownGrace for closeFn. A close that overruns
// is logged and left to finish in the background.
func (p *Pipeline) closeWithin(name string, closeFn func() error) error {
	done := make(chan error, 1)
	go func() { done <- closeFn() }()

	t := time.NewTimer(p.cfg.ShutdownGrace)
	defer t.Stop()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close %s: %w", name, err)
		}
		return nil
	case <-t.C:
		p.log.Warn("resource did not close within grace period, continuing shutdown",
			"resource", name,
			"grace", p.cfg.ShutdownGrace,
		)
		return nil
	}
}

func (p *Pipeline) fail(err error) {
	p.errMu.Lock()
	p.err = err
	p.errMu.Unlock()
}

// produce is the producer loop.
func (p *Pipeline) produce(ctx context.Context) {
	defer close(p.prodDone)
	defer p.running.Store(false)

	failures := 0
	for p.running.Load() {
		frame, err := p.src.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			p.readErrors.Add(1)
			if errors.Is(err, types.ErrEndOfStream) || failures >= p.cfg.MaxReadFailures {
				p.sourceLost(err, failures)
				return
			}
			p.log.Warn("failed to read frame", "error", err, "consecutive_failures", failures)
			p.backoff(ctx)
			continue
		}
		failures = 0

		if err := p.process(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.detectErrors.Add(1)
			p.log.Warn("error processing frame",
				"seq", frame.Seq,
				"trace_id", frame.TraceID,
				"error", err,
			)
			p.backoff(ctx)
		}
	}
}

func (p *Pipeline) sourceLost(cause error, failures int) {
	err := fmt.Errorf("%w: %w", ErrSourceUnavailable, cause)
	p.fail(err)
	p.log.Error("frame source lost, stopping detection",
		"error", cause,
		"consecutive_failures", failures,
	)
	e := newEvent(SourceLost, p.now())
	e.Detail = cause.Error()
	e.TotalEvents = p.detector.TotalEvents()
	e.AlertCount = p.alerts.AlertCount()
	p.emit(e)
}

func (p *Pipeline) backoff(ctx context.Context) {
	if p.cfg.ErrorBackoff <= 0 {
		return
	}
	t := time.NewTimer(p.cfg.ErrorBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// process runs one producer iteration on frame and publishes the result.
func (p *Pipeline) process(ctx context.Context, frame types.Frame) error {
	img := frame.Image
	if img == nil {
		return fmt.Errorf("frame %d has no image", frame.Seq)
	}
	if p.cfg.Mirror {
		overlay.Mirror(img)
	}

	ls, found, err := p.provider.Detect(ctx, frame)
	if err != nil {
		return fmt.Errorf("landmark detection: %w", err)
	}
	if !found {
		p.noFace.Add(1)
	}
	sample := geometry.SampleFromLandmarks(ls, found)

	before := p.detector.Status()
	drowsy := p.detector.Update(sample)
	after := p.detector.Status()
	now := p.now()

	if after.TotalEvents > before.TotalEvents {
		e := newEvent(EpisodeStarted, now)
		e.Seq, e.EAR, e.TotalEvents = frame.Seq, sample.Value, after.TotalEvents
		p.log.Warn("drowsiness detected", "seq", frame.Seq, "ear", sample.String(), "total_events", after.TotalEvents)
		p.emit(e)
	} else if before.State == drowsiness.Drowsy && !drowsy {
		e := newEvent(EpisodeEnded, now)
		e.Seq, e.EAR, e.TotalEvents = frame.Seq, sample.Value, after.TotalEvents
		p.log.Info("driver awake again", "seq", frame.Seq, "ear", sample.String())
		p.emit(e)
	}

	if p.detector.CheckAlert() == drowsiness.Alertable && p.alerts.PlayAlert(false) {
		e := newEvent(AlertDispatched, now)
		e.Seq, e.EAR, e.TotalEvents = frame.Seq, sample.Value, after.TotalEvents
		e.AlertCount = p.alerts.AlertCount()
		p.emit(e)
	}

	if p.cfg.Annotate {
		p.annotator.Annotate(img, overlay.Annotation{
			Landmarks: ls,
			Found:     found,
			Sample:    sample,
			Drowsy:    drowsy,
		})
	}

	p.frames.Add(1)
	fps := p.fps.tick(now)
	var earValue float64
	if sample.OK {
		earValue = sample.Value
	}
	p.slot.Publish(&FrameResult{
		Seq:       frame.Seq,
		Timestamp: frame.Timestamp,
		TraceID:   frame.TraceID,
		Image:     img,
		Status: Status{
			StateName:    after.StateName,
			Drowsy:       drowsy,
			FaceFound:    found,
			EAR:          sample,
			EARValue:     earValue,
			ClosedFrames: after.ClosedFrames,
			Progress:     after.Progress * 100,
			FPS:          fps,
			AlertCount:   p.alerts.AlertCount(),
			EventCount:   after.TotalEvents,
		},
	})
	return nil
}

// consume is the consumer loop.
func (p *Pipeline) consume() {
	defer close(p.consDone)

	ticker := time.NewTicker(p.cfg.UITick)
	defer ticker.Stop()

	var lastSeq uint64
	var rendered bool
	for {
		select {
		case <-p.consQuit:
			return
		case <-ticker.C:
			r := p.slot.Latest()
			if r == nil || (rendered && r.Seq <= lastSeq) {
				continue
			}
			p.sink.Render(r)
			lastSeq, rendered = r.Seq, true
			p.rendered.Add(1)
		}
	}
}
