package camera

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-drowsiness/internal/types"
)

// GstSource captures frames through a GStreamer pipeline:
//
//	v4l2src | uridecodebin → videoconvert → videoscale → videorate →
//	capsfilter(RGBA) → appsink
//
// appsink keeps a single buffer and drops older ones, so ReadFrame always
// returns the freshest frame.
type GstSource struct {
	cfg Config

	pipeline *gst.Pipeline
	appsink  *app.Sink

	frames chan types.Frame // cap 1, latest wins
	done   chan struct{}    // closed on EOS, pipeline error or Close
	wg     sync.WaitGroup

	mu      sync.Mutex
	termErr error
	closed  bool
	started time.Time

	frameCount atomic.Uint64
	bytesRead  atomic.Uint64
	dropped    atomic.Uint64
	errors     atomic.Uint64
}

// NewGstSource builds and starts the pipeline.
func NewGstSource(cfg Config) (*GstSource, error) {
	gst.Init(nil)

	s := &GstSource{
		cfg:    cfg,
		frames: make(chan types.Frame, 1),
		done:   make(chan struct{}),
	}
	if err := s.build(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := s.pipeline.SetState(gst.StatePlaying); err != nil {
		s.pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("%w: failed to set pipeline to playing: %v", ErrUnavailable, err)
	}
	s.started = time.Now()

	s.wg.Add(1)
	go s.watchBus()

	slog.Info("gstreamer camera opened",
		"device", s.location(),
		"width", cfg.Width,
		"height", cfg.Height,
		"fps", cfg.FPS,
	)
	return s, nil
}

func (s *GstSource) location() string {
	if s.cfg.URI != "" {
		return s.cfg.URI
	}
	return fmt.Sprintf("/dev/video%d", s.cfg.Device)
}

func (s *GstSource) build() error {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	s.pipeline = pipeline

	var src *gst.Element
	if s.cfg.URI != "" {
		src, err = gst.NewElement("uridecodebin")
		if err != nil {
			return fmt.Errorf("failed to create uridecodebin: %w", err)
		}
		src.SetProperty("uri", s.cfg.URI)
	} else {
		src, err = gst.NewElement("v4l2src")
		if err != nil {
			return fmt.Errorf("failed to create v4l2src: %w", err)
		}
		src.SetProperty("device", s.location())
	}

	videoconvert, err := gst.NewElement("videoconvert")
	if err != nil {
		return fmt.Errorf("failed to create videoconvert: %w", err)
	}
	videoscale, err := gst.NewElement("videoscale")
	if err != nil {
		return fmt.Errorf("failed to create videoscale: %w", err)
	}
	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return fmt.Errorf("failed to create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("failed to create capsfilter: %w", err)
	}
	num, den := fpsFraction(s.cfg.FPS)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(fmt.Sprintf(
		"video/x-raw,format=RGBA,width=%d,height=%d,framerate=%d/%d",
		s.cfg.Width, s.cfg.Height, num, den,
	)))

	appsink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)
	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})
	s.appsink = appsink

	if err := pipeline.AddMany(src, videoconvert, videoscale, videorate, capsfilter, appsink.Element); err != nil {
		return fmt.Errorf("failed to add elements: %w", err)
	}
	if err := gst.ElementLinkMany(videoconvert, videoscale, videorate, capsfilter, appsink.Element); err != nil {
		return fmt.Errorf("failed to link elements: %w", err)
	}

	if s.cfg.URI == "" {
		if err := src.Link(videoconvert); err != nil {
			return fmt.Errorf("failed to link v4l2src: %w", err)
		}
		return nil
	}

	// uridecodebin exposes its pads only once the stream type is known
	if _, err := src.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		sinkPad := videoconvert.GetStaticPad("sink")
		if sinkPad == nil || sinkPad.IsLinked() {
			return
		}
		if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
			slog.Debug("camera: skipping non-video pad", "pad", srcPad.GetName(), "ret", ret)
		}
	}); err != nil {
		return fmt.Errorf("failed to connect pad-added: %w", err)
	}
	return nil
}

func (s *GstSource) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowEOS
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		s.errors.Add(1)
		slog.Warn("camera: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	want := s.cfg.Width * s.cfg.Height * 4
	if len(data) < want {
		buffer.Unmap()
		s.errors.Add(1)
		slog.Warn("camera: short buffer received", "size", len(data), "expected", want)
		return gst.FlowOK
	}

	img := image.NewRGBA(image.Rect(0, 0, s.cfg.Width, s.cfg.Height))
	copy(img.Pix, data[:want])
	buffer.Unmap()

	s.bytesRead.Add(uint64(want))
	frame := types.Frame{
		Seq:       s.frameCount.Add(1),
		Timestamp: time.Now(),
		Image:     img,
		Source:    BackendGStreamer,
		TraceID:   uuid.New().String(),
	}

	// replace a frame nobody read yet
	for {
		select {
		case s.frames <- frame:
			return gst.FlowOK
		default:
		}
		select {
		case <-s.frames:
			s.dropped.Add(1)
		default:
		}
	}
}

// watchBus turns EOS and pipeline errors into the terminal state.
func (s *GstSource) watchBus() {
	defer s.wg.Done()
	bus := s.pipeline.GetPipelineBus()
	for {
		select {
		case <-s.done:
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("camera: end of stream", "device", s.location())
			s.terminate(ErrEndOfStream)
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			slog.Error("camera: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
			)
			s.terminate(fmt.Errorf("%w: %s", ErrEndOfStream, gerr.Error()))
			return
		}
	}
}

func (s *GstSource) terminate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.termErr != nil {
		return
	}
	s.termErr = err
	close(s.done)
}

// ReadFrame implements Source.
func (s *GstSource) ReadFrame(ctx context.Context) (types.Frame, error) {
	// frames already decoded are delivered before the terminal error
	select {
	case f := <-s.frames:
		return f, nil
	default:
	}

	select {
	case f := <-s.frames:
		return f, nil
	case <-ctx.Done():
		return types.Frame{}, ctx.Err()
	case <-s.done:
		s.mu.Lock()
		err := s.termErr
		s.mu.Unlock()
		return types.Frame{}, err
	}
}

// Stats implements Source.
func (s *GstSource) Stats() types.StreamStats {
	s.mu.Lock()
	connected := s.termErr == nil
	s.mu.Unlock()

	count := s.frameCount.Load()
	var fps float64
	if up := time.Since(s.started).Seconds(); up > 0 {
		fps = float64(count) / up
	}
	return types.StreamStats{
		FrameCount:  count,
		FPSTarget:   s.cfg.FPS,
		FPSReal:     fps,
		Source:      s.location(),
		Resolution:  fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		BytesRead:   s.bytesRead.Load(),
		Dropped:     s.dropped.Load(),
		IsConnected: connected,
		Errors:      s.errors.Load(),
	}
}

// Close stops the pipeline. Idempotent.
func (s *GstSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.termErr == nil {
		s.termErr = ErrClosed
		close(s.done)
	}
	s.mu.Unlock()

	s.wg.Wait()
	if err := s.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to stop pipeline: %w", err)
	}
	slog.Info("gstreamer camera closed",
		"frames", s.frameCount.Load(),
		"dropped", s.dropped.Load(),
		"uptime", time.Since(s.started),
	)
	return nil
}

// fpsFraction converts a rate into a GStreamer framerate fraction.
func fpsFraction(fps float64) (num, den int) {
	if fps <= 0 {
		return 30, 1
	}
	if fps < 1 {
		return 1, int(1/fps + 0.5)
	}
	return int(fps + 0.5), 1
}
