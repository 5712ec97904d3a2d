package camera

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"github.com/e7canasta/orion-drowsiness/internal/types"
)

// OpenCVSource reads frames from a gocv.VideoCapture.
type OpenCVSource struct {
	cfg Config

	guard   readGuard
	readMu  sync.Mutex // serializes reads into mat; Close never takes it
	capture *gocv.VideoCapture
	mat     gocv.Mat
	started time.Time

	frameCount atomic.Uint64
	errors     atomic.Uint64
}

// NewOpenCVSource opens the camera at cfg.Device.
func NewOpenCVSource(cfg Config) (*OpenCVSource, error) {
	capture, err := gocv.OpenVideoCapture(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("%w: camera %d is not opened", ErrUnavailable, cfg.Device)
	}

	capture.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	capture.Set(gocv.VideoCaptureFPS, cfg.FPS)

	slog.Info("opencv camera opened",
		"device", cfg.Device,
		"width", capture.Get(gocv.VideoCaptureFrameWidth),
		"height", capture.Get(gocv.VideoCaptureFrameHeight),
		"fps", capture.Get(gocv.VideoCaptureFPS),
	)

	return &OpenCVSource{
		cfg:     cfg,
		capture: capture,
		mat:     gocv.NewMat(),
		started: time.Now(),
	}, nil
}

// ReadFrame implements Source. A failed or empty read is a single failure;
// the caller decides when the camera is gone for good. VideoCapture.Read
// cannot be interrupted, so ctx is only checked before the read.
func (s *OpenCVSource) ReadFrame(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}
	if !s.guard.enter() {
		return types.Frame{}, ErrClosed
	}

	frame, err := s.read()

	if s.guard.exit() {
		s.release()
		return types.Frame{}, ErrClosed
	}
	return frame, err
}

func (s *OpenCVSource) read() (types.Frame, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if !s.capture.Read(&s.mat) {
		s.errors.Add(1)
		return types.Frame{}, fmt.Errorf("failed to read frame from camera %d", s.cfg.Device)
	}
	if s.mat.Empty() {
		s.errors.Add(1)
		return types.Frame{}, fmt.Errorf("empty frame captured")
	}

	img, err := s.mat.ToImage()
	if err != nil {
		s.errors.Add(1)
		return types.Frame{}, fmt.Errorf("convert frame: %w", err)
	}

	return types.Frame{
		Seq:       s.frameCount.Add(1),
		Timestamp: time.Now(),
		Image:     toRGBA(img),
		Source:    BackendOpenCV,
		TraceID:   uuid.New().String(),
	}, nil
}

// Stats implements Source.
func (s *OpenCVSource) Stats() types.StreamStats {
	connected := !s.guard.isClosed()

	count := s.frameCount.Load()
	var fps float64
	if up := time.Since(s.started).Seconds(); up > 0 {
		fps = float64(count) / up
	}
	return types.StreamStats{
		FrameCount:  count,
		FPSTarget:   s.cfg.FPS,
		FPSReal:     fps,
		Source:      fmt.Sprintf("opencv:%d", s.cfg.Device),
		Resolution:  fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		IsConnected: connected,
		Errors:      s.errors.Load(),
	}
}

// Close releases the capture device. Idempotent. When a read is blocked
// in the driver Close returns at once and the read releases the device
// when it comes back.
func (s *OpenCVSource) Close() error {
	first, now := s.guard.close()
	if !first {
		return nil
	}
	if !now {
		slog.Warn("opencv camera closed during a blocked read, releasing when it returns",
			"device", s.cfg.Device,
		)
		return nil
	}
	return s.release()
}

func (s *OpenCVSource) release() error {
	_ = s.mat.Close()
	if err := s.capture.Close(); err != nil {
		slog.Error("failed to release camera", "device", s.cfg.Device, "error", err)
		return fmt.Errorf("failed to release camera: %w", err)
	}
	slog.Info("opencv camera closed", "frames", s.frameCount.Load())
	return nil
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}
