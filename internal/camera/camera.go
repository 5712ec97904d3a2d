// Package camera provides frame sources for the drowsiness pipeline.
//
// Three backends share the Source contract:
//
//	gstreamer  v4l2src (or uridecodebin for a URI) → videoconvert → appsink
//	opencv     gocv.VideoCapture on a device index
//	mock       synthetic frames at a fixed rate, no hardware required
//
// ReadFrame blocks until a frame is available. ErrEndOfStream is terminal:
// once returned, every later call returns it too. Any other error is a
// single failed read and the caller decides whether to retry.
package camera

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/e7canasta/orion-drowsiness/internal/types"
)

var (
	// ErrUnavailable is returned when the device cannot be opened.
	ErrUnavailable = errors.New("camera: source unavailable")
	// ErrEndOfStream is returned once the source has no more frames.
	ErrEndOfStream = types.ErrEndOfStream
	// ErrClosed is returned by ReadFrame after Close.
	ErrClosed = errors.New("camera: source closed")
)

// Backend names accepted by Open.
const (
	BackendGStreamer = "gstreamer"
	BackendOpenCV    = "opencv"
	BackendMock      = "mock"
)

// Source produces frames.
type Source interface {
	// ReadFrame blocks until the next frame, ctx cancellation, or a failure.
	ReadFrame(ctx context.Context) (types.Frame, error)
	// Stats returns capture statistics.
	Stats() types.StreamStats
	// Close releases the device. Idempotent.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend string
	// Device is the camera index (/dev/videoN for gstreamer).
	Device int
	// URI replaces Device for the gstreamer backend (file://, rtsp://, ...).
	URI    string
	Width  int
	Height int
	FPS    float64
	// MaxFrames ends a mock stream after that many frames (0 = endless).
	MaxFrames uint64
}

// DefaultConfig returns camera 0 at 640x480@30 through GStreamer.
func DefaultConfig() Config {
	return Config{
		Backend: BackendGStreamer,
		Device:  0,
		Width:   640,
		Height:  480,
		FPS:     30,
	}
}

// Open creates the source selected by cfg.Backend.
func Open(cfg Config) (Source, error) {
	def := DefaultConfig()
	if cfg.Width <= 0 {
		cfg.Width = def.Width
	}
	if cfg.Height <= 0 {
		cfg.Height = def.Height
	}
	if cfg.FPS <= 0 {
		cfg.FPS = def.FPS
	}

	switch strings.ToLower(cfg.Backend) {
	case BackendGStreamer, "":
		return NewGstSource(cfg)
	case BackendOpenCV:
		return NewOpenCVSource(cfg)
	case BackendMock:
		return NewMockSource(cfg), nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrUnavailable, cfg.Backend)
	}
}
