package types

import (
	"image"
	"time"
)

// Frame represents a single captured video frame
type Frame struct {
	// Seq is the monotonic sequence number assigned by the source
	Seq uint64
	// Timestamp is when the frame was captured/decoded
	Timestamp time.Time
	// Image holds the pixels. Owned by the receiver once returned from a source.
	Image *image.RGBA
	// Source identifies the capture backend ("gstreamer", "opencv", "mock")
	Source string
	// TraceID is a unique identifier for following a frame through the logs
	TraceID string
}

// Width in pixels, 0 for an empty frame
func (f Frame) Width() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Rect.Dx()
}

// Height in pixels, 0 for an empty frame
func (f Frame) Height() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Rect.Dy()
}

// StreamStats contains capture statistics
type StreamStats struct {
	FrameCount  uint64  `json:"frame_count"`
	FPSTarget   float64 `json:"fps_target"`
	FPSReal     float64 `json:"fps_real"`
	Source      string  `json:"source"`
	Resolution  string  `json:"resolution"`
	BytesRead   uint64  `json:"bytes_read"`
	Dropped     uint64  `json:"dropped"`
	IsConnected bool    `json:"is_connected"`
	Errors      uint64  `json:"errors"`
}
