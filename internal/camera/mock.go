package camera

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-drowsiness/internal/types"
)

// MockSource generates synthetic frames at cfg.FPS: a gray gradient with a
// bright square sweeping across, enough to see the overlay move.
type MockSource struct {
	cfg      Config
	interval time.Duration

	mu      sync.Mutex
	seq     uint64
	next    time.Time
	closed  bool
	started time.Time
}

// NewMockSource creates a mock source. It never fails to open.
func NewMockSource(cfg Config) *MockSource {
	fps := cfg.FPS
	if fps <= 0 {
		fps = DefaultConfig().FPS
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		def := DefaultConfig()
		cfg.Width, cfg.Height = def.Width, def.Height
	}

	slog.Info("mock camera opened",
		"width", cfg.Width,
		"height", cfg.Height,
		"fps", fps,
		"max_frames", cfg.MaxFrames,
	)

	now := time.Now()
	return &MockSource{
		cfg:      cfg,
		interval: time.Duration(float64(time.Second) / fps),
		next:     now,
		started:  now,
	}
}

// ReadFrame implements Source, pacing frames at the configured rate.
func (m *MockSource) ReadFrame(ctx context.Context) (types.Frame, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return types.Frame{}, ErrClosed
	}
	if m.cfg.MaxFrames > 0 && m.seq >= m.cfg.MaxFrames {
		m.mu.Unlock()
		return types.Frame{}, ErrEndOfStream
	}
	m.seq++
	seq := m.seq
	wait := time.Until(m.next)
	m.next = m.next.Add(m.interval)
	if wait < -m.interval {
		// fell behind; do not burst to catch up
		m.next = time.Now().Add(m.interval)
	}
	m.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return types.Frame{}, ctx.Err()
		case <-timer.C:
		}
	}

	return types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Image:     m.render(seq),
		Source:    BackendMock,
		TraceID:   uuid.New().String(),
	}, nil
}

func (m *MockSource) render(seq uint64) *image.RGBA {
	w, h := m.cfg.Width, m.cfg.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		g := uint8(40 + 120*y/h)
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w*4; x += 4 {
			row[x], row[x+1], row[x+2], row[x+3] = g, g, g, 0xff
		}
	}

	size := h / 8
	x0 := int(seq*4) % max(w-size, 1)
	y0 := h/2 - size/2
	marker := color.RGBA{R: 0xf0, G: 0xf0, B: 0xf0, A: 0xff}
	for y := y0; y < y0+size; y++ {
		for x := x0; x < x0+size; x++ {
			img.SetRGBA(x, y, marker)
		}
	}
	return img
}

// Stats implements Source.
func (m *MockSource) Stats() types.StreamStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var fps float64
	if up := time.Since(m.started).Seconds(); up > 0 {
		fps = float64(m.seq) / up
	}
	return types.StreamStats{
		FrameCount:  m.seq,
		FPSTarget:   m.cfg.FPS,
		FPSReal:     fps,
		Source:      BackendMock,
		Resolution:  fmt.Sprintf("%dx%d", m.cfg.Width, m.cfg.Height),
		IsConnected: !m.closed,
	}
}

// Close implements Source.
func (m *MockSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	slog.Info("mock camera closed", "frames_emitted", m.seq, "duration", time.Since(m.started))
	return nil
}
