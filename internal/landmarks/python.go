package landmarks

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-drowsiness/internal/geometry"
	"github.com/e7canasta/orion-drowsiness/internal/types"
)

// PythonConfig configures the Face Mesh worker process.
type PythonConfig struct {
	// Command is the worker executable followed by its arguments.
	Command []string
	// MinDetectionConfidence and MinTrackingConfidence are handed to Face Mesh.
	MinDetectionConfidence float64
	MinTrackingConfidence  float64
	// Timeout bounds one request/response round trip.
	Timeout time.Duration
	// Env is appended to the worker environment.
	Env []string
}

// DefaultPythonConfig runs workers/face_mesh_worker.py with Face Mesh defaults.
func DefaultPythonConfig() PythonConfig {
	return PythonConfig{
		Command:                []string{"python3", "workers/face_mesh_worker.py"},
		MinDetectionConfidence: 0.5,
		MinTrackingConfidence:  0.5,
		Timeout:                2 * time.Second,
	}
}

// PythonStats are worker health counters.
type PythonStats struct {
	Requests     uint64  `json:"requests"`
	Faces        uint64  `json:"faces"`
	Timeouts     uint64  `json:"timeouts"`
	Stale        uint64  `json:"stale"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	Alive        bool    `json:"alive"`
}

// PythonProvider runs one worker process and exchanges length-prefixed
// msgpack messages with it, one request in flight at a time.
type PythonProvider struct {
	cfg PythonConfig

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	reqMu     sync.Mutex // one request in flight
	responses chan response
	exited    chan struct{}
	wg        sync.WaitGroup

	closeOnce sync.Once
	seq       atomic.Uint64

	requests       atomic.Uint64
	faces          atomic.Uint64
	timeouts       atomic.Uint64
	stale          atomic.Uint64
	totalLatencyUS atomic.Uint64
}

// NewPythonProvider starts the worker process.
func NewPythonProvider(cfg PythonConfig) (*PythonProvider, error) {
	def := DefaultPythonConfig()
	if len(cfg.Command) == 0 {
		cfg.Command = def.Command
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MinDetectionConfidence <= 0 {
		cfg.MinDetectionConfidence = def.MinDetectionConfidence
	}
	if cfg.MinTrackingConfidence <= 0 {
		cfg.MinTrackingConfidence = def.MinTrackingConfidence
	}

	args := append(cfg.Command[1:len(cfg.Command):len(cfg.Command)],
		"--min-detection-confidence", fmt.Sprintf("%.2f", cfg.MinDetectionConfidence),
		"--min-tracking-confidence", fmt.Sprintf("%.2f", cfg.MinTrackingConfidence),
	)
	cmd := exec.Command(cfg.Command[0], args...)
	cmd.Env = append(cmd.Environ(), cfg.Env...)

	p := &PythonProvider{
		cfg:       cfg,
		cmd:       cmd,
		responses: make(chan response, 1),
		exited:    make(chan struct{}),
	}

	var err error
	if p.stdin, err = cmd.StdinPipe(); err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	if p.stdout, err = cmd.StdoutPipe(); err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if p.stderr, err = cmd.StderrPipe(); err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start landmark worker: %w", err)
	}

	slog.Info("landmark worker spawned",
		"command", strings.Join(cfg.Command, " "),
		"pid", cmd.Process.Pid,
	)

	p.wg.Add(3)
	go p.readResults()
	go p.logStderr()
	go p.waitProcess()
	return p, nil
}

// Detect implements Provider. Landmarks come back in pixel coordinates of
// the frame.
func (p *PythonProvider) Detect(ctx context.Context, frame types.Frame) (geometry.LandmarkSet, bool, error) {
	if frame.Image == nil {
		return nil, false, fmt.Errorf("landmarks: empty frame")
	}
	select {
	case <-p.exited:
		return nil, false, ErrWorkerExited
	default:
	}

	p.reqMu.Lock()
	defer p.reqMu.Unlock()

	seq := p.seq.Add(1)
	w, h := frame.Width(), frame.Height()
	req := request{
		Seq:       seq,
		Width:     w,
		Height:    h,
		Format:    "RGBA",
		FrameData: packedPixels(frame),
		TraceID:   frame.TraceID,
	}

	start := time.Now()
	if err := writeMessage(p.stdin, req); err != nil {
		return nil, false, fmt.Errorf("send frame to worker: %w", err)
	}
	p.requests.Add(1)

	timer := time.NewTimer(p.cfg.Timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-timer.C:
			p.timeouts.Add(1)
			return nil, false, fmt.Errorf("%w: seq %d after %s", ErrTimeout, seq, p.cfg.Timeout)
		case <-p.exited:
			return nil, false, ErrWorkerExited
		case resp := <-p.responses:
			if resp.Seq != seq {
				// answer to a request that already timed out
				p.stale.Add(1)
				continue
			}
			p.totalLatencyUS.Add(uint64(time.Since(start).Microseconds()))
			if resp.Error != "" {
				return nil, false, fmt.Errorf("landmark worker: %s", resp.Error)
			}
			if !resp.Found {
				return nil, false, nil
			}
			p.faces.Add(1)
			return toPixels(resp.Landmarks, w, h), true, nil
		}
	}
}

// packedPixels returns the RGBA bytes without row padding.
func packedPixels(frame types.Frame) []byte {
	img := frame.Image
	w, h := frame.Width(), frame.Height()
	if img.Stride == w*4 && img.Rect.Min.X == 0 && img.Rect.Min.Y == 0 {
		return img.Pix[:w*h*4]
	}
	out := make([]byte, 0, w*h*4)
	for y := img.Rect.Min.Y; y < img.Rect.Max.Y; y++ {
		off := img.PixOffset(img.Rect.Min.X, y)
		out = append(out, img.Pix[off:off+w*4]...)
	}
	return out
}

func toPixels(norm [][2]float64, w, h int) geometry.LandmarkSet {
	ls := make(geometry.LandmarkSet, len(norm))
	for i, p := range norm {
		ls[i] = geometry.Point{X: p[0] * float64(w), Y: p[1] * float64(h)}
	}
	return ls
}

func (p *PythonProvider) readResults() {
	defer p.wg.Done()
	rd := bufio.NewReader(p.stdout)
	for {
		var resp response
		if err := readMessage(rd, &resp); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				slog.Debug("landmark worker stdout closed")
				return
			}
			slog.Error("failed to read from landmark worker", "error", err)
			return
		}

		// keep only the newest answer
		select {
		case p.responses <- resp:
		default:
			select {
			case <-p.responses:
				p.stale.Add(1)
			default:
			}
			p.responses <- resp
		}
	}
}

// logStderr maps the worker's "[LEVEL]" log lines onto slog levels.
func (p *PythonProvider) logStderr() {
	defer p.wg.Done()
	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			slog.Error("landmark worker error", "log", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			slog.Warn("landmark worker warning", "log", line)
		default:
			slog.Debug("landmark worker log", "log", line)
		}
	}
}

func (p *PythonProvider) waitProcess() {
	defer p.wg.Done()
	err := p.cmd.Wait()
	close(p.exited)
	if err != nil {
		slog.Warn("landmark worker exited", "pid", p.cmd.Process.Pid, "error", err)
		return
	}
	slog.Info("landmark worker exited cleanly", "pid", p.cmd.Process.Pid)
}

// Stats returns worker health counters.
func (p *PythonProvider) Stats() PythonStats {
	st := PythonStats{
		Requests: p.requests.Load(),
		Faces:    p.faces.Load(),
		Timeouts: p.timeouts.Load(),
		Stale:    p.stale.Load(),
	}
	if st.Requests > 0 {
		st.AvgLatencyMS = float64(p.totalLatencyUS.Load()) / float64(st.Requests) / 1000
	}
	select {
	case <-p.exited:
	default:
		st.Alive = true
	}
	return st
}

// Close closes the worker's stdin, which ends its read loop, and kills it if
// it does not exit within 2 s. Idempotent.
func (p *PythonProvider) Close() error {
	p.closeOnce.Do(func() {
		slog.Info("stopping landmark worker")
		_ = p.stdin.Close()

		select {
		case <-p.exited:
		case <-time.After(2 * time.Second):
			slog.Warn("landmark worker stop timeout, force killing process")
			if err := p.cmd.Process.Kill(); err != nil {
				slog.Error("failed to kill landmark worker", "error", err)
			}
		}
		p.wg.Wait()
		slog.Info("landmark worker stopped",
			"requests", p.requests.Load(),
			"faces", p.faces.Load(),
		)
	})
	return nil
}
