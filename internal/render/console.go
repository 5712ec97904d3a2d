package render

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/e7canasta/orion-drowsiness/internal/alert"
	"github.com/e7canasta/orion-drowsiness/internal/pipeline"
	"github.com/e7canasta/orion-drowsiness/internal/types"
)

// Snapshot gathers component counters for the console readout. Any field
// may be left zero.
type Snapshot struct {
	Pipeline pipeline.Stats
	Alerts   alert.Stats
	Camera   types.StreamStats
}

// Console is a pipeline.Sink printing a statistics box every Interval.
// It is called from the consumer goroutine only and is not safe for
// concurrent Render calls.
type Console struct {
	out      io.Writer
	interval time.Duration
	snapshot func() Snapshot
	now      func() time.Time

	started   time.Time
	lastPrint time.Time
	last      *pipeline.FrameResult
}

// NewConsole prints to out (stdout when nil). snapshot may be nil.
func NewConsole(out io.Writer, interval time.Duration, snapshot func() Snapshot) *Console {
	if out == nil {
		out = os.Stdout
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Console{out: out, interval: interval, snapshot: snapshot, now: time.Now}
}

// Render implements pipeline.Sink.
func (c *Console) Render(r *pipeline.FrameResult) {
	now := c.now()
	if c.started.IsZero() {
		c.started = now
		c.lastPrint = now
	}
	c.last = r
	if now.Sub(c.lastPrint) < c.interval {
		return
	}
	c.lastPrint = now
	c.print(now.Sub(c.started))
}

// Flush prints the final summary.
func (c *Console) Flush() {
	var snap Snapshot
	if c.snapshot != nil {
		snap = c.snapshot()
	}
	w := c.out
	fmt.Fprintln(w)
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════")
	fmt.Fprintln(w, "                     Final Statistics                         ")
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════")
	fmt.Fprintf(w, "  Frames Processed:      %d\n", snap.Pipeline.Frames)
	fmt.Fprintf(w, "  Frames Rendered:       %d\n", snap.Pipeline.Rendered)
	fmt.Fprintf(w, "  No-Face Frames:        %d\n", snap.Pipeline.NoFaceFrames)
	if c.last != nil {
		fmt.Fprintf(w, "  Drowsiness Events:     %d\n", c.last.Status.EventCount)
	}
	fmt.Fprintf(w, "  Alerts Dispatched:     %d (%d suppressed)\n", snap.Alerts.Alerts, snap.Alerts.Suppressed)
	fmt.Fprintln(w)
}

func (c *Console) print(uptime time.Duration) {
	var snap Snapshot
	if c.snapshot != nil {
		snap = c.snapshot()
	}
	w := c.out

	fmt.Fprintln(w)
	fmt.Fprintln(w, "╭─────────────────────────────────────────────────────────────────╮")
	fmt.Fprintf(w, "│ Drowsiness Monitor (Uptime: %v)\n", uptime.Round(time.Second))
	fmt.Fprintln(w, "├─────────────────────────────────────────────────────────────────┤")

	if r := c.last; r != nil {
		st := r.Status
		ear := "--"
		if st.EAR.OK {
			ear = fmt.Sprintf("%.3f", st.EAR.Value)
		}
		fmt.Fprintln(w, "│ Detection:")
		fmt.Fprintf(w, "│   State:              %6s\n", st.StateName)
		fmt.Fprintf(w, "│   EAR:                %6s\n", ear)
		fmt.Fprintf(w, "│   Progress:           %6.0f%%\n", st.Progress)
		fmt.Fprintf(w, "│   Events:             %6d\n", st.EventCount)
		fmt.Fprintf(w, "│   Real FPS:           %6.2f fps\n", st.FPS)
	}

	if snap.Camera.FrameCount > 0 || snap.Camera.Source != "" {
		fmt.Fprintln(w, "│")
		fmt.Fprintln(w, "│ Camera:")
		fmt.Fprintf(w, "│   Source:             %s (%s)\n", snap.Camera.Source, snap.Camera.Resolution)
		fmt.Fprintf(w, "│   Frames Captured:    %6d frames\n", snap.Camera.FrameCount)
		fmt.Fprintf(w, "│   Frames Dropped:     %6d frames\n", snap.Camera.Dropped)
		fmt.Fprintf(w, "│   Connected:          %6v\n", snap.Camera.IsConnected)
	}

	fmt.Fprintln(w, "│")
	fmt.Fprintln(w, "│ Pipeline:")
	fmt.Fprintf(w, "│   Frames:             %6d\n", snap.Pipeline.Frames)
	fmt.Fprintf(w, "│   Slot Overwrites:    %6d\n", snap.Pipeline.Slot.Overwritten)
	fmt.Fprintf(w, "│   Detect Errors:      %6d\n", snap.Pipeline.DetectErrors)

	fmt.Fprintln(w, "│")
	fmt.Fprintln(w, "│ Alerts:")
	fmt.Fprintf(w, "│   Dispatched:         %6d (%d suppressed)\n", snap.Alerts.Alerts, snap.Alerts.Suppressed)
	audio := "console"
	if snap.Alerts.AudioAvailable {
		audio = "speaker"
	}
	fmt.Fprintf(w, "│   Output:             %6s\n", audio)

	fmt.Fprintln(w, "╰─────────────────────────────────────────────────────────────────╯")
}

// Multi fans a result out to several sinks in order.
type Multi []pipeline.Sink

// Render implements pipeline.Sink.
func (m Multi) Render(r *pipeline.FrameResult) {
	for _, s := range m {
		if s != nil {
			s.Render(r)
		}
	}
}
