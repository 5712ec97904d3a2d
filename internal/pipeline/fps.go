package pipeline

import "time"

// fpsMeter counts frames per wall-clock second. The reading is the count of
// the last completed one-second window.
type fpsMeter struct {
	start time.Time
	count int
	fps   float64
}

// tick records one processed frame at now and returns the current reading.
func (m *fpsMeter) tick(now time.Time) float64 {
	if m.start.IsZero() {
		m.start = now
	}
	m.count++
	if elapsed := now.Sub(m.start); elapsed >= time.Second {
		m.fps = float64(m.count) / elapsed.Seconds()
		m.count = 0
		m.start = now
	}
	return m.fps
}
