package drowsiness

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// History is a fixed-capacity ring buffer of EAR values.
// When full, Push evicts the oldest value (FIFO).
//
// Not safe for concurrent use; Detector guards it with its own mutex.
type History struct {
	buf   []float64
	start int // index of the oldest value
	n     int // number of stored values
}

// NewHistory creates a ring buffer holding at most capacity values.
// capacity < 1 is treated as 1.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{buf: make([]float64, capacity)}
}

// Push appends v, evicting the oldest value when the buffer is full.
func (h *History) Push(v float64) {
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = v
		h.n++
		return
	}
	h.buf[h.start] = v
	h.start = (h.start + 1) % len(h.buf)
}

// Len returns the number of stored values.
func (h *History) Len() int { return h.n }

// Cap returns the configured capacity.
func (h *History) Cap() int { return len(h.buf) }

// Values returns a copy of the stored values, oldest first.
func (h *History) Values() []float64 {
	out := make([]float64, h.n)
	for i := 0; i < h.n; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// Reset empties the buffer without releasing its storage.
func (h *History) Reset() {
	h.start, h.n = 0, 0
}

// Stats summarises the EAR history.
type Stats struct {
	Count   int     `json:"count"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Average float64 `json:"average"`
	Current float64 `json:"current"`
}

// Stats computes min/max/mean/last over the stored values.
// An empty history yields the zero Stats.
func (h *History) Stats() Stats {
	if h.n == 0 {
		return Stats{}
	}
	vals := h.Values()
	return Stats{
		Count:   len(vals),
		Min:     floats.Min(vals),
		Max:     floats.Max(vals),
		Average: stat.Mean(vals, nil),
		Current: vals[len(vals)-1],
	}
}
