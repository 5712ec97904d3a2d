package pipeline

import (
	"image"
	"sync"
	"time"

	"github.com/e7canasta/orion-drowsiness/internal/geometry"
)

// Status is the per-frame readout shown next to the video.
type Status struct {
	StateName    string          `json:"state"` // AWAKE | DROWSY
	Drowsy       bool            `json:"drowsy"`
	FaceFound    bool            `json:"face_found"`
	EAR          geometry.Sample `json:"-"`
	EARValue     float64         `json:"ear"` // 0 when absent
	ClosedFrames int             `json:"closed_frames"`
	Progress     float64         `json:"progress"` // 0-100
	FPS          float64         `json:"fps"`
	AlertCount   uint64          `json:"alert_count"`
	EventCount   uint64          `json:"event_count"`
}

// FrameResult is one processed frame. Image and Status come from the same
// producer iteration; neither is modified after Publish.
type FrameResult struct {
	Seq       uint64
	Timestamp time.Time
	TraceID   string
	Image     *image.RGBA
	Status    Status
}

// SlotStats are mailbox counters.
type SlotStats struct {
	Published   uint64 `json:"published"`
	Overwritten uint64 `json:"overwritten"` // replaced before anyone read them
	LastSeq     uint64 `json:"last_seq"`
}

// Slot is the single-slot mailbox between producer and consumer.
//
// Semantics:
//   - Publish replaces the current result (latest wins, never blocks)
//   - Latest peeks without consuming; the reader skips sequence numbers it
//     already rendered
//   - a result replaced before any Latest call counts as overwritten
//
// Publish is a pointer swap under the mutex: a reader sees either the old or
// the new result, never a mix.
type Slot struct {
	mu          sync.Mutex
	latest      *FrameResult
	read        bool
	published   uint64
	overwritten uint64
}

// Publish stores r as the latest result.
func (s *Slot) Publish(r *FrameResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest != nil && !s.read {
		s.overwritten++
	}
	s.latest = r
	s.read = false
	s.published++
}

// Latest returns the newest result, nil before the first Publish.
func (s *Slot) Latest() *FrameResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.read = true
	return s.latest
}

// peek is Latest without marking the result as read.
func (s *Slot) peek() *FrameResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Stats returns a snapshot of the counters.
func (s *Slot) Stats() SlotStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SlotStats{Published: s.published, Overwritten: s.overwritten}
	if s.latest != nil {
		st.LastSeq = s.latest.Seq
	}
	return st
}
