package landmarks

import (
	"context"
	"math"
	"sync"

	"github.com/e7canasta/orion-drowsiness/internal/geometry"
	"github.com/e7canasta/orion-drowsiness/internal/types"
)

// meshSize is the Face Mesh point count with refined landmarks.
const meshSize = 478

// Phase is one step of a Scripted schedule.
type Phase struct {
	Frames int
	// EAR is the eye aspect ratio drawn for both eyes.
	EAR float64
	// NoFace reports no face for the whole phase.
	NoFace bool
}

// DemoSchedule alternates alert driving, a short blink run, a long closure,
// and a glance away from the camera.
var DemoSchedule = []Phase{
	{Frames: 90, EAR: 0.32},
	{Frames: 12, EAR: 0.12},
	{Frames: 60, EAR: 0.31},
	{Frames: 45, EAR: 0.11},
	{Frames: 30, EAR: 0.30},
	{Frames: 20, NoFace: true},
}

// Scripted is a Provider that replays a schedule of eye openness, cycling
// forever. The face sits in the middle of the frame.
type Scripted struct {
	mu       sync.Mutex
	schedule []Phase
	phase    int
	left     int // frames left in the current phase
}

// NewScripted creates a provider cycling through schedule. An empty schedule
// uses DemoSchedule.
func NewScripted(schedule []Phase) *Scripted {
	if len(schedule) == 0 {
		schedule = DemoSchedule
	}
	s := &Scripted{schedule: append([]Phase(nil), schedule...)}
	s.left = s.schedule[0].Frames
	return s
}

// Detect implements Provider.
func (s *Scripted) Detect(ctx context.Context, frame types.Frame) (geometry.LandmarkSet, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	ph := s.advance()
	if ph.NoFace {
		return nil, false, nil
	}
	w, h := frame.Width(), frame.Height()
	if w == 0 || h == 0 {
		w, h = 640, 480
	}
	return SyntheticFace(w, h, ph.EAR), true, nil
}

func (s *Scripted) advance() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.left <= 0 {
		s.phase = (s.phase + 1) % len(s.schedule)
		s.left = s.schedule[s.phase].Frames
	}
	s.left--
	return s.schedule[s.phase]
}

// Close implements Provider.
func (s *Scripted) Close() error { return nil }

// SyntheticFace builds a full mesh for a w x h frame whose eyes both measure
// ear. The non-eye points trace the face oval.
func SyntheticFace(w, h int, ear float64) geometry.LandmarkSet {
	cx, cy := float64(w)/2, float64(h)/2
	rx, ry := float64(h)/5, float64(h)/3.5

	ls := make(geometry.LandmarkSet, meshSize)
	for i := range ls {
		a := 2 * math.Pi * float64(i) / meshSize
		ls[i] = geometry.Point{X: cx + rx*math.Cos(a), Y: cy + ry*math.Sin(a)}
	}

	eyeW := rx / 2.5
	eyeY := cy - ry/4
	// the camera image is mirrored: the subject's left eye is on the right
	placeEye(ls, geometry.LeftEyeIndices, cx+rx/2.2, eyeY, eyeW, ear)
	placeEye(ls, geometry.RightEyeIndices, cx-rx/2.2, eyeY, eyeW, ear)
	return ls
}

// placeEye writes a 6-point contour with EAR = 2*halfHeight/width.
func placeEye(ls geometry.LandmarkSet, idx geometry.EyeIndices, cx, cy, width, ear float64) {
	half := ear * width / 2
	third := width / 6
	ls[idx[0]] = geometry.Point{X: cx - width/2, Y: cy}
	ls[idx[3]] = geometry.Point{X: cx + width/2, Y: cy}
	ls[idx[1]] = geometry.Point{X: cx - third, Y: cy - half}
	ls[idx[5]] = geometry.Point{X: cx - third, Y: cy + half}
	ls[idx[2]] = geometry.Point{X: cx + third, Y: cy - half}
	ls[idx[4]] = geometry.Point{X: cx + third, Y: cy + half}
}
