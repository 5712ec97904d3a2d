// Package geometry turns facial landmarks into the eye aspect ratio (EAR).
//
// Everything here is pure: no state, no allocation beyond the returned values,
// safe to call from any goroutine.
package geometry

import (
	"errors"
	"math"
)

// minHorizontalDistance is the smallest eye width (pixels) accepted by EAR.
// Narrower eyes would turn the ratio into an extreme or infinite value.
const minHorizontalDistance = 1e-6

// ErrDegenerateGeometry is returned when the eye corners (p0, p3) coincide.
var ErrDegenerateGeometry = errors.New("geometry: degenerate eye, horizontal distance is ~0")

// Point is a 2-D landmark in pixel coordinates.
type Point struct {
	X float64
	Y float64
}

// Dist returns the Euclidean distance between p and q.
func (p Point) Dist(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// LandmarkSet is the ordered list of points produced by the landmark provider
// for one frame. It must not be modified after it is produced.
type LandmarkSet []Point

// EyeLandmarks is the 6-point contour of one eye.
//
//	p0, p3: horizontal corners
//	p1, p5: first vertical pair (upper, lower)
//	p2, p4: second vertical pair (upper, lower)
type EyeLandmarks [6]Point

// EyeIndices maps the six eye contour points into a LandmarkSet.
type EyeIndices [6]int

// Face Mesh (468/478 point) indices for both eyes.
var (
	LeftEyeIndices  = EyeIndices{362, 385, 387, 263, 373, 380}
	RightEyeIndices = EyeIndices{33, 160, 158, 133, 153, 144}
)

// Eye selects one eye from the set. ok is false if any index is out of range.
func (ls LandmarkSet) Eye(idx EyeIndices) (eye EyeLandmarks, ok bool) {
	for i, j := range idx {
		if j < 0 || j >= len(ls) {
			return EyeLandmarks{}, false
		}
		eye[i] = ls[j]
	}
	return eye, true
}

// Bounds returns the axis-aligned bounding box of the set.
// ok is false for an empty set.
func (ls LandmarkSet) Bounds() (lo, hi Point, ok bool) {
	if len(ls) == 0 {
		return Point{}, Point{}, false
	}
	lo, hi = ls[0], ls[0]
	for _, p := range ls[1:] {
		lo.X = math.Min(lo.X, p.X)
		lo.Y = math.Min(lo.Y, p.Y)
		hi.X = math.Max(hi.X, p.X)
		hi.Y = math.Max(hi.Y, p.Y)
	}
	return lo, hi, true
}

// EAR computes the eye aspect ratio:
//
//	EAR = (|p1-p5| + |p2-p4|) / (2 * |p0-p3|)
//
// Returns ErrDegenerateGeometry when |p0-p3| is ~0.
func EAR(eye EyeLandmarks) (float64, error) {
	horizontal := eye[0].Dist(eye[3])
	if horizontal < minHorizontalDistance {
		return 0, ErrDegenerateGeometry
	}
	vertical := eye[1].Dist(eye[5]) + eye[2].Dist(eye[4])
	return vertical / (2 * horizontal), nil
}

// AverageEAR returns the mean EAR of both eyes. The sample is absent when
// either eye is missing or degenerate; there is no single-eye fallback.
func AverageEAR(left, right *EyeLandmarks) Sample {
	if left == nil || right == nil {
		return Absent()
	}
	l, err := EAR(*left)
	if err != nil {
		return Absent()
	}
	r, err := EAR(*right)
	if err != nil {
		return Absent()
	}
	return Present((l + r) / 2)
}

// SampleFromLandmarks derives the per-frame sample from a provider result.
// found=false (no face) yields an absent sample.
func SampleFromLandmarks(ls LandmarkSet, found bool) Sample {
	if !found {
		return Absent()
	}
	left, okL := ls.Eye(LeftEyeIndices)
	right, okR := ls.Eye(RightEyeIndices)
	if !okL || !okR {
		return Absent()
	}
	return AverageEAR(&left, &right)
}
