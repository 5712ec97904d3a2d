package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openEye builds an eye 4 px wide whose two vertical pairs are each 2 px tall:
// (2+2) / (2*4) = 0.5.
func openEye(dx, dy float64) EyeLandmarks {
	return EyeLandmarks{
		{X: dx + 0, Y: dy + 0}, // p0 corner
		{X: dx + 1, Y: dy - 1}, // p1 upper
		{X: dx + 3, Y: dy - 1}, // p2 upper
		{X: dx + 4, Y: dy + 0}, // p3 corner
		{X: dx + 3, Y: dy + 1}, // p4 lower
		{X: dx + 1, Y: dy + 1}, // p5 lower
	}
}

func closedEye() EyeLandmarks {
	return EyeLandmarks{
		{X: 0, Y: 0},
		{X: 1, Y: 0.001},
		{X: 3, Y: 0.001},
		{X: 10, Y: 0},
		{X: 3, Y: -0.001},
		{X: 1, Y: -0.001},
	}
}

func TestEAR(t *testing.T) {
	tests := []struct {
		name string
		eye  EyeLandmarks
		want float64
		tol  float64
	}{
		{name: "vertical sum equals horizontal", eye: openEye(0, 0), want: 0.5, tol: 0},
		{name: "translation invariant", eye: openEye(120, 87), want: 0.5, tol: 1e-12},
		{name: "closed eye near zero", eye: closedEye(), want: 0, tol: 1e-3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EAR(tt.eye)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, tt.tol)
		})
	}
}

func TestEARDegenerate(t *testing.T) {
	eye := EyeLandmarks{{X: 5, Y: 5}, {X: 5, Y: 4}, {X: 5, Y: 4}, {X: 5, Y: 5}, {X: 5, Y: 6}, {X: 5, Y: 6}}

	_, err := EAR(eye)
	assert.ErrorIs(t, err, ErrDegenerateGeometry)

	s := AverageEAR(&eye, &eye)
	assert.False(t, s.OK, "degenerate geometry must yield an absent sample")
}

func TestAverageEAR(t *testing.T) {
	open := openEye(0, 0)
	closed := closedEye()

	s := AverageEAR(&open, &closed)
	require.True(t, s.OK)
	assert.InDelta(t, 0.25, s.Value, 1e-3)

	assert.False(t, AverageEAR(nil, &open).OK, "missing left eye")
	assert.False(t, AverageEAR(&open, nil).OK, "missing right eye")
}

func TestLandmarkSetEye(t *testing.T) {
	ls := make(LandmarkSet, 478)
	for i := range ls {
		ls[i] = Point{X: float64(i), Y: float64(i) * 2}
	}

	eye, ok := ls.Eye(LeftEyeIndices)
	require.True(t, ok)
	for i, j := range LeftEyeIndices {
		assert.Equal(t, ls[j], eye[i])
	}

	_, ok = ls[:100].Eye(LeftEyeIndices)
	assert.False(t, ok, "indices beyond the set are absent, not zero points")
}

func TestSampleFromLandmarks(t *testing.T) {
	assert.False(t, SampleFromLandmarks(nil, false).OK, "no face")
	assert.False(t, SampleFromLandmarks(make(LandmarkSet, 10), true).OK, "short set")

	ls := make(LandmarkSet, 468)
	left := openEye(300, 200)
	right := openEye(100, 200)
	for i, j := range LeftEyeIndices {
		ls[j] = left[i]
	}
	for i, j := range RightEyeIndices {
		ls[j] = right[i]
	}

	s := SampleFromLandmarks(ls, true)
	require.True(t, s.OK)
	assert.InDelta(t, 0.5, s.Value, 1e-12)
}

func TestBounds(t *testing.T) {
	_, _, ok := LandmarkSet(nil).Bounds()
	assert.False(t, ok)

	lo, hi, ok := LandmarkSet{{X: 3, Y: 9}, {X: -1, Y: 4}, {X: 7, Y: 2}}.Bounds()
	require.True(t, ok)
	assert.Equal(t, Point{X: -1, Y: 2}, lo)
	assert.Equal(t, Point{X: 7, Y: 9}, hi)
}

func TestPresentRejectsNonFinite(t *testing.T) {
	assert.False(t, Present(math.Inf(1)).OK)
	assert.False(t, Present(math.NaN()).OK)
	assert.True(t, Present(0.3).OK)
	assert.Equal(t, "absent", Absent().String())
	assert.Equal(t, "0.300", Present(0.3).String())
}
