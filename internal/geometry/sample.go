package geometry

import (
	"fmt"
	"math"
)

// Sample is one EAR measurement per processed frame, or absent when no face
// (or no usable eye geometry) was found.
type Sample struct {
	Value float64
	OK    bool
}

// Present wraps a measured EAR. NaN and infinities are treated as absent.
func Present(v float64) Sample {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Sample{}
	}
	return Sample{Value: v, OK: true}
}

// Absent is the no-face / unusable-geometry sample.
func Absent() Sample {
	return Sample{}
}

func (s Sample) String() string {
	if !s.OK {
		return "absent"
	}
	return fmt.Sprintf("%.3f", s.Value)
}
