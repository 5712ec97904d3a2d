// Package overlay draws the detection annotations onto a frame: face box,
// eye contours and points, the EAR readout and the drowsiness warning.
//
// All drawing happens in place on an *image.RGBA owned by the caller.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/e7canasta/orion-drowsiness/internal/geometry"
)

var (
	Green  = color.RGBA{R: 0x00, G: 0xff, B: 0x00, A: 0xff}
	Red    = color.RGBA{R: 0xff, G: 0x00, B: 0x00, A: 0xff}
	Yellow = color.RGBA{R: 0xff, G: 0xff, B: 0x00, A: 0xff}

	// tint is red at 10 % opacity.
	tint = color.NRGBA{R: 0xff, A: 26}
)

// Annotation is what the producer knows about one frame.
type Annotation struct {
	Landmarks geometry.LandmarkSet
	Found     bool
	Sample    geometry.Sample
	Drowsy    bool
}

// Annotator draws annotations. The zero value is ready to use.
type Annotator struct {
	// Thickness of lines and radius of eye points, default 2.
	Thickness int
	// Left/right eye index mapping, default Face Mesh.
	LeftEye, RightEye geometry.EyeIndices
}

// NewAnnotator returns an annotator with Face Mesh eye indices.
func NewAnnotator() *Annotator {
	return &Annotator{
		Thickness: 2,
		LeftEye:   geometry.LeftEyeIndices,
		RightEye:  geometry.RightEyeIndices,
	}
}

// Annotate draws a onto img.
func (an *Annotator) Annotate(img *image.RGBA, a Annotation) {
	if img == nil {
		return
	}
	th := an.Thickness
	if th <= 0 {
		th = 2
	}

	if !a.Found {
		DrawText(img, "No face detected", image.Pt(10, 30), Red, 1)
		return
	}

	w := float64(th)
	outline, points := NewPen(img), NewPen(img)
	if lo, hi, ok := a.Landmarks.Bounds(); ok {
		outline.Box(lo, hi, w)
	}
	for _, idx := range []geometry.EyeIndices{an.leftEye(), an.rightEye()} {
		eye, ok := a.Landmarks.Eye(idx)
		if !ok {
			continue
		}
		outline.Closed(eye[:], w)
		for _, p := range eye {
			points.Disc(p, w)
		}
	}
	outline.Fill(Green)
	points.Fill(Yellow)

	label := "EAR: --"
	if a.Sample.OK {
		label = fmt.Sprintf("EAR: %.3f", a.Sample.Value)
	}
	DrawText(img, label, image.Pt(10, 30), Green, 1)

	if a.Drowsy {
		Tint(img, tint)
		DrawText(img, "DROWSINESS DETECTED!", image.Pt(10, 70), Red, 2)
	}
}

func (an *Annotator) leftEye() geometry.EyeIndices {
	if an.LeftEye == (geometry.EyeIndices{}) {
		return geometry.LeftEyeIndices
	}
	return an.LeftEye
}

func (an *Annotator) rightEye() geometry.EyeIndices {
	if an.RightEye == (geometry.EyeIndices{}) {
		return geometry.RightEyeIndices
	}
	return an.RightEye
}

// Tint blends c over the whole image.
func Tint(img *image.RGBA, c color.NRGBA) {
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Over)
}
