package overlay

import (
	"image"
	"image/color"
	"math"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/f64"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"

	"github.com/e7canasta/orion-drowsiness/internal/geometry"
)

// discSegments is the polygon resolution of a filled circle.
const discSegments = 24

// Pen accumulates vector paths over an image and fills them in one pass.
// Every shape is emitted with the same winding so overlapping strokes add
// up instead of cancelling.
type Pen struct {
	img    *image.RGBA
	origin geometry.Point
	z      *vector.Rasterizer
	empty  bool
}

// NewPen returns a pen covering img.
func NewPen(img *image.RGBA) *Pen {
	b := img.Bounds()
	return &Pen{
		img:    img,
		origin: geometry.Point{X: float64(b.Min.X), Y: float64(b.Min.Y)},
		z:      vector.NewRasterizer(b.Dx(), b.Dy()),
		empty:  true,
	}
}

// Segment adds a stroke of the given width from a to b with square caps.
func (p *Pen) Segment(a, b geometry.Point, width float64) {
	h := width / 2
	dx, dy := b.X-a.X, b.Y-a.Y
	l := math.Hypot(dx, dy)
	if l == 0 {
		dx, dy = 1, 0
	} else {
		dx, dy = dx/l, dy/l
	}
	nx, ny := -dy*h, dx*h
	a = geometry.Point{X: a.X - dx*h, Y: a.Y - dy*h}
	b = geometry.Point{X: b.X + dx*h, Y: b.Y + dy*h}
	p.quad(
		geometry.Point{X: a.X + nx, Y: a.Y + ny},
		geometry.Point{X: b.X + nx, Y: b.Y + ny},
		geometry.Point{X: b.X - nx, Y: b.Y - ny},
		geometry.Point{X: a.X - nx, Y: a.Y - ny},
	)
}

// Closed adds a stroked closed polyline through pts.
func (p *Pen) Closed(pts []geometry.Point, width float64) {
	for i := range pts {
		p.Segment(pts[i], pts[(i+1)%len(pts)], width)
	}
}

// Box adds the stroked outline of the rectangle lo..hi.
func (p *Pen) Box(lo, hi geometry.Point, width float64) {
	p.Closed([]geometry.Point{lo, {X: hi.X, Y: lo.Y}, hi, {X: lo.X, Y: hi.Y}}, width)
}

// Disc adds a filled circle.
func (p *Pen) Disc(center geometry.Point, r float64) {
	for i := 0; i <= discSegments; i++ {
		a := -2 * math.Pi * float64(i) / discSegments
		pt := geometry.Point{X: center.X + r*math.Cos(a), Y: center.Y + r*math.Sin(a)}
		if i == 0 {
			p.moveTo(pt)
		} else {
			p.lineTo(pt)
		}
	}
	p.z.ClosePath()
}

// Fill paints everything added so far in c and resets the pen.
func (p *Pen) Fill(c color.RGBA) {
	if !p.empty {
		p.z.Draw(p.img, p.img.Bounds(), image.NewUniform(c), image.Point{})
	}
	b := p.img.Bounds()
	p.z.Reset(b.Dx(), b.Dy())
	p.empty = true
}

func (p *Pen) quad(a, b, c, d geometry.Point) {
	p.moveTo(a)
	p.lineTo(b)
	p.lineTo(c)
	p.lineTo(d)
	p.z.ClosePath()
}

func (p *Pen) moveTo(pt geometry.Point) {
	p.empty = false
	p.z.MoveTo(float32(pt.X-p.origin.X), float32(pt.Y-p.origin.Y))
}

func (p *Pen) lineTo(pt geometry.Point) {
	p.z.LineTo(float32(pt.X-p.origin.X), float32(pt.Y-p.origin.Y))
}

func pt(q image.Point) geometry.Point {
	return geometry.Point{X: float64(q.X), Y: float64(q.Y)}
}

// Line draws a segment of the given thickness.
func Line(img *image.RGBA, a, b image.Point, c color.RGBA, thickness int) {
	p := NewPen(img)
	p.Segment(pt(a), pt(b), float64(thickness))
	p.Fill(c)
}

// Rect draws the outline of r.
func Rect(img *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	p := NewPen(img)
	p.Box(pt(r.Min), pt(r.Max), float64(thickness))
	p.Fill(c)
}

// Polygon draws a closed polyline through pts.
func Polygon(img *image.RGBA, pts []geometry.Point, c color.RGBA, thickness int) {
	p := NewPen(img)
	p.Closed(pts, float64(thickness))
	p.Fill(c)
}

// Disc fills a circle of radius r around center.
func Disc(img *image.RGBA, center image.Point, r int, c color.RGBA) {
	p := NewPen(img)
	p.Disc(pt(center), float64(r))
	p.Fill(c)
}

// DrawText writes s with its baseline at dot, magnified by scale.
func DrawText(img *image.RGBA, s string, dot image.Point, c color.RGBA, scale int) {
	face := basicfont.Face7x13
	if scale <= 1 {
		d := &font.Drawer{
			Dst:  img,
			Src:  image.NewUniform(c),
			Face: face,
			Dot:  fixed.P(dot.X, dot.Y),
		}
		d.DrawString(s)
		return
	}

	// render at 1x on a transparent canvas, then scale up onto img
	m := face.Metrics()
	ascent, height := m.Ascent.Ceil(), m.Height.Ceil()
	width := font.MeasureString(face, s).Ceil()
	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	d := &font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(0, ascent),
	}
	d.DrawString(s)

	dst := image.Rect(0, 0, width*scale, height*scale).Add(image.Pt(dot.X, dot.Y-ascent*scale))
	xdraw.NearestNeighbor.Scale(img, dst, canvas, canvas.Bounds(), xdraw.Over, nil)
}

// Mirror flips img horizontally in place.
func Mirror(img *image.RGBA) {
	if img == nil {
		return
	}
	b := img.Bounds()
	src := &image.RGBA{
		Pix:    append([]uint8(nil), img.Pix...),
		Stride: img.Stride,
		Rect:   img.Rect,
	}
	// x' = (min + max) - x maps every pixel centre onto its mirror
	flip := f64.Aff3{-1, 0, float64(b.Min.X + b.Max.X), 0, 1, 0}
	xdraw.NearestNeighbor.Transform(img, flip, src, b, xdraw.Src, nil)
}
