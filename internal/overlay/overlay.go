// Package overlay holds the image primitives used by the camera pipeline:
// grayscale conversion, frame copies, detection overlays and JPEG encoding.
package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/LED-Robotics/frc-ledvision-2025/pkg/types"
)

// Overlay colours
var (
	TagColor      = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	DetectColor   = color.RGBA{R: 255, G: 0, B: 0, A: 255}
	KeypointColor = color.RGBA{R: 255, G: 255, B: 0, A: 255}
	LabelBG       = color.RGBA{A: 255}
)

// Thickness of overlay outlines in pixels
const Thickness = 3

// KeypointMinScore hides low-confidence keypoints.
const KeypointMinScore = 0.5

// Gray returns the luminance of img. Gray inputs are copied, not aliased.
func Gray(img image.Image) *image.Gray {
	b := img.Bounds()
	g := image.NewGray(b)
	draw.Draw(g, b, img, b.Min, draw.Src)
	return g
}

// Clone returns an RGBA copy of img that can be drawn on freely.
func Clone(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, img, b.Min, draw.Src)
	return dst
}

// Scale resizes img so its longest side equals maxSide and returns the
// factor that maps scaled coordinates back to the source. Images already
// small enough are returned unchanged with factor 1.
func Scale(img image.Image, maxSide int) (image.Image, float64) {
	b := img.Bounds()
	longest := max(b.Dx(), b.Dy())
	if maxSide <= 0 || longest <= maxSide {
		return img, 1
	}
	f := float64(longest) / float64(maxSide)
	w := int(float64(b.Dx())/f + 0.5)
	h := int(float64(b.Dy())/f + 0.5)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst, f
}

// EncodeJPEG compresses img at the given quality (1..100).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Draw renders each detection onto img according to its kind.
func Draw(img *image.RGBA, dets []types.Detection) {
	for _, d := range dets {
		switch det := d.(type) {
		case types.TagDetection:
			DrawTag(img, det)
		case types.MlDetection:
			DrawML(img, det)
		}
	}
}

// DrawTag outlines the tag quadrilateral and prints its id at the centre.
func DrawTag(img *image.RGBA, t types.TagDetection) {
	var cx, cy float64
	for i := range t.Corners {
		a, b := t.Corners[i], t.Corners[(i+1)%4]
		Line(img, pt(a), pt(b), TagColor, Thickness)
		cx += a.X / 4
		cy += a.Y / 4
	}
	Label(img, image.Pt(int(cx), int(cy)), fmt.Sprintf("%d", t.ID), TagColor)
}

// DrawML draws the bounding box, label and confident keypoints.
func DrawML(img *image.RGBA, d types.MlDetection) {
	r := image.Rect(int(d.Box.X), int(d.Box.Y), int(d.Box.X+d.Box.Width), int(d.Box.Y+d.Box.Height))
	Rect(img, r, DetectColor, Thickness)

	labelY := r.Min.Y - 4
	if labelY < 13 {
		labelY = r.Max.Y + 13
	}
	Label(img, image.Pt(r.Min.X, labelY), fmt.Sprintf("%d", d.Label), DetectColor)

	for _, kp := range d.Keypoints {
		if kp.Score < KeypointMinScore {
			continue
		}
		Circle(img, image.Pt(int(kp.X), int(kp.Y)), 3, KeypointColor)
	}
}

func pt(p types.Point) image.Point {
	return image.Pt(int(p.X+0.5), int(p.Y+0.5))
}

// Line draws a segment with Bresenham stepping and a square pen.
func Line(img *image.RGBA, a, b image.Point, c color.RGBA, thickness int) {
	dx, dy := abs(b.X-a.X), -abs(b.Y-a.Y)
	sx, sy := 1, 1
	if a.X > b.X {
		sx = -1
	}
	if a.Y > b.Y {
		sy = -1
	}
	half := thickness / 2
	e := dx + dy
	x, y := a.X, a.Y
	for {
		fill(img, image.Rect(x-half, y-half, x-half+thickness, y-half+thickness), c)
		if x == b.X && y == b.Y {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x += sx
		}
		if e2 <= dx {
			e += dx
			y += sy
		}
	}
}

// Rect draws the outline of r.
func Rect(img *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	fill(img, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness), c)
	fill(img, image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y), c)
	fill(img, image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y), c)
	fill(img, image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y), c)
}

// Circle draws a filled disc.
func Circle(img *image.RGBA, center image.Point, radius int, c color.RGBA) {
	b := img.Bounds()
	for y := -radius; y <= radius; y++ {
		for x := -radius; x <= radius; x++ {
			if x*x+y*y > radius*radius {
				continue
			}
			p := image.Pt(center.X+x, center.Y+y)
			if p.In(b) {
				img.SetRGBA(p.X, p.Y, c)
			}
		}
	}
}

// Label prints text with its baseline at p over a black background box.
func Label(img *image.RGBA, p image.Point, text string, c color.RGBA) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(p.X, p.Y),
	}
	w := d.MeasureString(text).Ceil()
	m := face.Metrics()
	bg := image.Rect(p.X-2, p.Y-m.Ascent.Ceil()-2, p.X+w+2, p.Y+m.Descent.Ceil()+2)
	fill(img, bg, LabelBG)
	d.DrawString(text)
}

func fill(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	r = r.Intersect(img.Bounds())
	if r.Empty() {
		return
	}
	draw.Draw(img, r, image.NewUniform(c), image.Point{}, draw.Src)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
