package pipeline

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var boxColor = color.RGBA{G: 255, A: 255}

const labelOffsetY = 10

func toRGBA(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, src, b.Min, draw.Src)
	return dst
}

// drawBox strokes r with a two pixel border.
func drawBox(dst *image.RGBA, r image.Rectangle) {
	c := image.NewUniform(boxColor)
	edges := []image.Rectangle{
		image.Rect(r.Min.X-1, r.Min.Y-1, r.Max.X+1, r.Min.Y+1),
		image.Rect(r.Min.X-1, r.Max.Y-1, r.Max.X+1, r.Max.Y+1),
		image.Rect(r.Min.X-1, r.Min.Y-1, r.Min.X+1, r.Max.Y+1),
		image.Rect(r.Max.X-1, r.Min.Y-1, r.Max.X+1, r.Max.Y+1),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Bounds()), c, image.Point{}, draw.Src)
	}
}

func drawLabel(dst *image.RGBA, at image.Point, text string) {
	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(boxColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(at.X, at.Y-labelOffsetY),
	}
	d.DrawString(text)
}

func labelText(p Prediction) string {
	return fmt.Sprintf("%s (%.2f%%)", p.Label, p.Confidence*100)
}
