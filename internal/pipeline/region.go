package pipeline

import (
	"image"

	"golang.org/x/image/draw"

	"github.com/signlink/signlink-relay/internal/model"
)

const HandPadding = 20

// handRegion returns the padded landmark bounding box clamped to bounds.
// The result may be empty.
func handRegion(hand model.Hand, bounds image.Rectangle) image.Rectangle {
	if len(hand.Landmarks) == 0 {
		return image.Rectangle{}
	}
	w, h := bounds.Dx(), bounds.Dy()

	xMin, yMin := int(hand.Landmarks[0].X*float64(w)), int(hand.Landmarks[0].Y*float64(h))
	xMax, yMax := xMin, yMin
	for _, l := range hand.Landmarks[1:] {
		x, y := int(l.X*float64(w)), int(l.Y*float64(h))
		xMin, xMax = min(xMin, x), max(xMax, x)
		yMin, yMax = min(yMin, y), max(yMax, y)
	}

	r := image.Rect(
		max(0, xMin-HandPadding),
		max(0, yMin-HandPadding),
		min(w, xMax+HandPadding),
		min(h, yMax+HandPadding),
	)
	if r.Min.X >= r.Max.X || r.Min.Y >= r.Max.Y {
		return image.Rectangle{}
	}
	return r.Add(bounds.Min)
}

// classifierInput crops region out of src, scales it to the classifier's
// square input and returns a HWC tensor in B,G,R order scaled to [-1,1].
func classifierInput(src image.Image, region image.Rectangle) []float32 {
	size := model.InputSize
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, region, draw.Src, nil)

	out := make([]float32, 0, size*size*3)
	for i := 0; i < len(dst.Pix); i += 4 {
		r, g, b := dst.Pix[i], dst.Pix[i+1], dst.Pix[i+2]
		out = append(out, normalize(b), normalize(g), normalize(r))
	}
	return out
}

func normalize(v uint8) float32 {
	return float32(v)/127.5 - 1
}
