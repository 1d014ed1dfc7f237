// Package pipeline turns an encoded video frame into an annotated frame and a
// sign prediction.
//
// A Pipeline is not safe for concurrent use because the detector and
// classifier behind it are not. Share it through a Worker.
package pipeline

import (
	"context"
	"fmt"
	"image"

	"github.com/signlink/signlink-relay/internal/model"
)

type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]model.Hand, error)
}

type Classifier interface {
	Classify(ctx context.Context, input []float32) (label string, confidence float32, err error)
}

// Prediction is the frame-level classification. An empty Label means no hand
// was classified.
type Prediction struct {
	Label      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

type Result struct {
	// Image is the annotated frame, JPEG encoded.
	Image      []byte
	Prediction Prediction
	// Hands is the number of hands that were classified and drawn.
	Hands int
}

type Config struct {
	JPEGQuality int
}

type Pipeline struct {
	detector   Detector
	classifier Classifier
	quality    int
}

func New(detector Detector, classifier Classifier, cfg Config) *Pipeline {
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = DefaultJPEGQuality
	}
	return &Pipeline{
		detector:   detector,
		classifier: classifier,
		quality:    cfg.JPEGQuality,
	}
}

// Process annotates every classifiable hand in the frame. When several hands
// are classified, the last one in detection order is the frame prediction.
func (p *Pipeline) Process(ctx context.Context, encoded []byte) (Result, error) {
	src, err := Decode(encoded)
	if err != nil {
		return Result{}, err
	}

	hands, err := p.detector.Detect(ctx, src)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDetector, err)
	}

	var (
		res    Result
		canvas *image.RGBA
	)
	for _, hand := range hands {
		region := handRegion(hand, src.Bounds())
		if region.Empty() {
			continue
		}
		pred, err := p.classify(ctx, src, region)
		if err != nil {
			return Result{}, err
		}
		if canvas == nil {
			canvas = toRGBA(src)
		}
		drawBox(canvas, region)
		drawLabel(canvas, region.Min, labelText(pred))

		res.Prediction = pred
		res.Hands++
	}

	var out image.Image = src
	if canvas != nil {
		out = canvas
	}
	res.Image, err = Encode(out, p.quality)
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// Predict classifies the first classifiable hand without drawing anything.
func (p *Pipeline) Predict(ctx context.Context, encoded []byte) (Prediction, error) {
	src, err := Decode(encoded)
	if err != nil {
		return Prediction{}, err
	}
	hands, err := p.detector.Detect(ctx, src)
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: %v", ErrDetector, err)
	}
	for _, hand := range hands {
		region := handRegion(hand, src.Bounds())
		if region.Empty() {
			continue
		}
		return p.classify(ctx, src, region)
	}
	return Prediction{}, nil
}

func (p *Pipeline) classify(ctx context.Context, src image.Image, region image.Rectangle) (Prediction, error) {
	label, conf, err := p.classifier.Classify(ctx, classifierInput(src, region))
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: %v", ErrClassifier, err)
	}
	return Prediction{Label: label, Confidence: float64(conf)}, nil
}
