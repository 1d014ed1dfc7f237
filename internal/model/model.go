// Package model holds the clients for the hand landmark detector and the sign
// classifier. Both run out of process; the relay treats them as black boxes.
package model

import (
	"context"
	"errors"
	"image"
)

const (
	DefaultMaxHands      = 2
	DefaultMinConfidence = 0.5
	// InputSize is the square edge the classifier expects.
	InputSize = 224
)

var (
	ErrNotConfigured = errors.New("model not configured")
	ErrBadResponse   = errors.New("unexpected model response")
)

// Landmark is a normalized keypoint; X and Y are in [0,1] relative to the
// frame width and height.
type Landmark struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Hand struct {
	Landmarks []Landmark `json:"landmarks"`
}

type NopDetector struct{}

func (NopDetector) Detect(context.Context, image.Image) ([]Hand, error) { return nil, nil }

type UnavailableClassifier struct{}

func (UnavailableClassifier) Classify(context.Context, []float32) (string, float32, error) {
	return "", 0, ErrNotConfigured
}

// Argmax picks the highest score and maps it to its label.
func Argmax(scores []float32, labels []string) (string, float32, error) {
	if len(scores) == 0 {
		return "", 0, ErrBadResponse
	}
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	if best >= len(labels) {
		return "", 0, ErrBadResponse
	}
	return labels[best], scores[best], nil
}
