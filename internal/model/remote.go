package model

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

const DefaultTimeout = 5 * time.Second

type RemoteDetectorConfig struct {
	URL           string
	MaxHands      int
	MinConfidence float64
	Timeout       time.Duration
}

// RemoteDetector posts a JPEG frame to a landmark service.
type RemoteDetector struct {
	cfg    RemoteDetectorConfig
	client *resty.Client
}

type detectResponse struct {
	Hands []Hand `json:"hands"`
}

func NewRemoteDetector(cfg RemoteDetectorConfig) *RemoteDetector {
	if cfg.MaxHands <= 0 {
		cfg.MaxHands = DefaultMaxHands
	}
	// Zero is a valid threshold; only a negative value means unset.
	if cfg.MinConfidence < 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &RemoteDetector{
		cfg:    cfg,
		client: resty.New().SetTimeout(cfg.Timeout),
	}
}

func (d *RemoteDetector) Detect(ctx context.Context, img image.Image) ([]Hand, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode detector input: %w", err)
	}

	var out detectResponse
	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "image/jpeg").
		SetQueryParam("max_hands", strconv.Itoa(d.cfg.MaxHands)).
		SetQueryParam("min_confidence", strconv.FormatFloat(d.cfg.MinConfidence, 'f', -1, 64)).
		SetBody(buf.Bytes()).
		SetResult(&out).
		Post(d.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("detector request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: detector status %d", ErrBadResponse, resp.StatusCode())
	}

	hands := out.Hands
	if len(hands) > d.cfg.MaxHands {
		hands = hands[:d.cfg.MaxHands]
	}
	return hands, nil
}

type RemoteClassifierConfig struct {
	URL     string
	Labels  []string
	Timeout time.Duration
}

// RemoteClassifier posts a 224x224x3 float32 tensor and maps the returned
// scores onto Labels.
type RemoteClassifier struct {
	cfg    RemoteClassifierConfig
	client *resty.Client
}

type classifyResponse struct {
	Scores []float32 `json:"scores"`
}

func NewRemoteClassifier(cfg RemoteClassifierConfig) *RemoteClassifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &RemoteClassifier{
		cfg:    cfg,
		client: resty.New().SetTimeout(cfg.Timeout),
	}
}

func (c *RemoteClassifier) Classify(ctx context.Context, input []float32) (string, float32, error) {
	var out classifyResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetQueryParam("shape", fmt.Sprintf("1,%d,%d,3", InputSize, InputSize)).
		SetBody(EncodeTensor(input)).
		SetResult(&out).
		Post(c.cfg.URL)
	if err != nil {
		return "", 0, fmt.Errorf("classifier request: %w", err)
	}
	if resp.IsError() {
		return "", 0, fmt.Errorf("%w: classifier status %d", ErrBadResponse, resp.StatusCode())
	}
	return Argmax(out.Scores, c.cfg.Labels)
}

// EncodeTensor serializes input as little-endian float32.
func EncodeTensor(input []float32) []byte {
	out := make([]byte, 4*len(input))
	for i, v := range input {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

func DecodeTensor(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("tensor length %d is not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}
