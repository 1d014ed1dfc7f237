package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/signlink/signlink-relay/internal/capture"
	"github.com/signlink/signlink-relay/internal/metrics"
	"github.com/signlink/signlink-relay/internal/pipeline"
)

const DefaultFPS = 10

type PublisherConfig struct {
	Source capture.Source
	Worker *pipeline.Worker
	Sink   Sink
	// Latest receives the prediction of every successfully processed frame.
	Latest *pipeline.LatestPrediction

	FPS         int
	JPEGQuality int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Publisher captures, annotates and publishes frames at a fixed rate. A
// frame that fails anywhere along the way is replaced by a blank frame so
// viewers keep receiving a steady stream.
type Publisher struct {
	src      capture.Source
	worker   *pipeline.Worker
	sink     Sink
	latest   *pipeline.LatestPrediction
	interval time.Duration
	blank    []byte

	log     *slog.Logger
	metrics *metrics.Metrics

	failing bool
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Source == nil || cfg.Worker == nil || cfg.Sink == nil {
		return nil, fmt.Errorf("stream: source, worker and sink are required")
	}
	if cfg.FPS <= 0 {
		cfg.FPS = DefaultFPS
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = pipeline.DefaultJPEGQuality
	}
	if cfg.Latest == nil {
		cfg.Latest = &pipeline.LatestPrediction{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	blank, err := pipeline.Blank(pipeline.BlankWidth, pipeline.BlankHeight, cfg.JPEGQuality)
	if err != nil {
		return nil, fmt.Errorf("stream: encode blank frame: %w", err)
	}
	return &Publisher{
		src:      cfg.Source,
		worker:   cfg.Worker,
		sink:     cfg.Sink,
		latest:   cfg.Latest,
		interval: time.Second / time.Duration(cfg.FPS),
		blank:    blank,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
	}, nil
}

// Run publishes until ctx is done. Frame failures never end the loop.
func (p *Publisher) Run(ctx context.Context) error {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		p.step(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (p *Publisher) step(ctx context.Context) {
	data, err := p.src.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.metrics.Inc(metrics.CaptureFailure)
		p.fail("capture", err)
		return
	}

	res, err := p.worker.Process(ctx, data)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.fail("pipeline", err)
		return
	}

	if p.failing {
		p.failing = false
		p.log.Info("stream_recovered")
	}
	p.latest.Store(res.Prediction)
	p.sink.Publish(res.Image)
	p.metrics.Inc(metrics.StreamFrame)
}

func (p *Publisher) fail(stage string, err error) {
	if !p.failing {
		p.failing = true
		p.log.Warn("stream_frame_failed", "stage", stage, "err", err)
	} else {
		p.log.Debug("stream_frame_failed", "stage", stage, "err", err)
	}
	p.sink.Publish(p.blank)
	p.metrics.Inc(metrics.StreamBlankFrame)
}
