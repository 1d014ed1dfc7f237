// Package framerelay runs inbound video frames through the pipeline and
// pushes the annotated result to a named peer.
package framerelay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/signlink/signlink-relay/internal/metrics"
	"github.com/signlink/signlink-relay/internal/pipeline"
	"github.com/signlink/signlink-relay/internal/registry"
	"github.com/signlink/signlink-relay/internal/signaling"
)

type pendingFrame struct {
	ctx    context.Context
	target string
	frame  string
}

// Relay keeps at most one queued frame per sender. A newer frame replaces a
// queued one that has not started processing yet.
type Relay struct {
	worker  *pipeline.Worker
	reg     *registry.Registry
	log     *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending map[string]*pendingFrame
}

func New(worker *pipeline.Worker, reg *registry.Registry, log *slog.Logger, m *metrics.Metrics) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		worker:  worker,
		reg:     reg,
		log:     log,
		metrics: m,
		pending: make(map[string]*pendingFrame),
	}
}

type processedFrame struct {
	Type       signaling.Kind      `json:"type"`
	Frame      string              `json:"frame"`
	Prediction pipeline.Prediction `json:"prediction"`
	From       string              `json:"from"`
}

// Submit queues frame from sender for processing. It never blocks; frames
// that cannot be queued are dropped. ctx should end when the sender
// disconnects.
func (r *Relay) Submit(ctx context.Context, from, target, frame string) {
	r.mu.Lock()
	if p, ok := r.pending[from]; ok {
		p.ctx, p.target, p.frame = ctx, target, frame
		r.mu.Unlock()
		r.metrics.Inc(metrics.FrameSuperseded)
		return
	}
	r.pending[from] = &pendingFrame{ctx: ctx, target: target, frame: frame}
	r.mu.Unlock()

	// The job always runs so the pending slot is released; cancellation is
	// checked against the sender's context inside process.
	queued := r.worker.TrySubmit(context.Background(), func(_ context.Context, p *pipeline.Pipeline) {
		r.process(p, from)
	})
	if !queued {
		r.mu.Lock()
		delete(r.pending, from)
		r.mu.Unlock()
		r.metrics.Inc(metrics.FrameQueueFull)
	}
}

func (r *Relay) take(from string) (*pendingFrame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[from]
	delete(r.pending, from)
	return p, ok
}

func (r *Relay) process(p *pipeline.Pipeline, from string) {
	job, ok := r.take(from)
	if !ok {
		return
	}
	if job.ctx.Err() != nil {
		r.metrics.Inc(metrics.PipelineSkipped)
		return
	}

	data, err := pipeline.DecodeDataURL(job.frame)
	if err != nil {
		r.metrics.Inc(metrics.FrameFailed)
		r.log.Debug("frame_dropped", "from", from, "err", err)
		return
	}
	res, err := p.Process(job.ctx, data)
	if err != nil {
		r.metrics.Inc(metrics.FrameFailed)
		r.log.Debug("frame_dropped", "from", from, "err", err)
		return
	}
	r.metrics.Inc(metrics.FrameProcessed)

	r.deliver(from, job.target, res)
}

func (r *Relay) deliver(from, target string, res pipeline.Result) {
	if target == "" {
		return
	}
	ch, ok := r.reg.Lookup(target)
	if !ok || ch.Closed() {
		r.metrics.Inc(metrics.FrameNoTarget)
		return
	}

	msg, err := json.Marshal(processedFrame{
		Type:       signaling.KindProcessedFrame,
		Frame:      pipeline.EncodeDataURL(res.Image),
		Prediction: res.Prediction,
		From:       from,
	})
	if err != nil {
		r.log.Error("encode processed frame", "err", err)
		return
	}
	if err := ch.Send(msg); err != nil {
		r.metrics.Inc(metrics.FrameNoTarget)
	}
}
