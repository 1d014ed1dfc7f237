package pipeline

import (
	"context"
	"log/slog"
	"runtime/debug"

	"github.com/signlink/signlink-relay/internal/metrics"
)

const DefaultQueueSize = 16

// JobFunc runs on the worker goroutine with exclusive use of the pipeline.
type JobFunc func(ctx context.Context, p *Pipeline)

type job struct {
	ctx  context.Context
	fn   JobFunc
	done chan struct{}
}

// Worker serializes all pipeline use onto a single goroutine.
type Worker struct {
	p       *Pipeline
	log     *slog.Logger
	metrics *metrics.Metrics

	jobs    chan job
	stopped chan struct{}
}

func NewWorker(p *Pipeline, queueSize int, log *slog.Logger, m *metrics.Metrics) *Worker {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		p:       p,
		log:     log,
		metrics: m,
		jobs:    make(chan job, queueSize),
		stopped: make(chan struct{}),
	}
}

// Run consumes jobs until ctx is done. It must be called exactly once.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stopped)
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-w.jobs:
			w.run(j)
		}
	}
}

func (w *Worker) run(j job) {
	defer close(j.done)
	if j.ctx.Err() != nil {
		w.metrics.Inc(metrics.PipelineSkipped)
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			w.metrics.Inc(metrics.PipelinePanic)
			w.log.Error("panic in pipeline job", "recover", rec, "stack", string(debug.Stack()))
		}
	}()
	j.fn(j.ctx, w.p)
}

// Exec queues fn and waits for it to finish.
func (w *Worker) Exec(ctx context.Context, fn JobFunc) error {
	j := job{ctx: ctx, fn: fn, done: make(chan struct{})}
	select {
	case w.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stopped:
		return ErrWorkerStopped
	}
	select {
	case <-j.done:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stopped:
		return ErrWorkerStopped
	}
}

// TrySubmit queues fn without waiting. It reports false when the queue is
// full or the worker has stopped.
func (w *Worker) TrySubmit(ctx context.Context, fn JobFunc) bool {
	select {
	case <-w.stopped:
		return false
	default:
	}
	select {
	case w.jobs <- job{ctx: ctx, fn: fn, done: make(chan struct{})}:
		return true
	default:
		return false
	}
}

func (w *Worker) Process(ctx context.Context, encoded []byte) (Result, error) {
	var (
		res Result
		err = ErrJobAborted
	)
	if execErr := w.Exec(ctx, func(ctx context.Context, p *Pipeline) {
		res, err = p.Process(ctx, encoded)
	}); execErr != nil {
		return Result{}, execErr
	}
	return res, err
}

func (w *Worker) Predict(ctx context.Context, encoded []byte) (Prediction, error) {
	var (
		pred Prediction
		err  = ErrJobAborted
	)
	if execErr := w.Exec(ctx, func(ctx context.Context, p *Pipeline) {
		pred, err = p.Predict(ctx, encoded)
	}); execErr != nil {
		return Prediction{}, execErr
	}
	return pred, err
}
