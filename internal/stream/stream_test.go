package stream

import (
	"bufio"
	"context"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signlink/signlink-relay/internal/capture"
	"github.com/signlink/signlink-relay/internal/metrics"
	"github.com/signlink/signlink-relay/internal/model"
	"github.com/signlink/signlink-relay/internal/pipeline"
)

type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *recordingSink) Publish(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
}

func (s *recordingSink) published() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

// scriptedSource fails the first `failures` reads and then returns frame.
type scriptedSource struct {
	mu       sync.Mutex
	failures int
	frame    []byte
}

func (s *scriptedSource) Read(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return nil, capture.ErrCapture
	}
	return s.frame, nil
}

type oneHand struct{}

func (oneHand) Detect(context.Context, image.Image) ([]model.Hand, error) {
	return []model.Hand{{Landmarks: []model.Landmark{{X: 0.2, Y: 0.2}, {X: 0.8, Y: 0.8}}}}, nil
}

type fixedClassifier struct{}

func (fixedClassifier) Classify(context.Context, []float32) (string, float32, error) {
	return "C", 0.9, nil
}

func startWorker(t *testing.T, det pipeline.Detector, cls pipeline.Classifier) *pipeline.Worker {
	t.Helper()
	w := pipeline.NewWorker(pipeline.New(det, cls, pipeline.Config{}), 4, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w
}

func testJPEG(t *testing.T) []byte {
	t.Helper()
	data, err := pipeline.Blank(80, 60, pipeline.DefaultJPEGQuality)
	require.NoError(t, err)
	return data
}

func TestPublisher_CaptureFailuresPublishBlankFrames(t *testing.T) {
	m := metrics.New()
	sink := &recordingSink{}
	latest := &pipeline.LatestPrediction{}
	src := &scriptedSource{failures: 3, frame: testJPEG(t)}

	p, err := NewPublisher(PublisherConfig{
		Source:  src,
		Worker:  startWorker(t, oneHand{}, fixedClassifier{}),
		Sink:    sink,
		Latest:  latest,
		Metrics: m,
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		p.step(context.Background())
	}
	frames := sink.published()
	require.Len(t, frames, 3)
	for _, f := range frames {
		assert.Equal(t, p.blank, f)
	}
	assert.Equal(t, uint64(3), m.Get(metrics.StreamBlankFrame))
	assert.Equal(t, uint64(3), m.Get(metrics.CaptureFailure))
	assert.Equal(t, pipeline.Prediction{}, latest.Load())

	blank, err := pipeline.Decode(p.blank)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 640, 480), blank.Bounds())

	// Capture recovers: the annotated frame and its prediction are published.
	p.step(context.Background())
	frames = sink.published()
	require.Len(t, frames, 4)
	assert.NotEqual(t, p.blank, frames[3])
	assert.Equal(t, pipeline.Prediction{Label: "C", Confidence: float64(float32(0.9))}, latest.Load())
	assert.Equal(t, uint64(1), m.Get(metrics.StreamFrame))
}

func TestPublisher_NoHandsClearsPrediction(t *testing.T) {
	sink := &recordingSink{}
	latest := &pipeline.LatestPrediction{}
	latest.Store(pipeline.Prediction{Label: "A", Confidence: 0.5})

	p, err := NewPublisher(PublisherConfig{
		Source: &scriptedSource{frame: testJPEG(t)},
		Worker: startWorker(t, model.NopDetector{}, model.UnavailableClassifier{}),
		Sink:   sink,
		Latest: latest,
	})
	require.NoError(t, err)

	p.step(context.Background())
	assert.Equal(t, pipeline.Prediction{}, latest.Load())
	assert.Len(t, sink.published(), 1)
}

func TestPublisher_RunStopsOnCancel(t *testing.T) {
	hub := NewHub(nil)
	p, err := NewPublisher(PublisherConfig{
		Source: capture.Unavailable{},
		Worker: startWorker(t, model.NopDetector{}, model.UnavailableClassifier{}),
		Sink:   hub,
		FPS:    100,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return hub.Last() != nil }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestHub_NewViewerGetsLastFrame(t *testing.T) {
	h := NewHub(nil)
	h.Publish([]byte("one"))

	v := h.Subscribe()
	defer h.Unsubscribe(v)
	frame, ok := v.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, "one", string(frame))
}

func TestHub_SlowViewerKeepsOnlyLatest(t *testing.T) {
	m := metrics.New()
	h := NewHub(m)
	v := h.Subscribe()
	defer h.Unsubscribe(v)

	h.Publish([]byte("one"))
	h.Publish([]byte("two"))
	h.Publish([]byte("three"))

	frame, ok := v.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, "three", string(frame))
	assert.Equal(t, uint64(2), v.Drops())
	assert.Equal(t, uint64(2), m.Get(metrics.StreamViewerDrops))
}

func TestHub_NextUnblocksOnCancelAndClose(t *testing.T) {
	h := NewHub(nil)
	v := h.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, ok := v.Next(ctx)
	assert.False(t, ok)

	go func() {
		time.Sleep(20 * time.Millisecond)
		h.Close()
	}()
	_, ok = v.Next(context.Background())
	assert.False(t, ok)
	assert.Zero(t, h.Viewers())
}

func TestMJPEGHandler(t *testing.T) {
	h := NewHub(nil)
	h.Publish([]byte("jpeg-one"))

	srv := httptest.NewServer(MJPEGHandler(h))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	readPart := func(frame string) {
		t.Helper()
		want := "--frame\r\nContent-Type: image/jpeg\r\n\r\n" + frame + "\r\n"
		got := make([]byte, len(want))
		_, err := io.ReadFull(r, got)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
	readPart("jpeg-one")

	require.Eventually(t, func() bool { return h.Viewers() == 1 }, time.Second, 5*time.Millisecond)
	h.Publish([]byte("jpeg-two"))
	readPart("jpeg-two")
}
