// Package stream publishes the continuously annotated camera feed to any
// number of MJPEG viewers.
package stream

import (
	"context"
	"sync"

	"github.com/signlink/signlink-relay/internal/metrics"
)

// Sink receives every frame the publisher produces.
type Sink interface {
	Publish(frame []byte)
}

// Viewer is a single-slot mailbox. A frame that is not consumed before the
// next one arrives is overwritten and counted as a drop.
type Viewer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frame  []byte
	closed bool
	drops  uint64
}

func newViewer() *Viewer {
	v := &Viewer{}
	v.cond = sync.NewCond(&v.mu)
	return v
}

// put reports whether an unconsumed frame was overwritten.
func (v *Viewer) put(frame []byte) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return false
	}
	dropped := v.frame != nil
	if dropped {
		v.drops++
	}
	v.frame = frame
	v.cond.Signal()
	return dropped
}

// Next blocks until a frame is available. It returns false once the viewer is
// closed or ctx is done.
func (v *Viewer) Next(ctx context.Context) ([]byte, bool) {
	stop := context.AfterFunc(ctx, func() {
		v.mu.Lock()
		v.cond.Broadcast()
		v.mu.Unlock()
	})
	defer stop()

	v.mu.Lock()
	defer v.mu.Unlock()
	for v.frame == nil && !v.closed && ctx.Err() == nil {
		v.cond.Wait()
	}
	if v.closed || ctx.Err() != nil {
		return nil, false
	}
	frame := v.frame
	v.frame = nil
	return frame, true
}

func (v *Viewer) Drops() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.drops
}

func (v *Viewer) close() {
	v.mu.Lock()
	v.closed = true
	v.frame = nil
	v.cond.Broadcast()
	v.mu.Unlock()
}

// Hub fans frames out to viewers and remembers the last one so a new viewer
// does not wait for the next capture.
type Hub struct {
	metrics *metrics.Metrics

	mu      sync.Mutex
	viewers map[*Viewer]struct{}
	last    []byte
	closed  bool
}

func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{metrics: m, viewers: make(map[*Viewer]struct{})}
}

func (h *Hub) Publish(frame []byte) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.last = frame
	viewers := make([]*Viewer, 0, len(h.viewers))
	for v := range h.viewers {
		viewers = append(viewers, v)
	}
	h.mu.Unlock()

	for _, v := range viewers {
		if v.put(frame) {
			h.metrics.Inc(metrics.StreamViewerDrops)
		}
	}
}

// Subscribe adds a viewer. The caller must Unsubscribe it when done.
func (h *Hub) Subscribe() *Viewer {
	v := newViewer()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		v.close()
		return v
	}
	if h.last != nil {
		v.frame = h.last
	}
	h.viewers[v] = struct{}{}
	return v
}

func (h *Hub) Unsubscribe(v *Viewer) {
	h.mu.Lock()
	delete(h.viewers, v)
	h.mu.Unlock()
	v.close()
}

// Last returns the most recently published frame, or nil.
func (h *Hub) Last() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

func (h *Hub) Viewers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

// Close releases every viewer; later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	viewers := h.viewers
	h.viewers = make(map[*Viewer]struct{})
	h.mu.Unlock()

	for v := range viewers {
		v.close()
	}
}
