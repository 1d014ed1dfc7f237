package metrics

import "sync"

// Event names.
const (
	WSConnected       = "ws_connected"
	WSDisconnected    = "ws_disconnected"
	WSRateLimited     = "ws_rate_limited"
	WSSendQueueFull   = "ws_send_queue_full"
	WSPanic           = "ws_panic"
	RegisterConflict  = "register_conflict"
	SignalRouted      = "signal_routed"
	SignalRejected    = "signal_rejected"
	SignalNoTarget    = "signal_no_target"
	FrameProcessed    = "frame_processed"
	FrameFailed       = "frame_failed"
	FrameSuperseded   = "frame_superseded"
	FrameQueueFull    = "frame_queue_full"
	FrameNoTarget     = "frame_no_target"
	PipelineSkipped   = "pipeline_job_skipped"
	PipelinePanic     = "pipeline_job_panic"
	CaptureFailure    = "capture_failure"
	StreamBlankFrame  = "stream_blank_frame"
	StreamFrame       = "stream_frame"
	StreamViewerDrops = "stream_viewer_drop"
)

// Metrics is a concurrency-safe counter registry. A nil *Metrics discards
// everything.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
