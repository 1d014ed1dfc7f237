package gateway

import "sync"

// outbox buffers text messages for a single connection's writer goroutine.
// Its capacity is measured in bytes so one slow viewer of processed frames
// cannot pin unbounded memory.
type outbox struct {
	mu     sync.Mutex
	ready  *sync.Cond
	closed bool

	limit int
	size  int
	head  int
	queue [][]byte
}

func newOutbox(limit int) *outbox {
	o := &outbox{limit: limit}
	o.ready = sync.NewCond(&o.mu)
	return o
}

// push appends msg unless the outbox is closed or msg would exceed the byte
// budget. It never blocks.
func (o *outbox) push(msg []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.size+len(msg) > o.limit {
		return false
	}
	o.queue = append(o.queue, msg)
	o.size += len(msg)
	o.ready.Signal()
	return true
}

// pop blocks until a message is queued. It reports false once the outbox is
// closed; anything still queued at that point is discarded.
func (o *outbox) pop() ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for o.head == len(o.queue) && !o.closed {
		o.ready.Wait()
	}
	if o.closed {
		return nil, false
	}
	msg := o.queue[o.head]
	o.queue[o.head] = nil
	o.head++
	o.size -= len(msg)
	if o.head == len(o.queue) {
		o.queue = o.queue[:0]
		o.head = 0
	}
	return msg, true
}

func (o *outbox) pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue) - o.head
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.queue = nil
	o.head = 0
	o.size = 0
	o.mu.Unlock()
	o.ready.Broadcast()
}
