package registry

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrConflict        = errors.New("identity already bound to another channel")
	ErrInvalidIdentity = errors.New("identity must not be empty")
)

// Channel is a send-capable handle for one connected peer.
type Channel interface {
	// ID is unique per live connection and stable for its lifetime.
	ID() string
	Send(msg []byte) error
	Closed() bool
}

type ConnectionRecord struct {
	Identity  string
	Channel   Channel
	CreatedAt time.Time
}

// Registry maps identities to channels. At most one channel is bound to an
// identity; a channel may hold several identities (e.g. a session id plus a
// registered email).
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]ConnectionRecord
	byChan  map[string]map[string]struct{}
	nowFunc func() time.Time
}

func New() *Registry {
	return &Registry{
		byID:    make(map[string]ConnectionRecord),
		byChan:  make(map[string]map[string]struct{}),
		nowFunc: time.Now,
	}
}

// Register binds identity to ch. It returns ErrConflict, leaving the existing
// binding in place, when identity is held by a different live channel. A
// binding to the same channel or to a closed channel is replaced.
func (r *Registry) Register(identity string, ch Channel) error {
	if identity == "" {
		return ErrInvalidIdentity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.byID[identity]; ok {
		if cur.Channel.ID() != ch.ID() && !cur.Channel.Closed() {
			return ErrConflict
		}
		r.unindexLocked(identity, cur.Channel.ID())
	}

	r.byID[identity] = ConnectionRecord{
		Identity:  identity,
		Channel:   ch,
		CreatedAt: r.nowFunc(),
	}
	set := r.byChan[ch.ID()]
	if set == nil {
		set = make(map[string]struct{})
		r.byChan[ch.ID()] = set
	}
	set[identity] = struct{}{}
	return nil
}

func (r *Registry) Lookup(identity string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[identity]
	if !ok {
		return nil, false
	}
	return rec.Channel, true
}

func (r *Registry) Record(identity string) (ConnectionRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[identity]
	return rec, ok
}

// Remove drops every identity bound to ch and returns them in sorted order.
// Removing a channel that holds nothing is a no-op.
func (r *Registry) Remove(ch Channel) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.byChan[ch.ID()]
	if len(set) == 0 {
		delete(r.byChan, ch.ID())
		return nil
	}
	removed := make([]string, 0, len(set))
	for identity := range set {
		if rec, ok := r.byID[identity]; ok && rec.Channel.ID() == ch.ID() {
			delete(r.byID, identity)
		}
		removed = append(removed, identity)
	}
	delete(r.byChan, ch.ID())
	sort.Strings(removed)
	return removed
}

// RemoveIdentity unbinds a single identity. It reports whether anything was
// removed.
func (r *Registry) RemoveIdentity(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[identity]
	if !ok {
		return false
	}
	delete(r.byID, identity)
	r.unindexLocked(identity, rec.Channel.ID())
	return true
}

func (r *Registry) unindexLocked(identity, chanID string) {
	set := r.byChan[chanID]
	delete(set, identity)
	if len(set) == 0 {
		delete(r.byChan, chanID)
	}
}

func (r *Registry) Identities() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byID))
	for identity := range r.byID {
		out = append(out, identity)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Channels returns each bound channel once.
func (r *Registry) Channels() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(r.byChan))
	out := make([]Channel, 0, len(r.byChan))
	for _, rec := range r.byID {
		if _, ok := seen[rec.Channel.ID()]; ok {
			continue
		}
		seen[rec.Channel.ID()] = struct{}{}
		out = append(out, rec.Channel)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
