// Package broadcast implements the publish/subscribe fan-out for run status
// and recompute events. Delivery is best-effort: the persisted state is the
// source of truth and a client that misses an event can always re-poll.
package broadcast

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one state-change notification.
type Event struct {
	Type    string    `json:"type"`
	TS      time.Time `json:"ts"`
	Payload any       `json:"payload"`
}

// Event types published by the queue subsystems.
const (
	EventRunStatus         = "run.status"
	EventRecomputeStarted  = "recompute.started"
	EventRecomputeFinished = "recompute.finished"
)

const defaultSubscriberBuffer = 64

// Broadcaster fans events out to subscriber channels without ever blocking
// the publisher. A subscriber whose buffer is full is dropped and its
// channel closed; it is expected to resubscribe and re-poll.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[chan Event]struct{}
	bufSize int
	closed  bool
	logger  *zap.Logger
	dropped int64
}

// New constructs a Broadcaster. bufSize <= 0 uses the default per-subscriber
// buffer.
func New(bufSize int, logger *zap.Logger) *Broadcaster {
	if bufSize <= 0 {
		bufSize = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		subs:    make(map[chan Event]struct{}),
		bufSize: bufSize,
		logger:  logger,
	}
}

// Subscribe registers a new subscriber and returns its event channel. The
// channel is closed on Unsubscribe, on Close, or when the subscriber falls
// too far behind.
func (b *Broadcaster) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.bufSize)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown channels
// are ignored.
func (b *Broadcaster) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub == ch {
			delete(b.subs, sub)
			close(sub)
			return
		}
	}
}

// Broadcast delivers an event to every live subscriber. A full subscriber
// buffer means the subscriber is dropped rather than stalling the caller.
func (b *Broadcaster) Broadcast(eventType string, payload any) {
	evt := Event{Type: eventType, TS: time.Now().UTC(), Payload: payload}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		select {
		case sub <- evt:
		default:
			delete(b.subs, sub)
			close(sub)
			b.dropped++
			b.logger.Warn("dropped slow event subscriber",
				zap.String("event_type", eventType),
				zap.Int64("dropped_total", b.dropped))
		}
	}
}

// SubscriberCount reports how many subscribers are live.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close drops all subscribers and closes their channels. Further Broadcast
// calls are no-ops; further Subscribe calls return closed channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub)
	}
}
