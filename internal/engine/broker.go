package engine

import (
	"sync"
	"time"

	"github.com/seantiz/reel/internal/model"
)

const (
	// subscriberBufferSize is the channel buffer for each SSE stream.
	// Events are dropped if a stream falls this far behind.
	subscriberBufferSize = 64

	// DefaultClosedRetention is how long a finished generation's topic is
	// kept after Close.
	DefaultClosedRetention = 10 * time.Minute
)

// EventBroker fans out generation progress events to SSE streams.
// It is safe for concurrent use.
//
// A finished generation keeps a closed marker for the retention window so a
// stream that subscribes just after the terminal event sees a closed channel
// rather than waiting forever. Past the window the marker is pruned; streams
// arriving later rely on the stored terminal status instead.
type EventBroker struct {
	mu        sync.Mutex
	topics    map[string]*eventTopic
	retention time.Duration
	now       func() time.Time
}

type eventTopic struct {
	subs     map[int]chan model.Event
	nextID   int
	closedAt time.Time
}

func (t *eventTopic) closed() bool { return !t.closedAt.IsZero() }

// BrokerOption configures an EventBroker.
type BrokerOption func(*EventBroker)

// WithClosedRetention sets how long closed topics are remembered.
func WithClosedRetention(d time.Duration) BrokerOption {
	return func(b *EventBroker) { b.retention = d }
}

// NewEventBroker creates a new event broker.
func NewEventBroker(opts ...BrokerOption) *EventBroker {
	b := &EventBroker{
		topics:    make(map[string]*eventTopic),
		retention: DefaultClosedRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe returns a channel that receives events for the given generation
// and an unsubscribe function. If the generation has already finished (Close
// was called), the returned channel is immediately closed.
func (b *EventBroker) Subscribe(generationID string) (<-chan model.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pruneLocked()

	t, ok := b.topics[generationID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan model.Event)}
		b.topics[generationID] = t
	}

	ch := make(chan model.Event, subscriberBufferSize)
	if t.closed() {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
		// An open topic with no streams carries no state worth keeping.
		if !t.closed() && len(t.subs) == 0 && b.topics[generationID] == t {
			delete(b.topics, generationID)
		}
	}
}

// Publish sends an event to all subscribers of its generation.
// Events are dropped for subscribers whose buffers are full.
func (b *EventBroker) Publish(ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.GenerationID]
	if !ok || t.closed() {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Slow stream; it can catch up from the stored history.
		}
	}
}

// Close signals that no more events will be published for the given
// generation. All subscriber channels are closed and Subscribe calls within
// the retention window return a closed channel.
func (b *EventBroker) Close(generationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pruneLocked()

	now := b.now()
	t, ok := b.topics[generationID]
	if !ok {
		b.topics[generationID] = &eventTopic{subs: make(map[int]chan model.Event), closedAt: now}
		return
	}
	if t.closed() {
		return
	}

	t.closedAt = now
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// pruneLocked drops closed topics older than the retention window.
func (b *EventBroker) pruneLocked() {
	cutoff := b.now().Add(-b.retention)
	for id, t := range b.topics {
		if t.closed() && t.closedAt.Before(cutoff) {
			delete(b.topics, id)
		}
	}
}
