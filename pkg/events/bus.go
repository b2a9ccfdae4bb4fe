package events

import (
	"errors"
	"sync"
	"time"

	"conductor/pkg/metrics"
)

// Policy selects how a slow subscriber is handled.
type Policy int

const (
	// Buffer queues events without bound; the publisher never waits.
	Buffer Policy = iota
	// Block makes the publisher wait until the subscriber accepts each event.
	Block
)

// ErrClosed is returned when publishing to a closed bus.
var ErrClosed = errors.New("event bus closed")

// Bus fans events out to the subscribers of each session.
type Bus struct {
	mu       sync.Mutex
	topics   map[string]*topic
	policy   Policy
	chanSize int
	recorder metrics.Recorder
	nextID   uint64
	closed   bool
}

type topic struct {
	// pubMu serialises publishers so every subscriber sees one total order.
	pubMu sync.Mutex
	seq   uint64
	subs  map[uint64]*Subscription
}

// NewBus creates a bus. chanSize is the capacity of each subscriber channel.
func NewBus(policy Policy, chanSize int, recorder metrics.Recorder) *Bus {
	if chanSize < 0 {
		chanSize = 0
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Bus{
		topics:   make(map[string]*topic),
		policy:   policy,
		chanSize: chanSize,
		recorder: recorder,
	}
}

func (b *Bus) topicFor(sessionID string) *topic {
	t, ok := b.topics[sessionID]
	if !ok {
		t = &topic{subs: make(map[uint64]*Subscription)}
		b.topics[sessionID] = t
	}
	return t
}

// Subscribe registers a subscriber for sessionID using the bus policy.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	return b.SubscribeWith(sessionID, b.policy)
}

// SubscribeWith registers a subscriber with an explicit policy.
func (b *Bus) SubscribeWith(sessionID string, policy Policy) *Subscription {
	b.mu.Lock()
	b.nextID++
	s := &Subscription{
		id:        b.nextID,
		sessionID: sessionID,
		policy:    policy,
		ch:        make(chan Event, b.chanSize),
		done:      make(chan struct{}),
		notify:    make(chan struct{}, 1),
	}
	if b.closed {
		b.mu.Unlock()
		s.Close()
		return s
	}
	t := b.topicFor(sessionID)
	b.mu.Unlock()

	// b.mu is never held while waiting on pubMu.
	s.topic = t
	t.pubMu.Lock()
	t.subs[s.id] = s
	t.pubMu.Unlock()

	if policy == Buffer {
		go s.pump()
	}
	return s
}

// Publish stamps ev with the session's next sequence number and delivers it to every
// current subscriber. With Block subscribers it returns only after each accepted it.
func (b *Bus) Publish(sessionID string, ev Event) (Event, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ev, ErrClosed
	}
	t := b.topicFor(sessionID)
	b.mu.Unlock()

	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	t.seq++
	ev.Seq = t.seq
	ev.SessionID = sessionID
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	for _, s := range t.subs {
		s.deliver(ev)
	}
	b.recorder.EventPublished(string(ev.Type))
	return ev, nil
}

// Subscribers returns the number of live subscribers for sessionID.
func (b *Bus) Subscribers(sessionID string) int {
	b.mu.Lock()
	t, ok := b.topics[sessionID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	t.pubMu.Lock()
	defer t.pubMu.Unlock()
	return len(t.subs)
}

// CloseSession closes every subscription of sessionID and forgets its sequence.
func (b *Bus) CloseSession(sessionID string) {
	b.mu.Lock()
	t, ok := b.topics[sessionID]
	delete(b.topics, sessionID)
	b.mu.Unlock()
	if ok {
		t.closeAll()
	}
}

// Close closes every subscription. Later publishes fail with ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	topics := b.topics
	b.topics = make(map[string]*topic)
	b.mu.Unlock()

	for _, t := range topics {
		t.closeAll()
	}
}

func (t *topic) closeAll() {
	t.pubMu.Lock()
	subs := make([]*Subscription, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.pubMu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}
