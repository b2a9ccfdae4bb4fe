package events

import "sync"

// Subscription receives one session's events in publish order.
type Subscription struct {
	id        uint64
	sessionID string
	policy    Policy
	topic     *topic

	ch     chan Event
	done   chan struct{}
	notify chan struct{}

	mu    sync.Mutex
	queue []Event

	closeOnce sync.Once
}

// C returns the event channel. It is closed after Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// SessionID returns the subscribed session.
func (s *Subscription) SessionID() string {
	return s.sessionID
}

// Pending returns the number of queued events not yet handed to C (Buffer policy).
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close unsubscribes. Events not yet received are discarded.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.topic == nil {
			close(s.ch)
			return
		}
		s.topic.pubMu.Lock()
		delete(s.topic.subs, s.id)
		if s.policy == Block {
			close(s.ch)
		}
		s.topic.pubMu.Unlock()
	})
}

// deliver is called with the topic's pubMu held.
func (s *Subscription) deliver(ev Event) {
	select {
	case <-s.done:
		return
	default:
	}

	if s.policy == Block {
		select {
		case s.ch <- ev:
		case <-s.done:
		}
		return
	}

	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump moves queued events to the channel for Buffer subscribers.
func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- ev:
		case <-s.done:
			return
		}
	}
}
