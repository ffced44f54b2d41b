package events

import (
	"sync"
)

// DefaultSubscriberBuffer is the bounded per-subscriber buffer size used
// when the bus is constructed with a non-positive value.
const DefaultSubscriberBuffer = 64

// Bus fans out events per project to any number of live subscribers.
// Publish never blocks; delivery order per subscriber matches publish
// order for that project.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Bus{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber for a project's events. The caller
// must drain C() and call Close() when done.
func (b *Bus) Subscribe(projectID string) *Subscription {
	s := &Subscription{
		bus:       b,
		projectID: projectID,
		limit:     b.buffer,
		notify:    make(chan struct{}, 1),
		out:       make(chan Event),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	set, ok := b.subs[projectID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[projectID] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()

	go s.pump()
	return s
}

// Publish delivers an event to every current subscriber of the project.
// Subscribers that cannot keep up lose their oldest non-terminal events.
func (b *Bus) Publish(projectID string, ev Event) {
	// Snapshot under the read lock, enqueue outside it: enqueue takes the
	// per-subscription lock and must not nest inside the bus lock.
	b.mu.RLock()
	set := b.subs[projectID]
	targets := make([]*Subscription, 0, len(set))
	for s := range set {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.enqueue(ev)
	}
}

// SubscriberCount returns the number of live subscribers for a project.
func (b *Bus) SubscriberCount(projectID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[projectID])
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[s.projectID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.projectID)
		}
	}
}

// Subscription is one subscriber's bounded, ordered view of a project's
// event stream.
type Subscription struct {
	bus       *Bus
	projectID string
	limit     int

	mu      sync.Mutex
	queue   []Event
	dropped int

	notify    chan struct{}
	out       chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// C returns the delivery channel. It is closed after Close.
func (s *Subscription) C() <-chan Event {
	return s.out
}

// Close unsubscribes and releases the buffer. It is idempotent; pending
// events are discarded.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
}

// enqueue appends an event, applying the overflow policy when the buffer
// is full: evict the oldest non-terminal event and account it in the
// lagged counter. Terminal events are never evicted; if the buffer is
// full of terminal events, an incoming non-terminal event is dropped
// instead and an incoming terminal event is appended past the bound.
func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if len(s.queue) >= s.limit {
		evicted := false
		for i, q := range s.queue {
			if !q.Terminal() {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				s.dropped++
				evicted = true
				break
			}
		}
		if !evicted && !ev.Terminal() {
			s.dropped++
			s.mu.Unlock()
			s.wake()
			return
		}
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump delivers buffered events to the out channel in order, synthesizing
// a Lagged marker at each drop boundary.
func (s *Subscription) pump() {
	for {
		var ev Event

		s.mu.Lock()
		switch {
		case s.dropped > 0 && len(s.queue) > 0:
			ev = Lagged{
				BaseEvent: NewBase(s.projectID, ""),
				Dropped:   s.dropped,
			}
			s.dropped = 0
		case len(s.queue) > 0:
			ev = s.queue[0]
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		if ev == nil {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				close(s.out)
				return
			}
		}

		select {
		case s.out <- ev:
		case <-s.done:
			close(s.out)
			return
		}
	}
}
