package flow

import (
	"context"
	"sync"
)

// Stream is a behavior subject: it remembers the latest published event and
// replays it to every new subscriber before delivering further events.
//
// Delivery to a single subscriber is FIFO with respect to the publisher,
// and the callback is invoked while the stream's lock is held, so callbacks
// must be non-blocking. Nodes satisfy this by enqueueing into a mailbox and
// doing all real work on their own goroutine.
type Stream struct {
	mu     sync.Mutex
	latest Event
	seeded bool
	subs   map[int]func(Event)
	nextID int
}

// NewStream creates an empty stream with no initial value.
func NewStream() *Stream {
	return &Stream{subs: make(map[int]func(Event))}
}

// NewSubject creates a stream seeded with an initial value, which is
// replayed to subscribers immediately.
func NewSubject(initial Event) *Stream {
	s := NewStream()
	s.latest = initial
	s.seeded = true
	return s
}

// Next publishes an event to all current subscribers and records it as the
// latest value.
func (s *Stream) Next(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest = event
	s.seeded = true
	for _, fn := range s.subs {
		fn(event)
	}
}

// Latest returns the most recent event, if any has been published.
func (s *Stream) Latest() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.seeded
}

// Subscribe registers a callback and returns a cancel function. If the
// stream already holds a value the callback receives it before Subscribe
// returns.
func (s *Stream) Subscribe(fn func(Event)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	if s.seeded {
		fn(s.latest)
	}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// emission is a tagged event inside a node's mailbox: idx identifies which
// input stream produced it.
type emission struct {
	idx int
	ev  Event
}

// mailbox is an unbounded FIFO queue feeding a node's goroutine. Producers
// never block, which keeps Stream callbacks non-blocking as required.
type mailbox struct {
	mu    sync.Mutex
	queue []emission
	wake  chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

// put appends an emission and wakes the consumer.
func (m *mailbox) put(e emission) {
	m.mu.Lock()
	m.queue = append(m.queue, e)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// recv blocks until an emission is available or the context is cancelled.
func (m *mailbox) recv(ctx context.Context) (emission, bool) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			e := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return e, true
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return emission{}, false
		case <-m.wake:
		}
	}
}
