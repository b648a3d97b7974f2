package comms

import (
	"context"
	"sync"
)

// Subscription is one subscriber's bounded view of the bus. When the queue
// is full the oldest pending event is dropped and the next event read is
// flagged with Gap.
type Subscription struct {
	id      uint64
	bus     *Bus
	match   matcher
	size    int
	mu      sync.Mutex
	queue   []Delivery
	dropped uint64
	closed  bool
	notify  chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newSubscription(b *Bus, id uint64, m matcher, size int) *Subscription {
	return &Subscription{
		id:     id,
		bus:    b,
		match:  m,
		size:   size,
		queue:  make([]Delivery, 0, size),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *Subscription) matches(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.match.match(topic)
}

// SetPatterns replaces the topic filter. Events already queued are kept.
func (s *Subscription) SetPatterns(patterns ...string) error {
	m, err := compilePatterns(patterns)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.match = m
	s.mu.Unlock()
	return nil
}

// Matches reports whether topic passes the subscription's filter.
func (s *Subscription) Matches(topic string) bool { return s.matches(topic) }

func (s *Subscription) enqueue(e Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	overflow := len(s.queue) >= s.size
	if overflow {
		copy(s.queue, s.queue[1:])
		s.queue = s.queue[:len(s.queue)-1]
		s.dropped++
	}
	s.queue = append(s.queue, Delivery{Event: e})
	if overflow {
		s.queue[0].Gap = true
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// TryNext pops the next queued delivery without blocking.
func (s *Subscription) TryNext() (Delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Delivery{}, false
	}
	d := s.queue[0]
	copy(s.queue, s.queue[1:])
	s.queue = s.queue[:len(s.queue)-1]
	return d, true
}

// Next blocks until a delivery is available, ctx is done, or the
// subscription is closed and drained.
func (s *Subscription) Next(ctx context.Context) (Delivery, error) {
	for {
		if d, ok := s.TryNext(); ok {
			return d, nil
		}
		select {
		case <-s.notify:
		case <-s.done:
			if d, ok := s.TryNext(); ok {
				return d, nil
			}
			return Delivery{}, ErrClosed
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		}
	}
}

// C signals that at least one delivery may be pending. Use TryNext to drain.
func (s *Subscription) C() <-chan struct{} { return s.notify }

// Done is closed when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Len returns the number of queued deliveries.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Dropped returns how many events were discarded due to overflow.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription from the bus. It is safe to call more than
// once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
	s.shutdown()
}

func (s *Subscription) shutdown() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
}
