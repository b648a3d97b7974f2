package comms

import (
	"fmt"
	"sync"
	"time"

	"github.com/gobwas/glob"
)

const (
	defaultBufferSize = 1024
	defaultQueueSize  = 256
)

// Bus is a thread-safe in-process event bus. Sequence numbers are assigned
// under the bus lock, so every subscriber observes events in publish order.
type Bus struct {
	mu        sync.Mutex
	seq       uint64
	subs      map[uint64]*Subscription
	nextID    uint64
	queueSize int
	closed    bool
	now       func() time.Time

	// ring buffer of recent events
	ring  []Event
	start int
	count int
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the number of events kept for replay.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.ring = make([]Event, n)
		}
	}
}

// WithQueueSize sets the default per-subscriber queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// NewBus creates a Bus with a 1024-event replay buffer.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:      make(map[uint64]*Subscription),
		queueSize: defaultQueueSize,
		ring:      make([]Event, defaultBufferSize),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish stamps the event with the next sequence number, records it in the
// replay buffer and enqueues it for every matching subscriber. It never blocks
// on a slow subscriber.
func (b *Bus) Publish(topic string, payload any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	e := Event{
		Sequence:  b.seq,
		Topic:     topic,
		Payload:   payload,
		Timestamp: b.now(),
	}
	b.record(e)

	if b.closed {
		return e
	}
	for _, s := range b.subs {
		if s.matches(topic) {
			s.enqueue(e)
		}
	}
	return e
}

func (b *Bus) record(e Event) {
	size := len(b.ring)
	if b.count < size {
		b.ring[(b.start+b.count)%size] = e
		b.count++
		return
	}
	b.ring[b.start] = e
	b.start = (b.start + 1) % size
}

// Subscribe registers a subscription for topics matching any of patterns.
// An empty pattern list subscribes to everything.
func (b *Bus) Subscribe(opts SubscribeOptions, patterns ...string) (*Subscription, error) {
	m, err := compilePatterns(patterns)
	if err != nil {
		return nil, err
	}
	size := opts.QueueSize
	if size <= 0 {
		size = b.queueSize
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.nextID++
	s := newSubscription(b, b.nextID, m, size)
	b.subs[s.id] = s
	return s, nil
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Since returns buffered events with a sequence greater than after that match
// patterns, oldest first. The boolean reports whether events after `after`
// have already been evicted from the buffer.
func (b *Bus) Since(after uint64, patterns ...string) ([]Event, bool) {
	m, err := compilePatterns(patterns)
	if err != nil {
		return nil, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	gap := false
	if b.seq > after {
		if b.count == 0 {
			gap = true
		} else if oldest := b.ring[b.start].Sequence; oldest > after+1 {
			gap = true
		}
	}

	var out []Event
	for i := 0; i < b.count; i++ {
		e := b.ring[(b.start+i)%len(b.ring)]
		if e.Sequence <= after || !m.match(e.Topic) {
			continue
		}
		out = append(out, e)
	}
	return out, gap
}

// LastSequence returns the sequence of the most recently published event.
func (b *Bus) LastSequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// OldestSequence returns the sequence of the oldest buffered event, or zero
// when the buffer is empty.
func (b *Bus) OldestSequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return 0
	}
	return b.ring[b.start].Sequence
}

// Subscribers returns the number of open subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes are still sequenced and
// buffered but reach no subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.shutdown()
	}
}

type matcher []glob.Glob

// ValidatePatterns reports the first topic pattern that does not compile.
func ValidatePatterns(patterns ...string) error {
	_, err := compilePatterns(patterns)
	return err
}

func compilePatterns(patterns []string) (matcher, error) {
	var m matcher
	for _, p := range patterns {
		if p == "" || p == "*" {
			return nil, nil
		}
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("topic pattern %q: %w", p, err)
		}
		m = append(m, g)
	}
	return m, nil
}

// match reports whether topic matches; a nil matcher matches everything.
func (m matcher) match(topic string) bool {
	if m == nil {
		return true
	}
	for _, g := range m {
		if g.Match(topic) {
			return true
		}
	}
	return false
}
