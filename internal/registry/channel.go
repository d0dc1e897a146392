package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/JefferyWang/chat/internal/event"
)

// DefaultChannelBuffer is the number of in-flight events retained per user.
const DefaultChannelBuffer = 256

var (
	// ErrLagged reports that a subscription fell behind the channel's ring
	// buffer. The missed count returned alongside it says how many events
	// were evicted before the subscriber could read them; the next call
	// resumes at the oldest retained event.
	ErrLagged = errors.New("registry: subscription lagged")

	// ErrChannelClosed reports that the channel was reaped. Callers should
	// re-acquire the channel via GetOrCreate and subscribe again.
	ErrChannelClosed = errors.New("registry: channel closed")
)

// Channel is the per-user broadcast primitive: a bounded ring buffer with
// monotonically increasing sequence numbers, shared by every live
// connection belonging to one user. Publish never blocks; subscribers that
// fall behind observe an explicit lag instead of blocking the producer.
type Channel struct {
	mu     sync.Mutex
	buf    []event.Event
	seq    uint64 // next sequence to assign
	count  int    // occupied slots, <= len(buf)
	subs   map[uint64]chan struct{}
	nextID uint64
	closed bool

	// idleSweeps counts consecutive reaper sweeps that observed zero
	// subscribers. Two in a row make the channel eligible for removal.
	idleSweeps int
}

func newChannel(buffer int) *Channel {
	if buffer <= 0 {
		buffer = DefaultChannelBuffer
	}
	return &Channel{
		buf:  make([]event.Event, buffer),
		subs: make(map[uint64]chan struct{}),
	}
}

// Publish appends an event to the ring, evicting the oldest entry when the
// buffer is full, and wakes every subscriber. It never blocks on slow
// consumers.
func (c *Channel) Publish(ev event.Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.buf[c.seq%uint64(len(c.buf))] = ev
	c.seq++
	if c.count < len(c.buf) {
		c.count++
	}
	for _, wake := range c.subs {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	c.mu.Unlock()
}

// Subscribe attaches a new read cursor starting at the current head, so a
// fresh subscriber sees only events published after it attached. It fails
// with ErrChannelClosed if the channel has been reaped.
func (c *Channel) Subscribe() (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrChannelClosed
	}

	id := c.nextID
	c.nextID++
	wake := make(chan struct{}, 1)
	c.subs[id] = wake
	c.idleSweeps = 0

	return &Subscription{ch: c, id: id, cursor: c.seq, wake: wake}, nil
}

// Subscribers returns the current number of live subscriptions.
func (c *Channel) Subscribers() int {
	c.mu.Lock()
	n := len(c.subs)
	c.mu.Unlock()
	return n
}

// reapIfIdle is called by the reaper under the shard lock. A channel that
// has had zero subscribers for two consecutive sweeps is marked closed and
// true is returned so the caller removes its registry entry. The idle
// check and the closed transition share one critical section: a subscriber
// attaching through a channel handle obtained before the sweep either
// lands first and keeps the channel alive, or finds it already closed and
// retries on a fresh one. Closing can therefore never hit a live
// subscription.
func (c *Channel) reapIfIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.subs) > 0 {
		c.idleSweeps = 0
		return false
	}
	c.idleSweeps++
	if c.idleSweeps < 2 {
		return false
	}
	c.closed = true
	return true
}

// Subscription is a per-connection cursor into a user's channel. It is not
// safe for concurrent use; each connection owns exactly one.
type Subscription struct {
	ch     *Channel
	id     uint64
	cursor uint64
	wake   chan struct{}
}

// Next returns the next event in publication order. If the subscription
// fell behind the ring buffer it returns ErrLagged together with the
// number of missed events; the following call resumes at the oldest
// retained event. Next blocks until an event is available, the context is
// cancelled, or the channel is closed.
func (s *Subscription) Next(ctx context.Context) (event.Event, uint64, error) {
	for {
		s.ch.mu.Lock()
		oldest := s.ch.seq - uint64(s.ch.count)
		if s.cursor < oldest {
			missed := oldest - s.cursor
			s.cursor = oldest
			s.ch.mu.Unlock()
			return nil, missed, ErrLagged
		}
		if s.cursor < s.ch.seq {
			ev := s.ch.buf[s.cursor%uint64(len(s.ch.buf))]
			s.cursor++
			s.ch.mu.Unlock()
			return ev, 0, nil
		}
		closed := s.ch.closed
		s.ch.mu.Unlock()

		if closed {
			return nil, 0, ErrChannelClosed
		}

		select {
		case <-s.wake:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}

// Close detaches the subscription from its channel. The channel itself is
// left in place for the reaper; dropping the last subscriber never removes
// the registry entry synchronously.
func (s *Subscription) Close() {
	s.ch.mu.Lock()
	delete(s.ch.subs, s.id)
	s.ch.mu.Unlock()
}
