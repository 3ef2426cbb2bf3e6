// Package bus is a generic delta-broadcast primitive. It carries no
// authoritative state: a missed delta is always recoverable from the stores,
// so subscribers choose how much loss they tolerate via an overflow policy.
package bus

import (
	"sync"
)

// Overflow selects what a subscription does when its queue is full.
type Overflow int

const (
	// Drop discards the incoming delta unless it is terminal.
	Drop Overflow = iota
	// Coalesce keeps one pending delta per key, latest wins. A pending
	// terminal delta is never displaced.
	Coalesce
	// Block applies backpressure to the publisher.
	Block
)

// Policy configures a subscription's queue.
type Policy struct {
	OnOverflow Overflow
	Buffer     int
}

// Delta is one notification on a channel, partitioned by Key.
type Delta struct {
	Channel string
	Key     string
	Rev     int64
	// Terminal deltas must never be dropped or displaced.
	Terminal bool
	Payload  any
}

// Filter restricts which deltas a subscription receives. Zero value matches
// everything on the channel.
type Filter struct {
	// Key matches Delta.Key exactly when non-empty.
	Key string
	// Match, when set, is an additional predicate.
	Match func(Delta) bool
}

func (f Filter) accept(d Delta) bool {
	if f.Key != "" && f.Key != d.Key {
		return false
	}
	if f.Match != nil && !f.Match(d) {
		return false
	}
	return true
}

// Bus fans deltas out to filtered subscriptions, one monotonic revision
// counter per channel.
type Bus struct {
	mu     sync.Mutex
	rev    map[string]int64
	subs   map[string]map[int]*Subscription
	nextID int
}

func New() *Bus {
	return &Bus{
		rev:  make(map[string]int64),
		subs: make(map[string]map[int]*Subscription),
	}
}

// Rev returns the current revision of a channel.
func (b *Bus) Rev(channel string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rev[channel]
}

// Publish assigns the next channel revision to d and offers it to every
// matching subscription. Offers happen under the bus lock, so every
// subscription queues deltas in rev order. Returns the assigned revision.
func (b *Bus) Publish(channel string, d Delta) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rev[channel]++
	d.Channel = channel
	d.Rev = b.rev[channel]
	for _, s := range b.subs[channel] {
		if s.filter.accept(d) {
			s.offer(d)
		}
	}
	return d.Rev
}

// Subscribe registers a filtered subscription on a channel. The caller must
// drain C() and call Close when done.
func (b *Bus) Subscribe(channel string, f Filter, p Policy) *Subscription {
	if p.Buffer <= 0 {
		p.Buffer = 64
	}
	b.mu.Lock()
	b.nextID++
	s := &Subscription{
		bus:     b,
		channel: channel,
		id:      b.nextID,
		filter:  f,
		policy:  p,
		out:     make(chan Delta),
		done:    make(chan struct{}),
		byKey:   make(map[string]int),
		sealed:  make(map[string]struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	m := b.subs[channel]
	if m == nil {
		m = make(map[int]*Subscription)
		b.subs[channel] = m
	}
	m[s.id] = s
	b.mu.Unlock()
	go s.pump()
	return s
}

func (b *Bus) unsubscribe(channel string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[channel]
	if m == nil {
		return
	}
	delete(m, id)
	if len(m) == 0 {
		delete(b.subs, channel)
	}
}

// Subscription is one consumer's queue over a channel.
type Subscription struct {
	bus     *Bus
	channel string
	id      int
	filter  Filter
	policy  Policy

	out  chan Delta
	done chan struct{}

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Delta
	byKey  map[string]int      // key -> index in queue, Coalesce only
	sealed map[string]struct{} // keys that already queued their terminal delta
	closed bool
}

// C delivers deltas in queue order.
func (s *Subscription) C() <-chan Delta { return s.out }

// Close detaches the subscription. Pending deltas are discarded.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.bus.unsubscribe(s.channel, s.id)
	close(s.done)
}

func (s *Subscription) offer(d Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	// A terminal delta is the last word for its key; anything arriving for
	// that key afterwards is stale.
	if _, done := s.sealed[d.Key]; done {
		return
	}
	if d.Terminal {
		s.sealed[d.Key] = struct{}{}
	}
	switch s.policy.OnOverflow {
	case Coalesce:
		if i, ok := s.byKey[d.Key]; ok {
			// Latest delta per key wins, but a queued terminal delta
			// is immutable.
			if !s.queue[i].Terminal {
				s.queue[i] = d
			}
			s.cond.Broadcast()
			return
		}
		if len(s.queue) >= s.policy.Buffer && !d.Terminal {
			// Full of distinct keys: make room by dropping the oldest
			// non-terminal entry; give up if everything queued is
			// terminal.
			made := false
			for i, q := range s.queue {
				if !q.Terminal {
					s.removeAt(i)
					made = true
					break
				}
			}
			if !made {
				return
			}
		}
		s.byKey[d.Key] = len(s.queue)
		s.queue = append(s.queue, d)
		s.cond.Broadcast()
	case Drop:
		if len(s.queue) >= s.policy.Buffer && !d.Terminal {
			return
		}
		s.queue = append(s.queue, d)
		s.cond.Broadcast()
	case Block:
		for len(s.queue) >= s.policy.Buffer && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			return
		}
		s.queue = append(s.queue, d)
		s.cond.Broadcast()
	}
}

// removeAt must be called with s.mu held.
func (s *Subscription) removeAt(i int) {
	key := s.queue[i].Key
	s.queue = append(s.queue[:i], s.queue[i+1:]...)
	if idx, ok := s.byKey[key]; ok && idx == i {
		delete(s.byKey, key)
	}
	for k, idx := range s.byKey {
		if idx > i {
			s.byKey[k] = idx - 1
		}
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		d := s.queue[0]
		s.removeAt(0)
		s.cond.Broadcast()
		s.mu.Unlock()
		select {
		case s.out <- d:
		case <-s.done:
			return
		}
	}
}
