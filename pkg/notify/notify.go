// Package notify delivers typed events to subscribers in publish order.
//
// Each subscriber has its own queue and goroutine, so a slow subscriber
// never blocks the publisher or other subscribers. Events for one
// subscriber are never reordered or merged.
package notify

import (
	"sync"
)

// Bus fans out events of type T.
type Bus[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber[T]
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

// NewBus creates an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[uint64]*subscriber[T])}
}

// Subscribe registers fn and returns a function that removes it. Events
// queued for a removed subscriber are discarded. The returned function may
// be called from inside fn and more than once.
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}
	id := b.nextID
	b.nextID++
	s := newSubscriber(fn)
	b.subs[id] = s

	b.wg.Add(1)
	go s.run(&b.wg)

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.discard()
	}
}

// Publish queues ev for every current subscriber. It never blocks on
// subscribers. Events published after Close are dropped.
func (b *Bus[T]) Publish(ev T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, s := range b.subs {
		s.push(ev)
	}
}

// Len returns the number of subscribers.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close delivers what is already queued, then stops every subscriber and
// waits for them. Must not be called from a subscriber.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.wg.Wait()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*subscriber[T])
	b.mu.Unlock()

	for _, s := range subs {
		s.drain()
	}
	b.wg.Wait()
}

type subscriber[T any] struct {
	fn func(T)

	mu    sync.Mutex
	queue []T

	signal chan struct{}
	stop   chan struct{}
	quit   chan struct{}

	stopOnce sync.Once
	quitOnce sync.Once
}

func newSubscriber[T any](fn func(T)) *subscriber[T] {
	return &subscriber[T]{
		fn:     fn,
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		quit:   make(chan struct{}),
	}
}

func (s *subscriber[T]) push(ev T) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) pop() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	if len(s.queue) == 0 {
		return zero, false
	}
	ev := s.queue[0]
	s.queue[0] = zero
	s.queue = s.queue[1:]
	return ev, true
}

// deliver runs fn for queued events until the queue is empty or the
// subscriber is removed.
func (s *subscriber[T]) deliver() bool {
	for {
		select {
		case <-s.quit:
			return false
		default:
		}
		ev, ok := s.pop()
		if !ok {
			return true
		}
		s.fn(ev)
	}
}

func (s *subscriber[T]) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case <-s.stop:
			s.deliver()
			return
		case <-s.signal:
			if !s.deliver() {
				return
			}
		}
	}
}

func (s *subscriber[T]) drain() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *subscriber[T]) discard() {
	s.quitOnce.Do(func() { close(s.quit) })
}
