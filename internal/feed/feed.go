// Package feed fans typed updates out to any number of subscribers without
// ever blocking the publisher.
package feed

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is used when Subscribe is given a non-positive size.
const DefaultBuffer = 64

// subscriber is either a bounded channel or an unbounded queue.
type subscriber[T any] struct {
	ch chan T
	q  *queue[T]
}

type Feed[T any] struct {
	mu      sync.RWMutex
	subs    map[int]subscriber[T]
	next    int
	closed  bool
	dropped atomic.Uint64
}

func New[T any]() *Feed[T] {
	return &Feed[T]{subs: make(map[int]subscriber[T])}
}

// Subscribe registers a buffered subscriber. The returned cancel func
// removes it and closes the channel; calling it more than once is safe.
func (f *Feed[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan T, buffer)
	return ch, f.add(subscriber[T]{ch: ch}, func() { close(ch) })
}

// SubscribeAll registers a subscriber that never misses an update: whatever
// the reader has not taken yet waits in an unbounded queue. Cancel stops
// accepting updates; the channel closes once the queued ones are read, so the
// reader must keep draining until then.
func (f *Feed[T]) SubscribeAll() (<-chan T, func()) {
	q := newQueue[T]()
	go q.run()
	return q.out, f.add(subscriber[T]{q: q}, q.close)
}

func (f *Feed[T]) add(sub subscriber[T], release func()) func() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		release()
		return func() {}
	}
	id := f.next
	f.next++
	f.subs[id] = sub
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if _, ok := f.subs[id]; ok {
				delete(f.subs, id)
				release()
			}
		})
	}
}

// Publish hands v to every subscriber with room in its buffer and returns
// how many received it. Full buffered subscribers miss the update.
func (f *Feed[T]) Publish(v T) int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	delivered := 0
	for _, sub := range f.subs {
		if sub.q != nil {
			sub.q.push(v)
			delivered++
			continue
		}
		select {
		case sub.ch <- v:
			delivered++
		default:
			f.dropped.Add(1)
		}
	}
	return delivered
}

// Dropped counts updates lost to full subscriber buffers.
func (f *Feed[T]) Dropped() uint64 {
	return f.dropped.Load()
}

func (f *Feed[T]) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Close closes every subscriber channel; later subscribers get a closed channel.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, sub := range f.subs {
		delete(f.subs, id)
		if sub.q != nil {
			sub.q.close()
		} else {
			close(sub.ch)
		}
	}
}

type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	wake   chan struct{}
	out    chan T
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{wake: make(chan struct{}, 1), out: make(chan T)}
}

func (q *queue[T]) push(v T) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal()
}

func (q *queue[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *queue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue[T]) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		v := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()
		q.out <- v
	}
}
