// Package observable provides a multicast, replay-latest value holder.
//
// A Subject keeps exactly one current value. Every subscriber first receives
// the current value (when one has been published) and then each later value.
// Delivery is conflating: a subscriber that falls behind only ever sees the
// newest value, never a backlog, and publishers never block on slow readers.
package observable

import (
	"context"
	"sync"
)

type Subject[T any] struct {
	mu     sync.Mutex
	value  T
	has    bool
	closed bool
	nextID uint64
	subs   map[uint64]*Subscription[T]
}

func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{subs: map[uint64]*Subscription[T]{}}
}

// NewSubjectWith returns a subject seeded with an initial value.
func NewSubjectWith[T any](initial T) *Subject[T] {
	s := NewSubject[T]()
	s.value = initial
	s.has = true
	return s
}

// Publish replaces the current value and offers it to every subscriber.
// Publishing on a closed subject is a no-op.
func (s *Subject[T]) Publish(value T) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.value = value
	s.has = true
	for _, sub := range s.subs {
		sub.offer(value)
	}
}

// Update applies fn to the current value and publishes the result while
// holding the subject lock, so concurrent updates never interleave.
func (s *Subject[T]) Update(fn func(current T, ok bool) T) T {
	if s == nil {
		var zero T
		return zero
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := fn(s.value, s.has)
	if s.closed {
		return next
	}
	s.value = next
	s.has = true
	for _, sub := range s.subs {
		sub.offer(next)
	}
	return next
}

func (s *Subject[T]) Current() (T, bool) {
	if s == nil {
		var zero T
		return zero, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.has
}

// Subscribe registers a new subscriber. The current value, if any, is
// immediately available on the returned subscription.
func (s *Subject[T]) Subscribe() *Subscription[T] {
	sub := &Subscription[T]{ch: make(chan T, 1)}
	if s == nil {
		close(sub.ch)
		sub.done = true
		return sub
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if s.has {
			sub.ch <- s.value
		}
		close(sub.ch)
		sub.done = true
		return sub
	}
	s.nextID++
	sub.id = s.nextID
	sub.owner = s
	s.subs[sub.id] = sub
	if s.has {
		sub.ch <- s.value
	}
	return sub
}

// SubscriberCount reports the number of live subscriptions.
func (s *Subject[T]) SubscriberCount() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close detaches all subscribers and closes their channels. The last value
// stays readable through Current.
func (s *Subject[T]) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, sub := range s.subs {
		sub.finish()
		delete(s.subs, id)
	}
}

func (s *Subject[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return
	}
	delete(s.subs, id)
	sub.finish()
}

type Subscription[T any] struct {
	id    uint64
	owner *Subject[T]
	ch    chan T
	done  bool
}

// C returns the delivery channel. It is closed when the subscription or the
// subject is closed.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

func (s *Subscription[T]) Close() {
	if s == nil || s.owner == nil {
		return
	}
	s.owner.remove(s.id)
}

// offer and finish run with the owner lock held; the owner is the only sender.
func (s *Subscription[T]) offer(value T) {
	if s.done {
		return
	}
	select {
	case s.ch <- value:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- value
}

func (s *Subscription[T]) finish() {
	if s.done {
		return
	}
	s.done = true
	close(s.ch)
}

// Observe adapts a subject to callback style. fn runs on a dedicated
// goroutine until ctx is done or the subject is closed. The returned stop
// function detaches the observer and waits for the goroutine to exit.
func Observe[T any](ctx context.Context, subject *Subject[T], fn func(T)) (stop func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	sub := subject.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case value, ok := <-sub.C():
				if !ok {
					return
				}
				if fn != nil {
					fn(value)
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			sub.Close()
			<-done
		})
	}
}
