package bus

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Observable is anything values can be subscribed to
type Observable[T any] interface {
	Subscribe(exec Executor, fn func(T)) *Subscription
}

// Publisher is anything values can be published to
type Publisher[T any] interface {
	Publish(v T)
}

// subscriber binds a handler to its execution context
type subscriber[T any] struct {
	fn   func(T)
	exec Executor
	sub  *Subscription
	// latest subscribers only need the most recent value
	latest bool
}

// Stream is a broadcast channel.  Each published value is delivered to
// every subscriber registered at the time of publication, late subscribers
// miss earlier values.
type Stream[T any] struct {
	name string
	mu   sync.Mutex
	// subs is replaced, never mutated, so Publish can iterate a snapshot
	subs []*subscriber[T]
	log  *logrus.Entry
}

// NewStream returns an empty Stream with the given name
func NewStream[T any](name string) *Stream[T] {
	return &Stream[T]{
		name: name,
		log:  logrus.WithField("channel", name),
	}
}

// Name returns the channel name
func (s *Stream[T]) Name() string {
	return s.name
}

// Publish hands v to every current subscriber's executor and returns
// without waiting for handlers to run
func (s *Stream[T]) Publish(v T) {

	s.mu.Lock()
	subs := s.subs
	s.mu.Unlock()

	for _, sub := range subs {
		s.deliver(sub, v)
	}
}

// Subscribe registers fn to be run on exec for each published value
func (s *Stream[T]) Subscribe(exec Executor, fn func(T)) *Subscription {

	sub := s.add(exec, fn, false)

	return sub.sub
}

// Subscribers returns the number of active subscriptions
func (s *Stream[T]) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// add registers a subscriber and returns it
func (s *Stream[T]) add(exec Executor, fn func(T), latest bool) *subscriber[T] {

	if exec == nil {
		exec = Immediate
	}

	sub := &subscriber[T]{
		fn:     fn,
		exec:   exec,
		sub:    &Subscription{},
		latest: latest,
	}

	sub.sub.remove = func() {
		s.removeSub(sub)
	}

	s.mu.Lock()
	next := make([]*subscriber[T], len(s.subs), len(s.subs)+1)
	copy(next, s.subs)
	s.subs = append(next, sub)
	s.mu.Unlock()

	return sub
}

// removeSub drops sub from the subscriber list
func (s *Stream[T]) removeSub(sub *subscriber[T]) {

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]*subscriber[T], 0, len(s.subs))

	for _, existing := range s.subs {
		if existing != sub {
			next = append(next, existing)
		}
	}

	s.subs = next
}

// deliver schedules v for a single subscriber
func (s *Stream[T]) deliver(sub *subscriber[T], v T) {

	if sub.sub.Disposed() {
		return
	}

	run := func() {
		// a value may have been queued before disposal
		if sub.sub.Disposed() {
			return
		}

		s.call(sub.fn, v)
	}

	if le, ok := sub.exec.(LatestExecutor); ok && sub.latest {
		le.ExecuteLatest(sub, run)
		return
	}

	sub.exec.Execute(run)
}

// call runs a handler, a panic is logged and contained so one failing
// subscriber never takes the channel down
func (s *Stream[T]) call(fn func(T), v T) {

	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("subscriber panic: %v", r)
		}
	}()

	fn(v)
}

// Map subscribes to src and publishes fn(v) onto dst
func Map[T, U any](src Observable[T], dst Publisher[U], exec Executor,
	fn func(T) U) *Subscription {

	return src.Subscribe(exec, func(v T) {
		dst.Publish(fn(v))
	})
}

// Filter subscribes to src and forwards values for which keep returns true
func Filter[T any](src Observable[T], dst Publisher[T], exec Executor,
	keep func(T) bool) *Subscription {

	return src.Subscribe(exec, func(v T) {
		if keep(v) {
			dst.Publish(v)
		}
	})
}
