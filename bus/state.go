package bus

import (
	"sync"
)

// State is a Stream that remembers the last published value.  Value can be
// read synchronously at any time and new subscribers first receive the
// current value.
type State[T any] struct {
	stream *Stream[T]
	// pub serialises publication against subscription so a new subscriber
	// sees the current value exactly once before any later value
	pub   sync.Mutex
	vmu   sync.RWMutex
	value T
}

// NewState returns a State holding initial
func NewState[T any](name string, initial T) *State[T] {
	return &State[T]{
		stream: NewStream[T](name),
		value:  initial,
	}
}

// Name returns the channel name
func (s *State[T]) Name() string {
	return s.stream.Name()
}

// Value returns the most recently published value
func (s *State[T]) Value() T {
	s.vmu.RLock()
	defer s.vmu.RUnlock()
	return s.value
}

// Publish stores v and broadcasts it.  A handler bound with Immediate must
// not publish back onto the same State.
func (s *State[T]) Publish(v T) {

	s.pub.Lock()
	defer s.pub.Unlock()

	s.vmu.Lock()
	s.value = v
	s.vmu.Unlock()

	s.stream.Publish(v)
}

// Subscribe registers fn and immediately schedules delivery of the current
// value to it.  On a LatestExecutor values not yet delivered are coalesced
// to the most recent one, which is never dropped.
func (s *State[T]) Subscribe(exec Executor, fn func(T)) *Subscription {

	s.pub.Lock()
	defer s.pub.Unlock()

	sub := s.stream.add(exec, fn, true)
	s.stream.deliver(sub, s.Value())

	return sub.sub
}

// Subscribers returns the number of active subscriptions
func (s *State[T]) Subscribers() int {
	return s.stream.Subscribers()
}
