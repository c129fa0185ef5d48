package bus

import (
	"sync"
	"sync/atomic"
)

// Subscription is a handle on a registered handler
type Subscription struct {
	disposed atomic.Bool
	once     sync.Once
	remove   func()
}

// Dispose revokes the subscription.  After Dispose returns no new handler
// invocation starts, a delivery already running is allowed to finish.
// Calling Dispose more than once is safe.
func (s *Subscription) Dispose() {

	if s == nil {
		return
	}

	s.once.Do(func() {
		s.disposed.Store(true)

		if s.remove != nil {
			s.remove()
		}
	})
}

// Disposed reports whether Dispose has been called
func (s *Subscription) Disposed() bool {
	return s.disposed.Load()
}

// Group collects the subscriptions owned by a component so they can all be
// revoked together when the component stops
type Group struct {
	mu   sync.Mutex
	subs []*Subscription
}

// Add registers subscriptions with the group
func (g *Group) Add(subs ...*Subscription) {
	g.mu.Lock()
	g.subs = append(g.subs, subs...)
	g.mu.Unlock()
}

// Len returns the number of subscriptions held
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

// Dispose revokes every subscription in the group and empties it so the
// group can be reused
func (g *Group) Dispose() {

	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()

	for _, s := range subs {
		s.Dispose()
	}
}
