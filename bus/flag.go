package bus

import (
	"sync"
)

// Flag is a level triggered boolean shared between pipeline stages, such as
// a back-pressure signal.  Besides the State semantics it lets a goroutine
// block while the flag is set.
type Flag struct {
	state *State[bool]
	mu    sync.Mutex
	cond  *sync.Cond
	set   bool
}

// NewFlag returns a cleared Flag
func NewFlag(name string) *Flag {

	f := &Flag{
		state: NewState[bool](name, false),
	}

	f.cond = sync.NewCond(&f.mu)

	return f
}

// Name returns the channel name
func (f *Flag) Name() string {
	return f.state.Name()
}

// Set updates the flag.  Subscribers are only notified when the level
// changes, waiters are woken on every call.
func (f *Flag) Set(v bool) {

	f.mu.Lock()
	defer f.mu.Unlock()

	changed := f.set != v
	f.set = v

	if changed {
		f.state.Publish(v)
	}

	f.cond.Broadcast()
}

// Publish is an alias of Set so a Flag can be used as a Publisher
func (f *Flag) Publish(v bool) {
	f.Set(v)
}

// Value returns the current level
func (f *Flag) Value() bool {
	return f.state.Value()
}

// Subscribe registers fn for level changes, the current level is delivered
// first
func (f *Flag) Subscribe(exec Executor, fn func(bool)) *Subscription {
	return f.state.Subscribe(exec, fn)
}

// WaitWhileSet blocks while the flag is set.  It returns true once the flag
// is clear and false if done was closed first.  Whoever closes done must
// call Interrupt afterwards to wake blocked waiters.
func (f *Flag) WaitWhileSet(done <-chan struct{}) bool {

	f.mu.Lock()
	defer f.mu.Unlock()

	for {
		select {
		case <-done:
			return false
		default:
		}

		if !f.set {
			return true
		}

		f.cond.Wait()
	}
}

// Interrupt wakes all goroutines blocked in WaitWhileSet so they can
// re-check their done channel
func (f *Flag) Interrupt() {
	f.mu.Lock()
	f.cond.Broadcast()
	f.mu.Unlock()
}
