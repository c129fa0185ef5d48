/*
Package bus provides the typed broadcast channels the pipeline stages talk
through.

A Stream delivers each value to the subscribers present when it was
published.  A State additionally remembers the last value and a Flag is a
boolean State that goroutines can block on.  Every subscription is bound to
an Executor, either Immediate for inline delivery or a Worker which owns a
goroutine and a bounded queue.  Publishing never waits on subscribers and a
panicking handler is logged without affecting the channel or its other
subscribers.
*/
package bus
