// Package event provides the process-wide abort signal shared by the
// router, workers and integrations.
package event

import "sync"

// Event is a one-shot signal. Set may be called any number of times but
// only the first call has an effect.
type Event struct {
	once sync.Once
	ch   chan struct{}
}

// New creates an unset event.
func New() *Event {
	return &Event{ch: make(chan struct{})}
}

// Set fires the event. Subsequent calls are no-ops.
func (e *Event) Set() {
	e.once.Do(func() { close(e.ch) })
}

// IsSet reports whether the event has fired.
func (e *Event) IsSet() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed once the event fires.
func (e *Event) Done() <-chan struct{} {
	return e.ch
}
