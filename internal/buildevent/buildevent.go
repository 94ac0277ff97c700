// Package buildevent defines the purely observational record emitted on
// every build lifecycle transition. Nothing in the scheduling core ever
// reads a BuildEvent back; it exists for logs, metrics, and the websocket
// event stream (see internal/httpapi).
package buildevent

import "time"

// Kind enumerates the lifecycle transitions a build can report.
type Kind string

const (
	Queued    Kind = "queued"
	Started   Kind = "started"
	Completed Kind = "completed"
	Failed    Kind = "failed"
	Cancelled Kind = "cancelled"
)

// Event is one observed transition.
type Event struct {
	SHA       string    `json:"sha"`
	RefName   string    `json:"ref_name"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// Sink receives Events as they occur. Implementations must not block the
// caller for long; the dispatcher calls Sink synchronously while holding
// its state-transition lock.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Multi fans an Event out to every sink in order.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(e Event) {
		for _, s := range sinks {
			if s != nil {
				s.Emit(e)
			}
		}
	})
}

// Discard drops every event. Used as the zero-value default so components
// never need a nil check.
var Discard Sink = SinkFunc(func(Event) {})
