// Package build defines the Builder contract the dispatcher drives, plus a
// default process-based implementation.
package build

import (
	"context"

	"github.com/refwatch/buildmonitor/internal/refs"
)

// Outcome is the terminal result of one build Activity.
type Outcome struct {
	// Cancelled is true if the activity was torn down in response to a
	// cancellation signal rather than running to completion.
	Cancelled bool
	// Err is non-nil if the build failed (and Cancelled is false).
	Err error
	// ExitCode is meaningful only when the builder is process-based.
	ExitCode int
	// Output is the combined, captured build output. The core never
	// inspects it; it exists for logging/event-stream consumption.
	Output string
}

// Activity is a single in-flight build. It must be safe to subscribe to
// exactly once via Done, and cancellable via the context passed to
// RunBuild.
type Activity interface {
	// Done resolves with the build's terminal Outcome.
	Done() <-chan Outcome
}

// Builder launches builds. cmdWithArgs is opaque configuration the core
// never inspects.
type Builder interface {
	RunBuild(ctx context.Context, cmdWithArgs string, ref refs.Ref) (Activity, error)
}

// BuilderFunc adapts a plain function to the Builder interface.
type BuilderFunc func(ctx context.Context, cmdWithArgs string, ref refs.Ref) (Activity, error)

func (f BuilderFunc) RunBuild(ctx context.Context, cmdWithArgs string, ref refs.Ref) (Activity, error) {
	return f(ctx, cmdWithArgs, ref)
}

// chanActivity is the common Activity implementation used by both the
// default process builder and test doubles.
type chanActivity struct {
	done chan Outcome
}

func newChanActivity() *chanActivity {
	return &chanActivity{done: make(chan Outcome, 1)}
}

func (a *chanActivity) Done() <-chan Outcome { return a.done }

func (a *chanActivity) resolve(o Outcome) {
	a.done <- o
}
