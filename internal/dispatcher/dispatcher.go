// Package dispatcher implements the Concurrency Dispatcher: a bounded-
// concurrency FIFO queue in front of the configured Builder. A single
// mutex covers the pending queue and the active-build map together,
// because the invariants the dispatcher must hold (no SHA counted twice,
// never more than maxConcurrent active, a freed slot is refilled before
// the caller that freed it observes the free) only hold if those
// structures move in lockstep.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/refwatch/buildmonitor/internal/build"
	"github.com/refwatch/buildmonitor/internal/buildevent"
	"github.com/refwatch/buildmonitor/internal/clock"
	"github.com/refwatch/buildmonitor/internal/metrics"
	"github.com/refwatch/buildmonitor/internal/refs"
	"github.com/refwatch/buildmonitor/internal/seen"
)

// ErrShutdown is returned by Submit once Shutdown has been called.
var ErrShutdown = errors.New("dispatcher: shut down")

// ErrInvalidConcurrency is returned by New when maxConcurrent is not
// positive.
var ErrInvalidConcurrency = errors.New("dispatcher: maxConcurrent must be > 0")

type activeBuild struct {
	ref        refs.Ref
	cancel     context.CancelFunc
	launchedAt time.Time
}

// Dispatcher launches, bounds, and cancels builds. It is the only
// component that ever calls Builder.RunBuild.
type Dispatcher struct {
	mu sync.Mutex

	seen          *seen.Set
	pending       []refs.Ref
	active        map[string]*activeBuild
	maxConcurrent int
	closed        bool

	builder  build.Builder
	buildCmd string
	events   buildevent.Sink
	metrics  *metrics.Metrics
	clk      clock.Clock
	log      zerolog.Logger
}

// New constructs a Dispatcher. seen is shared with the rest of the
// process (typically seeded by the supervisor before Start); events,
// metrics, and clk may be the Discard/nil-safe defaults.
func New(maxConcurrent int, builder build.Builder, buildCmd string, seenSet *seen.Set, events buildevent.Sink, m *metrics.Metrics, clk clock.Clock, log zerolog.Logger) (*Dispatcher, error) {
	if maxConcurrent <= 0 {
		return nil, ErrInvalidConcurrency
	}
	if events == nil {
		events = buildevent.Discard
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Dispatcher{
		seen:          seenSet,
		active:        make(map[string]*activeBuild),
		maxConcurrent: maxConcurrent,
		builder:       builder,
		buildCmd:      buildCmd,
		events:        events,
		metrics:       m,
		clk:           clk,
		log:           log,
	}, nil
}

// Submit admits ref for building. It marks the ref's SHA as seen
// immediately, so a concurrent diff pass never re-submits it, then either
// launches it right away or appends it to the FIFO queue if the
// dispatcher is already at maxConcurrent.
func (d *Dispatcher) Submit(ref refs.Ref) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrShutdown
	}

	d.seen.Add(ref.Object.SHA)
	d.pending = append(d.pending, ref)
	d.emit(ref.Object.SHA, ref.Name, buildevent.Queued, "")
	d.updateQueueDepthLocked()
	d.launchNextLocked()
	return nil
}

// Cancel terminates sha for scheduling purposes immediately: if it is
// running, its context is cancelled and its slot is freed right away,
// before the underlying Activity has actually stopped; if it is only
// queued, it is dropped without ever starting.
func (d *Dispatcher) Cancel(sha string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ab, ok := d.active[sha]; ok {
		ab.cancel()
		delete(d.active, sha)
		d.setActiveGaugeLocked()
		if d.metrics != nil {
			d.metrics.BuildDuration.Observe(d.clk.Now().Sub(ab.launchedAt).Seconds())
		}
		d.recordOutcome(metrics.OutcomeCancelled)
		d.emit(sha, ab.ref.Name, buildevent.Cancelled, "cancelled by diff engine")
		d.log.Debug().Str("sha", sha).Str("ref", ab.ref.Name).Msg("build cancelled")
		d.launchNextLocked()
		return
	}

	for i, ref := range d.pending {
		if ref.Object.SHA == sha {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			d.updateQueueDepthLocked()
			d.emit(sha, ref.Name, buildevent.Cancelled, "cancelled before launch")
			d.log.Debug().Str("sha", sha).Str("ref", ref.Name).Msg("queued build cancelled before launch")
			return
		}
	}
}

// SetBuilder reassigns the Builder used for subsequent launches. Legal at
// any time; builds already in flight keep running against whatever
// Builder launched them.
func (d *Dispatcher) SetBuilder(b build.Builder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.builder = b
}

// ActiveSHAs returns the SHAs currently counted against maxConcurrent.
func (d *Dispatcher) ActiveSHAs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]string, 0, len(d.active))
	for sha := range d.active {
		out = append(out, sha)
	}
	return out
}

// Shutdown stops admitting new builds, drops the pending queue, and
// cancels every active build. It does not wait for the underlying
// activities to actually exit; callers that need that should track the
// process's own lifetime separately (see internal/build.ProcessBuilder's
// MaxBuildDuration belt-and-suspenders ceiling).
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	d.pending = nil
	for sha, ab := range d.active {
		ab.cancel()
		delete(d.active, sha)
		if d.metrics != nil {
			d.metrics.BuildDuration.Observe(d.clk.Now().Sub(ab.launchedAt).Seconds())
		}
		d.recordOutcome(metrics.OutcomeCancelled)
		d.emit(sha, ab.ref.Name, buildevent.Cancelled, "cancelled by shutdown")
	}
	d.setActiveGaugeLocked()
	d.updateQueueDepthLocked()
}

// launchNextLocked starts queued builds until either the queue drains or
// maxConcurrent is reached. Caller must hold d.mu.
func (d *Dispatcher) launchNextLocked() {
	for len(d.pending) > 0 && len(d.active) < d.maxConcurrent {
		ref := d.pending[0]
		d.pending = d.pending[1:]
		d.startLocked(ref)
	}
	d.updateQueueDepthLocked()
}

// startLocked reserves an active slot for ref and kicks off the build on
// a background goroutine. Caller must hold d.mu.
func (d *Dispatcher) startLocked(ref refs.Ref) {
	ctx, cancel := context.WithCancel(context.Background())
	sha := ref.Object.SHA

	d.active[sha] = &activeBuild{ref: ref, cancel: cancel, launchedAt: d.clk.Now()}
	d.setActiveGaugeLocked()
	if d.metrics != nil {
		d.metrics.LaunchesTotal.Inc()
	}
	d.emit(sha, ref.Name, buildevent.Started, "")
	d.log.Debug().Str("sha", sha).Str("ref", ref.Name).Msg("build launched")

	go d.run(ctx, d.builder, ref)
}

// run executes one build outside the dispatcher lock, using the Builder
// that was current when the build was launched, and reports its terminal
// outcome back via complete.
func (d *Dispatcher) run(ctx context.Context, builder build.Builder, ref refs.Ref) {
	activity, err := builder.RunBuild(ctx, d.buildCmd, ref)
	if err != nil {
		d.complete(ref.Object.SHA, ref.Name, build.Outcome{Err: err})
		return
	}

	outcome := <-activity.Done()
	d.complete(ref.Object.SHA, ref.Name, outcome)
}

// complete records a build's terminal outcome, frees its slot if it is
// still held (a concurrent Cancel may already have freed it, in which
// case this is a no-op for scheduling purposes), and launches the next
// queued build.
func (d *Dispatcher) complete(sha, refName string, outcome build.Outcome) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ab, ok := d.active[sha]
	if !ok {
		// Already cancelled and its slot reassigned; the build's own
		// cleanup raced us here and there is nothing left to schedule.
		return
	}
	delete(d.active, sha)
	d.setActiveGaugeLocked()

	if d.metrics != nil {
		d.metrics.BuildDuration.Observe(d.clk.Now().Sub(ab.launchedAt).Seconds())
	}

	switch {
	case outcome.Cancelled:
		d.recordOutcome(metrics.OutcomeCancelled)
		d.emit(sha, refName, buildevent.Cancelled, "build activity reported cancellation")
		d.log.Debug().Str("sha", sha).Str("ref", refName).Msg("build cancelled")
	case outcome.Err != nil:
		d.recordOutcome(metrics.OutcomeFailed)
		d.emit(sha, refName, buildevent.Failed, outcome.Err.Error())
		d.log.Warn().Err(outcome.Err).Str("sha", sha).Str("ref", refName).Msg("build failed")
	default:
		d.recordOutcome(metrics.OutcomeSucceeded)
		d.emit(sha, refName, buildevent.Completed, "")
	}

	d.launchNextLocked()
}

func (d *Dispatcher) recordOutcome(label string) {
	if d.metrics != nil {
		d.metrics.BuildsTotal.WithLabelValues(label).Inc()
	}
}

func (d *Dispatcher) emit(sha, refName string, kind buildevent.Kind, detail string) {
	d.events.Emit(buildevent.Event{
		SHA:       sha,
		RefName:   refName,
		Kind:      kind,
		Timestamp: d.clk.Now(),
		Detail:    detail,
	})
}

func (d *Dispatcher) setActiveGaugeLocked() {
	if d.metrics != nil {
		d.metrics.ActiveBuilds.Set(float64(len(d.active)))
	}
}

func (d *Dispatcher) updateQueueDepthLocked() {
	if d.metrics != nil {
		d.metrics.QueueDepth.Set(float64(len(d.pending)))
	}
}
