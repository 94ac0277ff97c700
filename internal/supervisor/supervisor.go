// Package supervisor implements the Poll/Supervisor Loop: the explicit
// state machine that ties the clock, the ref fetcher, the diff engine,
// and the dispatcher together into one reactive cycle.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/refwatch/buildmonitor/internal/clock"
	"github.com/refwatch/buildmonitor/internal/diff"
	"github.com/refwatch/buildmonitor/internal/dispatcher"
	"github.com/refwatch/buildmonitor/internal/metrics"
	"github.com/refwatch/buildmonitor/internal/refs"
	"github.com/refwatch/buildmonitor/internal/seen"
)

// State is one of the Supervisor's three lifecycle states.
type State int

const (
	Idle State = iota
	Polling
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Supervisor drives the reactive cycle: every pollInterval of its Clock,
// fetch the latest ref snapshot, diff it against what has been seen and
// what is active, and apply the result to the Dispatcher.
type Supervisor struct {
	mu    sync.Mutex
	state State

	clk          clock.Clock
	pollInterval time.Duration

	fetcher refs.Fetcher
	dispch  *dispatcher.Dispatcher
	seen    *seen.Set

	cancelTick    clock.CancelFunc
	fetchInFlight bool
	isLeader      bool

	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New constructs a Supervisor in the Idle state, leader by default (the
// single-instance case, with no leader election in play). seenSet should
// already be seeded (if at all) by the caller before Start is invoked;
// Start latches it against further seeding.
func New(clk clock.Clock, pollInterval time.Duration, fetcher refs.Fetcher, dispch *dispatcher.Dispatcher, seenSet *seen.Set, m *metrics.Metrics, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		clk:          clk,
		pollInterval: pollInterval,
		fetcher:      fetcher,
		dispch:       dispch,
		seen:         seenSet,
		isLeader:     true,
		metrics:      m,
		log:          log,
	}
}

// SetFetcher reassigns the Fetcher the Supervisor polls. Legal at any
// time, including between ticks; the Supervisor reads the field fresh on
// every tick, so reassignment never races a tick already in flight.
func (s *Supervisor) SetFetcher(f refs.Fetcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetcher = f
}

// State reports the Supervisor's current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetLeader gates whether onTick is allowed to actually fetch, diff, and
// dispatch. The Clock registration itself is untouched: ticks keep
// arriving at the configured pollInterval regardless of leadership, so a
// newly-promoted instance resumes fetching within one poll interval
// rather than needing a fresh Start. Driving HA failover through
// Start/Dispose instead (tearing the dispatcher down on every loss of
// leadership) does not work, because Dispose is terminal — wire a leader
// Elector's OnAcquired/leaderCtx.Done() to this instead.
func (s *Supervisor) SetLeader(leader bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isLeader = leader
}

// Start is idempotent: it transitions Idle to Polling and schedules the
// first tick at t = pollInterval from now, per the spec's requirement
// that nothing fires at t = 0. Calling Start from any state other than
// Idle is a no-op.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Idle {
		return
	}

	s.seen.MarkStarted()
	s.state = Polling
	s.cancelTick = s.clk.Every(s.pollInterval, s.onTick)
	s.log.Info().Dur("poll_interval", s.pollInterval).Msg("supervisor started")
}

// Dispose is idempotent: it transitions to Stopped, releases the clock
// registration, and shuts down the dispatcher.
func (s *Supervisor) Dispose() {
	s.mu.Lock()
	if s.state == Stopped {
		s.mu.Unlock()
		return
	}
	s.state = Stopped
	if s.cancelTick != nil {
		s.cancelTick()
	}
	s.mu.Unlock()

	s.dispch.Shutdown()
	s.log.Info().Msg("supervisor stopped")
}

// onTick runs on every clock tick. It enforces the one-outstanding-fetch
// rule: if the previous fetch has not resolved yet, this tick is skipped
// outright rather than queued. The fetch itself runs on its own
// goroutine so a slow Fetcher can never delay the clock's delivery of
// the next tick — that delivery is what makes the skip-not-queue rule
// observable in the first place. While not leader, the tick still
// arrives and is still discarded here rather than suppressed upstream,
// so promotion is picked up on the very next tick instead of waiting for
// a fresh Start.
func (s *Supervisor) onTick() {
	s.mu.Lock()
	if s.state != Polling || s.fetchInFlight || !s.isLeader {
		notLeader := s.state == Polling && !s.isLeader
		s.mu.Unlock()
		if notLeader {
			s.log.Debug().Msg("not leader, skipping this tick")
		}
		return
	}
	s.fetchInFlight = true
	fetcher := s.fetcher
	s.mu.Unlock()

	go s.runFetch(fetcher)
}

func (s *Supervisor) runFetch(fetcher refs.Fetcher) {
	start := s.clk.Now()
	snapshot, err := fetcher.FetchRefs(context.Background())
	if s.metrics != nil {
		s.metrics.FetchDuration.Observe(s.clk.Now().Sub(start).Seconds())
	}

	s.mu.Lock()
	s.fetchInFlight = false
	stillPolling := s.state == Polling
	stillLeader := s.isLeader
	s.mu.Unlock()

	if !stillPolling {
		return
	}
	if !stillLeader {
		s.log.Warn().Msg("leadership lost during fetch, dropping this tick's dispatch")
		return
	}

	if err != nil {
		if s.metrics != nil {
			s.metrics.FetchErrorsTotal.Inc()
		}
		s.log.Warn().Err(err).Msg("ref fetch failed, skipping this tick")
		return
	}

	s.apply(snapshot)
}

// apply runs one diff pass and submits/cancels builds in the order the
// spec requires: every launch before any cancel is irrelevant to
// correctness (they touch disjoint SHAs by construction), but launches
// are issued in the snapshot's own iteration order.
func (s *Supervisor) apply(snapshot refs.Snapshot) {
	active := s.dispch.ActiveSHAs()
	result := diff.Compute(snapshot, s.seen, active)

	for _, ref := range result.ToLaunch {
		if err := s.dispch.Submit(ref); err != nil {
			s.log.Warn().Err(err).Str("sha", ref.Object.SHA).Msg("failed to submit build")
		}
	}
	for _, sha := range result.ToCancel {
		s.dispch.Cancel(sha)
	}
}
