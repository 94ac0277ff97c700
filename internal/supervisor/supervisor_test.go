package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/refwatch/buildmonitor/internal/build"
	"github.com/refwatch/buildmonitor/internal/buildevent"
	"github.com/refwatch/buildmonitor/internal/clock"
	"github.com/refwatch/buildmonitor/internal/dispatcher"
	"github.com/refwatch/buildmonitor/internal/metrics"
	"github.com/refwatch/buildmonitor/internal/refs"
	"github.com/refwatch/buildmonitor/internal/seen"
)

// instantActivity resolves successfully the moment it is created, so a
// build finishes as soon as it is launched; the dispatcher still reports
// that completion back on the build's own goroutine.
type instantActivity struct{ done chan build.Outcome }

func (a *instantActivity) Done() <-chan build.Outcome { return a.done }

func instantBuilder() build.Builder {
	return build.BuilderFunc(func(ctx context.Context, cmd string, ref refs.Ref) (build.Activity, error) {
		a := &instantActivity{done: make(chan build.Outcome, 1)}
		a.done <- build.Outcome{}
		return a, nil
	})
}

type fakeFetcher struct {
	mu       sync.Mutex
	snapshot refs.Snapshot
	err      error
	calls    int
	block    chan struct{} // if non-nil, FetchRefs waits on it
}

func (f *fakeFetcher) FetchRefs(ctx context.Context) (refs.Snapshot, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	snap, err := f.snapshot, f.err
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	return snap, err
}

func (f *fakeFetcher) setSnapshot(s refs.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot = s
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// eventually polls cond until it's true or the timeout elapses, since
// fetches are dispatched to their own goroutine and tests observe their
// effects from the outside.
func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestSupervisor(t *testing.T, fetcher refs.Fetcher, pollInterval time.Duration) (*Supervisor, *clock.Fake, *dispatcher.Dispatcher) {
	t.Helper()
	fakeClock := clock.NewFake(time.Unix(0, 0))
	m := metrics.New(prometheus.NewRegistry())

	seenSet := seen.New()
	dispch, err := dispatcher.New(10, instantBuilder(), "true", seenSet, buildevent.Discard, m, fakeClock, zerolog.Nop())
	if err != nil {
		t.Fatalf("dispatcher.New() error = %v", err)
	}

	sup := New(fakeClock, pollInterval, fetcher, dispch, seenSet, m, zerolog.Nop())
	return sup, fakeClock, dispch
}

func TestFirstPollFiresAfterOneIntervalNotAtZero(t *testing.T) {
	fetcher := &fakeFetcher{}
	sup, fakeClock, _ := newTestSupervisor(t, fetcher, 10*time.Second)

	sup.Start()
	defer sup.Dispose()

	if fetcher.callCount() != 0 {
		t.Fatalf("callCount = %d before any advance, want 0", fetcher.callCount())
	}

	fakeClock.AdvanceBy(10 * time.Second)
	eventually(t, time.Second, func() bool { return fetcher.callCount() == 1 })
}

func TestStartIsIdempotent(t *testing.T) {
	fetcher := &fakeFetcher{}
	sup, fakeClock, _ := newTestSupervisor(t, fetcher, 10*time.Second)

	sup.Start()
	sup.Start()
	sup.Start()
	defer sup.Dispose()

	fakeClock.AdvanceBy(10 * time.Second)
	eventually(t, time.Second, func() bool { return fetcher.callCount() == 1 })
}

func TestDisposeStopsFurtherTicks(t *testing.T) {
	fetcher := &fakeFetcher{}
	sup, fakeClock, _ := newTestSupervisor(t, fetcher, 10*time.Second)

	sup.Start()
	fakeClock.AdvanceBy(10 * time.Second)
	eventually(t, time.Second, func() bool { return fetcher.callCount() == 1 })

	sup.Dispose()
	fakeClock.AdvanceBy(100 * time.Second)
	time.Sleep(20 * time.Millisecond)

	if fetcher.callCount() != 1 {
		t.Fatalf("callCount = %d after Dispose, want 1 (no further ticks)", fetcher.callCount())
	}
}

func TestNewRefLaunchesABuild(t *testing.T) {
	fetcher := &fakeFetcher{}
	sup, fakeClock, dispch := newTestSupervisor(t, fetcher, 10*time.Second)

	fetcher.setSnapshot(refs.Snapshot{{Name: "main", Object: refs.Object{SHA: "sha1"}}})

	sup.Start()
	defer sup.Dispose()
	fakeClock.AdvanceBy(10 * time.Second)

	// Submit marks the SHA seen and, under the cap of 10, launches it at once.
	eventually(t, time.Second, func() bool { return sup.seen.Contains("sha1") })

	// instantBuilder resolves synchronously, but completion is reported
	// back on a goroutine; give it a moment to land.
	deadline := time.Now().Add(time.Second)
	for len(dispch.ActiveSHAs()) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
}

func TestOutstandingFetchSkipsNextTickRatherThanQueuing(t *testing.T) {
	block := make(chan struct{})
	fetcher := &fakeFetcher{block: block}
	sup, fakeClock, _ := newTestSupervisor(t, fetcher, 10*time.Second)

	sup.Start()
	defer func() {
		close(block)
		sup.Dispose()
	}()

	// First tick starts a fetch that blocks forever (until we close the
	// channel in cleanup).
	fakeClock.AdvanceBy(10 * time.Second)

	// A goroutine is now blocked inside FetchRefs. Give it a moment to
	// actually reach the blocking call before advancing further.
	time.Sleep(20 * time.Millisecond)

	// The second tick must be skipped, not queued, because the first
	// fetch has not resolved.
	fakeClock.AdvanceBy(10 * time.Second)
	time.Sleep(20 * time.Millisecond)

	if got := fetcher.callCount(); got != 1 {
		t.Fatalf("callCount = %d, want 1 (second tick should have been skipped)", got)
	}
}

func TestFetchErrorIsSkippedWithoutStoppingTheLoop(t *testing.T) {
	fetcher := &fakeFetcher{err: context.DeadlineExceeded}
	sup, fakeClock, _ := newTestSupervisor(t, fetcher, 10*time.Second)

	sup.Start()
	defer sup.Dispose()

	fakeClock.AdvanceBy(10 * time.Second)
	eventually(t, time.Second, func() bool { return fetcher.callCount() == 1 })

	fakeClock.AdvanceBy(10 * time.Second)
	eventually(t, time.Second, func() bool { return fetcher.callCount() == 2 })
}

func TestNotLeaderSkipsFetchButTicksStillArrive(t *testing.T) {
	fetcher := &fakeFetcher{}
	sup, fakeClock, _ := newTestSupervisor(t, fetcher, 10*time.Second)

	sup.SetLeader(false)
	sup.Start()
	defer sup.Dispose()

	fakeClock.AdvanceBy(10 * time.Second)
	time.Sleep(20 * time.Millisecond)

	if got := fetcher.callCount(); got != 0 {
		t.Fatalf("callCount = %d while not leader, want 0", got)
	}
}

func TestPromotionResumesFetchingOnTheNextTickWithoutANewStart(t *testing.T) {
	fetcher := &fakeFetcher{}
	sup, fakeClock, _ := newTestSupervisor(t, fetcher, 10*time.Second)

	sup.SetLeader(false)
	sup.Start()
	defer sup.Dispose()

	fakeClock.AdvanceBy(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if got := fetcher.callCount(); got != 0 {
		t.Fatalf("callCount = %d before promotion, want 0", got)
	}

	sup.SetLeader(true)
	fakeClock.AdvanceBy(10 * time.Second)
	eventually(t, time.Second, func() bool { return fetcher.callCount() == 1 })
}

func TestFailoverTogglesLeaderRepeatedlyWithoutDisposingTheDispatcher(t *testing.T) {
	fetcher := &fakeFetcher{}
	sup, fakeClock, dispch := newTestSupervisor(t, fetcher, 10*time.Second)

	fetcher.setSnapshot(refs.Snapshot{{Name: "main", Object: refs.Object{SHA: "sha1"}}})

	sup.Start()
	defer sup.Dispose()

	fakeClock.AdvanceBy(10 * time.Second)
	eventually(t, time.Second, func() bool { return fetcher.callCount() == 1 })

	// Lose leadership, regain it, lose it again — the dispatcher must
	// never latch shut the way Dispose would, since Dispose is only ever
	// called once, at actual process shutdown.
	sup.SetLeader(false)
	sup.SetLeader(true)
	sup.SetLeader(false)
	sup.SetLeader(true)

	if err := dispch.Submit(refs.Ref{Name: "main", Object: refs.Object{SHA: "sha2"}}); err != nil {
		t.Fatalf("Submit() after repeated failover = %v, want nil (dispatcher must still be open)", err)
	}

	fakeClock.AdvanceBy(10 * time.Second)
	eventually(t, time.Second, func() bool { return fetcher.callCount() == 2 })
}

func TestSetFetcherReassignsBetweenTicks(t *testing.T) {
	first := &fakeFetcher{}
	sup, fakeClock, _ := newTestSupervisor(t, first, 10*time.Second)

	sup.Start()
	defer sup.Dispose()

	fakeClock.AdvanceBy(10 * time.Second)
	eventually(t, time.Second, func() bool { return first.callCount() == 1 })

	second := &fakeFetcher{}
	sup.SetFetcher(second)

	fakeClock.AdvanceBy(10 * time.Second)
	eventually(t, time.Second, func() bool { return second.callCount() == 1 })

	if first.callCount() != 1 {
		t.Fatalf("first.callCount = %d, want 1", first.callCount())
	}
	if second.callCount() != 1 {
		t.Fatalf("second.callCount = %d, want 1", second.callCount())
	}
}
