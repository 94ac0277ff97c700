package clock

import (
	"container/heap"
	"sync"
	"time"
)

// Fake is a deterministic, step-advanceable Clock for tests. All scheduled
// work is stored in a container/heap min-heap ordered by virtual deadline;
// AdvanceBy pops and fires everything due, in deadline order,
// synchronously in the caller's goroutine, so a test never races against
// background timers.
type Fake struct {
	mu   sync.Mutex
	now  time.Time
	seq  int64
	heap fakeHeap
}

// NewFake returns a Fake clock starting at t0.
func NewFake(t0 time.Time) *Fake {
	return &Fake{now: t0}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

type fakeWork struct {
	deadline time.Time
	seq      int64
	interval time.Duration // zero for one-shot
	fn       func()
	cancelled bool
	index    int
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) CancelFunc {
	return f.schedule(d, 0, fn)
}

func (f *Fake) Every(interval time.Duration, fn func()) CancelFunc {
	return f.schedule(interval, interval, fn)
}

func (f *Fake) schedule(d, interval time.Duration, fn func()) CancelFunc {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	w := &fakeWork{
		deadline: f.now.Add(d),
		seq:      f.seq,
		interval: interval,
		fn:       fn,
	}
	heap.Push(&f.heap, w)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.cancelled = true
	}
}

// AdvanceBy moves the clock forward by d, synchronously firing every
// scheduled callback whose deadline falls at or before the new time, in
// deadline order (ties broken by registration order). Callbacks fired
// during this call may themselves schedule further work; that work is
// included if its deadline is still within [now, now+d].
func (f *Fake) AdvanceBy(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		if f.heap.Len() == 0 {
			f.now = target
			f.mu.Unlock()
			return
		}
		next := f.heap[0]
		if next.deadline.After(target) {
			f.now = target
			f.mu.Unlock()
			return
		}
		heap.Pop(&f.heap)
		f.now = next.deadline
		cancelled := next.cancelled
		interval := next.interval
		fn := next.fn
		if !cancelled && interval > 0 {
			next.deadline = next.deadline.Add(interval)
			heap.Push(&f.heap, next)
		}
		f.mu.Unlock()

		if !cancelled {
			fn()
		}
	}
}

type fakeHeap []*fakeWork

func (h fakeHeap) Len() int { return len(h) }

func (h fakeHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h fakeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *fakeHeap) Push(x interface{}) {
	w := x.(*fakeWork)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *fakeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return w
}
