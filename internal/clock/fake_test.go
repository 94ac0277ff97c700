package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceByFiresOneShot(t *testing.T) {
	f := NewFake(time.Unix(0, 0))

	fired := 0
	f.AfterFunc(10*time.Second, func() { fired++ })

	f.AdvanceBy(5 * time.Second)
	if fired != 0 {
		t.Fatalf("fired = %d before deadline, want 0", fired)
	}

	f.AdvanceBy(5 * time.Second)
	if fired != 1 {
		t.Fatalf("fired = %d at deadline, want 1", fired)
	}

	f.AdvanceBy(10 * time.Second)
	if fired != 1 {
		t.Fatalf("fired = %d after one-shot already fired, want 1", fired)
	}
}

func TestFakeEveryFiresRepeatedly(t *testing.T) {
	f := NewFake(time.Unix(0, 0))

	var ticks int
	f.Every(10*time.Second, func() { ticks++ })

	if ticks != 0 {
		t.Fatalf("ticks = %d before any advance, want 0", ticks)
	}

	f.AdvanceBy(35 * time.Second)
	if ticks != 3 {
		t.Fatalf("ticks = %d after 35s at 10s interval, want 3", ticks)
	}
}

func TestFakeCancelStopsFurtherFires(t *testing.T) {
	f := NewFake(time.Unix(0, 0))

	var ticks int
	cancel := f.Every(10*time.Second, func() { ticks++ })

	f.AdvanceBy(15 * time.Second)
	if ticks != 1 {
		t.Fatalf("ticks = %d, want 1", ticks)
	}

	cancel()
	f.AdvanceBy(100 * time.Second)
	if ticks != 1 {
		t.Fatalf("ticks = %d after cancel, want 1", ticks)
	}
}

func TestFakeOrdersByDeadlineThenRegistration(t *testing.T) {
	f := NewFake(time.Unix(0, 0))

	var order []string
	f.AfterFunc(10*time.Second, func() { order = append(order, "a") })
	f.AfterFunc(10*time.Second, func() { order = append(order, "b") })
	f.AfterFunc(5*time.Second, func() { order = append(order, "c") })

	f.AdvanceBy(10 * time.Second)

	want := []string{"c", "a", "b"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestFakeNowAdvancesEvenWithNoScheduledWork(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	f.AdvanceBy(time.Minute)
	if got := f.Now(); !got.Equal(time.Unix(0, 0).Add(time.Minute)) {
		t.Fatalf("Now() = %v, want t0+1m", got)
	}
}

func TestFakeWorkScheduledDuringAdvanceRunsWithinWindow(t *testing.T) {
	f := NewFake(time.Unix(0, 0))

	var order []string
	f.AfterFunc(5*time.Second, func() {
		order = append(order, "first")
		f.AfterFunc(3*time.Second, func() { order = append(order, "second") })
	})

	f.AdvanceBy(10 * time.Second)

	want := []string{"first", "second"}
	if len(order) != len(want) || order[0] != want[0] || order[1] != want[1] {
		t.Fatalf("order = %v, want %v", order, want)
	}
}
