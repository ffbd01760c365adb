package room

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"studymap/api/internal/crdt"
)

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{clock: c, at: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, timer)
	return timer
}

// Advance moves the clock forward, firing due timers in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	var remaining []*fakeTimer
	for _, timer := range c.timers {
		if !timer.stopped && !timer.at.After(c.now) {
			timer.stopped = true
			due = append(due, timer)
		} else {
			remaining = append(remaining, timer)
		}
	}
	c.timers = remaining
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	c.mu.Unlock()

	for _, timer := range due {
		timer.fn()
	}
}

type persistRecorder struct {
	mu        sync.Mutex
	snapshots []crdt.Snapshot
	times     []time.Time
	clock     *fakeClock
}

func (p *persistRecorder) persist(_ context.Context, snapshot crdt.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots = append(p.snapshots, snapshot)
	p.times = append(p.times, p.clock.Now())
	return nil
}

func (p *persistRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.snapshots)
}

func snapshotWithNode(t *testing.T, name string) crdt.Snapshot {
	t.Helper()
	raw, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		t.Fatal(err)
	}
	snapshot := crdt.NewSnapshot()
	snapshot.Nodes["n1"] = raw
	return snapshot
}

func TestDebounceCoalescesBurstIntoDisconnectFlush(t *testing.T) {
	clock := newFakeClock()
	recorder := &persistRecorder{clock: clock}

	var mu sync.Mutex
	current := snapshotWithNode(t, "v0")
	setState := func(name string) {
		mu.Lock()
		current = snapshotWithNode(t, name)
		mu.Unlock()
	}
	getState := func() crdt.Snapshot {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	s := NewScheduler(1000*time.Millisecond, clock, getState, recorder.persist, zerolog.Nop())
	s.Prime(current)

	// Updates at t=0ms, 400ms and 900ms, flush at 950ms: exactly one
	// persisted snapshot, at the flush, reflecting all three updates.
	setState("v1")
	s.Touch()
	clock.Advance(400 * time.Millisecond)
	setState("v2")
	s.Touch()
	clock.Advance(500 * time.Millisecond)
	setState("v3")
	s.Touch()
	if recorder.count() != 0 {
		t.Fatalf("expected no persist inside the debounce window, got %d", recorder.count())
	}

	clock.Advance(50 * time.Millisecond)
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	s.Close()
	clock.Advance(5 * time.Second)

	if recorder.count() != 1 {
		t.Fatalf("expected exactly one persisted snapshot, got %d", recorder.count())
	}
	if !recorder.snapshots[0].Equal(snapshotWithNode(t, "v3")) {
		t.Fatal("persisted snapshot does not reflect the final update")
	}
	if got := recorder.times[0].Sub(time.Unix(1000, 0)); got != 950*time.Millisecond {
		t.Fatalf("persist happened at t=%v, want 950ms", got)
	}
}

func TestDebounceTimerPersistsAfterQuietPeriod(t *testing.T) {
	clock := newFakeClock()
	recorder := &persistRecorder{clock: clock}
	current := snapshotWithNode(t, "v1")

	s := NewScheduler(1000*time.Millisecond, clock, func() crdt.Snapshot { return current }, recorder.persist, zerolog.Nop())
	s.Prime(snapshotWithNode(t, "v0"))

	s.Touch()
	clock.Advance(999 * time.Millisecond)
	if recorder.count() != 0 {
		t.Fatal("persisted before the debounce deadline")
	}
	clock.Advance(1 * time.Millisecond)
	if recorder.count() != 1 {
		t.Fatalf("expected the armed timer to persist, got %d", recorder.count())
	}
}

func TestTouchPersistsImmediatelyAfterIdleInterval(t *testing.T) {
	clock := newFakeClock()
	recorder := &persistRecorder{clock: clock}
	current := snapshotWithNode(t, "v1")

	s := NewScheduler(1000*time.Millisecond, clock, func() crdt.Snapshot { return current }, recorder.persist, zerolog.Nop())
	s.Prime(snapshotWithNode(t, "v0"))

	clock.Advance(5 * time.Second)
	s.Touch()
	if recorder.count() != 1 {
		t.Fatalf("expected an immediate persist after an idle interval, got %d", recorder.count())
	}
}

func TestValueIdenticalSnapshotIsNotPersisted(t *testing.T) {
	clock := newFakeClock()
	recorder := &persistRecorder{clock: clock}
	current := snapshotWithNode(t, "v0")

	s := NewScheduler(1000*time.Millisecond, clock, func() crdt.Snapshot { return current }, recorder.persist, zerolog.Nop())
	s.Prime(current)

	clock.Advance(5 * time.Second)
	s.Touch()
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if recorder.count() != 0 {
		t.Fatalf("expected no persist for an unchanged snapshot, got %d", recorder.count())
	}
}
