package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/ashureev/supportchat/internal/domain"
)

type recorder struct {
	mu      sync.Mutex
	signals []Signal
}

func (r *recorder) emit(s Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, s)
}

func (r *recorder) all() []Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Signal(nil), r.signals...)
}

func newTestTracker() (*Tracker, *ManualClock, *recorder) {
	clock := NewManualClock()
	rec := &recorder{}
	return NewTracker(rec.emit, WithClock(clock)), clock, rec
}

func TestBurstEmitsOneStartAndOneStop(t *testing.T) {
	t.Parallel()

	tr, clock, rec := newTestTracker()
	for i := 0; i < 5; i++ {
		tr.InputChanged("s1", domain.RoleVisitor)
		clock.Advance(500 * time.Millisecond)
	}

	got := rec.all()
	if len(got) != 1 || !got[0].Active || got[0].SessionID != "s1" || got[0].Role != domain.RoleVisitor {
		t.Fatalf("expected a single start signal, got %+v", got)
	}
	if tr.State("s1", domain.RoleVisitor) != StateActive {
		t.Fatal("expected active state mid-burst")
	}

	// 500ms have passed since the last input.
	clock.Advance(1499 * time.Millisecond)
	if n := len(rec.all()); n != 1 {
		t.Fatalf("stop emitted too early, %d signals", n)
	}

	clock.Advance(time.Millisecond)
	got = rec.all()
	if len(got) != 2 || got[1].Active {
		t.Fatalf("expected stop after quiet interval, got %+v", got)
	}
	if tr.State("s1", domain.RoleVisitor) != StateIdle {
		t.Fatal("expected idle after stop")
	}
	if clock.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", clock.Pending())
	}
}

func TestNewBurstAfterStop(t *testing.T) {
	t.Parallel()

	tr, clock, rec := newTestTracker()
	tr.InputChanged("s1", domain.RoleStaff)
	clock.Advance(DefaultQuietInterval)
	tr.InputChanged("s1", domain.RoleStaff)

	got := rec.all()
	want := []bool{true, false, true}
	if len(got) != len(want) {
		t.Fatalf("got %+v", got)
	}
	for i, active := range want {
		if got[i].Active != active {
			t.Fatalf("signal %d: active=%v, want %v", i, got[i].Active, active)
		}
	}
}

func TestSentForcesStop(t *testing.T) {
	t.Parallel()

	tr, clock, rec := newTestTracker()
	tr.InputChanged("s1", domain.RoleVisitor)
	clock.Advance(300 * time.Millisecond)
	tr.Sent("s1", domain.RoleVisitor)

	got := rec.all()
	if len(got) != 2 || got[1].Active {
		t.Fatalf("expected start then stop, got %+v", got)
	}
	if clock.Pending() != 0 {
		t.Fatal("expected timer to be cancelled on send")
	}

	clock.Advance(5 * time.Second)
	if n := len(rec.all()); n != 2 {
		t.Fatalf("expected no further signals, got %d", n)
	}
}

func TestSentWhileIdleIsSilent(t *testing.T) {
	t.Parallel()

	tr, _, rec := newTestTracker()
	tr.Sent("s1", domain.RoleVisitor)
	if n := len(rec.all()); n != 0 {
		t.Fatalf("expected no signal, got %d", n)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	t.Parallel()

	tr, clock, rec := newTestTracker()
	tr.InputChanged("a", domain.RoleStaff)
	clock.Advance(time.Second)
	tr.InputChanged("b", domain.RoleStaff)
	clock.Advance(time.Second)

	got := rec.all()
	if len(got) != 3 {
		t.Fatalf("expected start a, start b, stop a; got %+v", got)
	}
	if got[2].SessionID != "a" || got[2].Active {
		t.Fatalf("expected stop for a, got %+v", got[2])
	}
	if tr.State("b", domain.RoleStaff) != StateActive {
		t.Fatal("session b should still be active")
	}
}

func TestRemoteMirrorNeverEmits(t *testing.T) {
	t.Parallel()

	tr, clock, rec := newTestTracker()
	tr.RemoteStart("s1", domain.RoleStaff)
	if !tr.Displayed("s1", domain.RoleStaff) {
		t.Fatal("expected remote typing to be displayed")
	}
	clock.Advance(10 * time.Second)
	if !tr.Displayed("s1", domain.RoleStaff) {
		t.Fatal("mirror must not time out on its own")
	}
	tr.RemoteStop("s1", domain.RoleStaff)
	if tr.Displayed("s1", domain.RoleStaff) {
		t.Fatal("expected remote typing to be cleared")
	}
	if n := len(rec.all()); n != 0 {
		t.Fatalf("mirror emitted %d signals", n)
	}
}

func TestResetAndClearAreSilent(t *testing.T) {
	t.Parallel()

	tr, clock, rec := newTestTracker()
	tr.InputChanged("a", domain.RoleVisitor)
	tr.InputChanged("b", domain.RoleVisitor)
	tr.RemoteStart("a", domain.RoleStaff)

	tr.Reset("a")
	if tr.State("a", domain.RoleVisitor) != StateIdle || tr.Displayed("a", domain.RoleStaff) {
		t.Fatal("expected session a to be reset")
	}
	if tr.State("b", domain.RoleVisitor) != StateActive {
		t.Fatal("reset must not touch other sessions")
	}

	tr.Clear()
	clock.Advance(time.Minute)
	if n := len(rec.all()); n != 2 {
		t.Fatalf("expected only the two start signals, got %d", n)
	}
}

func TestRealClockStops(t *testing.T) {
	t.Parallel()

	stopped := make(chan Signal, 1)
	tr := NewTracker(func(s Signal) {
		if !s.Active {
			stopped <- s
		}
	}, WithQuietInterval(20*time.Millisecond))

	tr.InputChanged("s1", domain.RoleVisitor)
	select {
	case s := <-stopped:
		if s.SessionID != "s1" {
			t.Fatalf("unexpected signal %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stop")
	}
}

func TestQuietTimerReplacesPending(t *testing.T) {
	t.Parallel()

	clock := NewManualClock()
	q := newQuietTimer(clock)
	fired := 0
	q.Reset(time.Second, func() { fired++ })
	q.Reset(time.Second, func() { fired += 10 })
	if clock.Pending() != 1 {
		t.Fatalf("expected one pending timer, got %d", clock.Pending())
	}
	clock.Advance(time.Second)
	if fired != 10 {
		t.Fatalf("expected only the latest callback, fired=%d", fired)
	}
	if q.Pending() {
		t.Fatal("expected nothing pending after fire")
	}
}
