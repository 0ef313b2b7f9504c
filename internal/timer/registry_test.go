package timer

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"timerloop/internal/eventbus"
	logx "timerloop/pkg/logx"
)

func newTestRegistry() (*Registry, *manualClock) {
	clk := newManualClock()
	return New(Options{Clock: clk}), clk
}

func TestOneShotFiresOnceAtDueTime(t *testing.T) {
	for _, delay := range []time.Duration{0, time.Millisecond, 250 * time.Millisecond, time.Hour} {
		r, clk := newTestRegistry()
		fired := 0
		r.ScheduleOnce(delay, func(Fire) error { fired++; return nil }, nil)

		if delay > 0 {
			if err := r.RunPending(clk.Set(delay - 1)); err != nil {
				t.Fatalf("delay %v: RunPending: %v", delay, err)
			}
			if fired != 0 {
				t.Fatalf("delay %v: fired before due", delay)
			}
		}
		_ = r.RunPending(clk.Set(delay))
		_ = r.RunPending(clk.Set(delay + time.Hour))
		if fired != 1 {
			t.Fatalf("delay %v: fired %d times, want 1", delay, fired)
		}
		if r.Len() != 0 {
			t.Fatalf("delay %v: one-shot should be removed, Len=%d", delay, r.Len())
		}
	}
}

func TestZeroDelayNeverRunsSynchronously(t *testing.T) {
	r, clk := newTestRegistry()
	fired := false
	r.ScheduleOnce(0, func(Fire) error { fired = true; return nil }, nil)
	if fired {
		t.Fatalf("callback ran during ScheduleOnce")
	}
	_ = r.RunPending(clk.Set(0))
	if !fired {
		t.Fatalf("callback should fire on the first pass")
	}
}

func TestNegativeDelayIsClamped(t *testing.T) {
	r, clk := newTestRegistry()
	fired := 0
	r.ScheduleOnce(-time.Second, func(Fire) error { fired++; return nil }, nil)
	if due, ok := r.NextDue(); !ok || !due.Equal(epoch) {
		t.Fatalf("NextDue = %v (ok=%v), want %v", due, ok, epoch)
	}
	_ = r.RunPending(clk.Set(0))
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
}

func TestRepeatingFiresEveryPassUntilCancelled(t *testing.T) {
	r, clk := newTestRegistry()
	var dues []time.Duration
	id := r.ScheduleRepeating(time.Second, func(f Fire) error {
		dues = append(dues, f.Due.Sub(epoch))
		return nil
	}, nil)

	for i := 0; i <= 5; i++ {
		_ = r.RunPending(clk.Set(time.Duration(i) * time.Second))
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second, 5 * time.Second}
	if len(dues) != len(want) {
		t.Fatalf("fired %d times, want %d (%v)", len(dues), len(want), dues)
	}
	for i := range want {
		if dues[i] != want[i] {
			t.Fatalf("firing %d due = %v, want %v", i, dues[i], want[i])
		}
	}

	if !r.Cancel(id) {
		t.Fatalf("Cancel should report true for an active timer")
	}
	_ = r.RunPending(clk.Set(time.Minute))
	if len(dues) != len(want) {
		t.Fatalf("fired after cancel")
	}
}

func TestRepeatingDoesNotCorrectDrift(t *testing.T) {
	r, clk := newTestRegistry()
	var dues []time.Duration
	r.ScheduleRepeating(time.Second, func(f Fire) error {
		dues = append(dues, f.Due.Sub(epoch))
		return nil
	}, nil)

	// late pass: one firing, next due stays on the nominal grid
	_ = r.RunPending(clk.Set(3500 * time.Millisecond))
	if len(dues) != 1 {
		t.Fatalf("a late pass should fire once, got %d", len(dues))
	}
	if due, _ := r.NextDue(); due.Sub(epoch) != 2*time.Second {
		t.Fatalf("next due = %v, want 2s", due.Sub(epoch))
	}
	_ = r.RunPending(clk.Set(3600 * time.Millisecond))
	if len(dues) != 2 || dues[1] != 2*time.Second {
		t.Fatalf("dues = %v", dues)
	}
}

func TestCancelBeforeDuePreventsFiring(t *testing.T) {
	r, clk := newTestRegistry()
	fired := 0
	once := r.ScheduleOnce(time.Second, func(Fire) error { fired++; return nil }, nil)
	rep := r.ScheduleRepeating(time.Second, func(Fire) error { fired++; return nil }, nil)
	r.Cancel(once)
	r.Cancel(rep)
	_ = r.RunPending(clk.Set(time.Hour))
	if fired != 0 {
		t.Fatalf("cancelled timers fired %d times", fired)
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0", r.Len())
	}
	if _, ok := r.NextDue(); ok {
		t.Fatalf("NextDue should be empty")
	}
}

func TestCancelIsNoopForUnknownOrFinished(t *testing.T) {
	r, clk := newTestRegistry()
	id := r.ScheduleOnce(0, func(Fire) error { return nil }, nil)
	_ = r.RunPending(clk.Set(0))

	if r.Cancel(id) {
		t.Fatalf("cancel after one-shot fired should be a no-op")
	}
	if r.Cancel(999) {
		t.Fatalf("cancel of unknown id should be a no-op")
	}
	if err := r.CancelStrict(999); !errors.Is(err, ErrUnknownTimer) {
		t.Fatalf("CancelStrict err = %v, want ErrUnknownTimer", err)
	}
}

// A 1s interval that cancels itself once its counter hits 3.
func TestSelfCancelAfterThreeFirings(t *testing.T) {
	r, clk := newTestRegistry()
	counter := new(int)
	var cancelled []bool
	r.ScheduleRepeating(time.Second, func(f Fire) error {
		n := f.Arg.(*int)
		*n++
		if *n == 3 {
			cancelled = append(cancelled, f.Cancel())
		}
		return nil
	}, counter)

	for _, at := range []time.Duration{0, time.Second, 2 * time.Second, 3 * time.Second} {
		_ = r.RunPending(clk.Set(at))
	}
	if *counter != 3 {
		t.Fatalf("counter = %d, want 3", *counter)
	}
	if len(cancelled) != 1 || !cancelled[0] {
		t.Fatalf("self-cancel result = %v", cancelled)
	}
	_ = r.RunPending(clk.Set(4 * time.Second))
	if *counter != 3 {
		t.Fatalf("fired after self-cancel, counter = %d", *counter)
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0", r.Len())
	}
}

func TestOrderByDueThenRegistration(t *testing.T) {
	r, clk := newTestRegistry()
	var order []string
	rec := func(name string) Callback {
		return func(Fire) error { order = append(order, name); return nil }
	}
	r.ScheduleOnce(2*time.Second, rec("late"), nil)
	r.ScheduleOnce(time.Second, rec("a"), nil)
	r.ScheduleRepeating(time.Second, rec("b"), nil)
	r.ScheduleOnce(time.Second, rec("c"), nil)

	_ = r.RunPending(clk.Set(2 * time.Second))
	got := strings.Join(order, ",")
	// b rescheduled to 2s but a pass fires each timer once
	if got != "a,b,c,late" {
		t.Fatalf("order = %s, want a,b,c,late", got)
	}
}

func TestCallbacksScheduledDuringPassWaitForNextPass(t *testing.T) {
	r, clk := newTestRegistry()
	var order []string
	r.ScheduleOnce(0, func(f Fire) error {
		order = append(order, "outer")
		f.Registry().ScheduleOnce(0, func(Fire) error {
			order = append(order, "inner")
			return nil
		}, nil)
		return nil
	}, nil)

	_ = r.RunPending(clk.Set(0))
	if strings.Join(order, ",") != "outer" {
		t.Fatalf("after first pass order = %v", order)
	}
	_ = r.RunPending(clk.Set(0))
	if strings.Join(order, ",") != "outer,inner" {
		t.Fatalf("after second pass order = %v", order)
	}
}

func TestCancelOtherDuringPass(t *testing.T) {
	r, clk := newTestRegistry()
	var victim ID
	fired := map[string]int{}
	r.ScheduleOnce(time.Second, func(f Fire) error {
		fired["killer"]++
		if !f.Registry().Cancel(victim) {
			t.Errorf("cancel of a due-but-unfired timer should succeed")
		}
		return nil
	}, nil)
	victim = r.ScheduleRepeating(time.Second, func(Fire) error { fired["victim"]++; return nil }, nil)

	_ = r.RunPending(clk.Set(time.Second))
	_ = r.RunPending(clk.Set(time.Minute))
	if fired["killer"] != 1 || fired["victim"] != 0 {
		t.Fatalf("fired = %v", fired)
	}
}

func TestCallbackErrorsAreIsolated(t *testing.T) {
	r, clk := newTestRegistry()
	boom := errors.New("boom")
	ran := 0
	bad := r.ScheduleRepeatingNamed("bad", time.Second, func(Fire) error { return boom }, nil)
	r.ScheduleOnceNamed("panicky", time.Second, func(Fire) error { panic("kaput") }, nil)
	r.ScheduleOnce(time.Second, func(Fire) error { ran++; return nil }, nil)

	err := r.RunPending(clk.Set(time.Second))
	if err == nil {
		t.Fatalf("expected joined callback errors")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("errors.Is(err, boom) = false: %v", err)
	}
	if ran != 1 {
		t.Fatalf("healthy timer ran %d times, want 1", ran)
	}

	ces := CallbackErrors(err)
	if len(ces) != 2 {
		t.Fatalf("CallbackErrors = %d, want 2", len(ces))
	}
	if ces[0].ID != bad || ces[0].Name != "bad" || ces[0].Panic != nil {
		t.Fatalf("first error = %+v", ces[0])
	}
	if ces[1].Panic != "kaput" || ces[1].Stack == "" {
		t.Fatalf("panic error = %+v", ces[1])
	}
	if !strings.Contains(ces[1].Error(), "panicky") {
		t.Fatalf("error text should carry the name: %q", ces[1].Error())
	}

	// failing repeating timer is still rescheduled
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	if err := r.RunPending(clk.Set(2 * time.Second)); !errors.Is(err, boom) {
		t.Fatalf("second pass err = %v", err)
	}
}

func TestRunPendingRejectsReentry(t *testing.T) {
	r, clk := newTestRegistry()
	var inner error
	r.ScheduleOnce(0, func(f Fire) error {
		inner = f.Registry().RunPending(f.Now)
		return nil
	}, nil)
	if err := r.RunPending(clk.Set(0)); err != nil {
		t.Fatalf("outer pass err = %v", err)
	}
	if !errors.Is(inner, ErrPassInProgress) {
		t.Fatalf("inner err = %v, want ErrPassInProgress", inner)
	}
}

func TestFireCarriesCountAndArg(t *testing.T) {
	r, clk := newTestRegistry()
	type state struct{ seen []uint64 }
	st := &state{}
	r.ScheduleRepeatingNamed("tick", time.Second, func(f Fire) error {
		s := f.Arg.(*state)
		s.seen = append(s.seen, f.Count)
		if f.Name != "tick" || f.Kind != Repeating {
			t.Errorf("fire = %+v", f)
		}
		return nil
	}, st)
	for i := 1; i <= 3; i++ {
		_ = r.RunPending(clk.Set(time.Duration(i) * time.Second))
	}
	if len(st.seen) != 3 || st.seen[0] != 0 || st.seen[2] != 2 {
		t.Fatalf("counts = %v", st.seen)
	}
	if r.Fired() != 3 {
		t.Fatalf("Fired = %d, want 3", r.Fired())
	}
}

func TestSnapshotOrdering(t *testing.T) {
	r, _ := newTestRegistry()
	b := r.ScheduleOnceNamed("b", 2*time.Second, nil, nil)
	a := r.ScheduleRepeatingNamed("a", time.Second, nil, nil)
	c := r.ScheduleOnceNamed("c", 2*time.Second, nil, nil)

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot len = %d", len(snap))
	}
	if snap[0].ID != a || snap[1].ID != b || snap[2].ID != c {
		t.Fatalf("snapshot order = %+v", snap)
	}
	if snap[0].Interval != time.Second || snap[0].Kind != Repeating {
		t.Fatalf("snapshot[0] = %+v", snap[0])
	}
}

func TestScheduleSpecInterval(t *testing.T) {
	r, clk := newTestRegistry()
	fired := 0
	id, err := r.ScheduleSpec("poll", "every:00:01", func(Fire) error { fired++; return nil }, nil)
	if err != nil {
		t.Fatalf("ScheduleSpec: %v", err)
	}
	_ = r.RunPending(clk.Set(time.Minute))
	_ = r.RunPending(clk.Set(2 * time.Minute))
	if fired != 2 {
		t.Fatalf("fired = %d, want 2", fired)
	}
	if snap := r.Snapshot(); len(snap) != 1 || snap[0].ID != id || snap[0].Spec != "every:00:01" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestScheduleSpecCron(t *testing.T) {
	r, clk := newTestRegistry()
	var dues []time.Time
	_, err := r.ScheduleSpec("quarter", "*/15 * * * *", func(f Fire) error {
		dues = append(dues, f.Due)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("ScheduleSpec: %v", err)
	}
	due, ok := r.NextDue()
	if !ok || due.Sub(epoch) != 15*time.Minute {
		t.Fatalf("first due = %v", due.Sub(epoch))
	}
	_ = r.RunPending(clk.Set(15 * time.Minute))
	_ = r.RunPending(clk.Set(30 * time.Minute))
	if len(dues) != 2 || dues[1].Sub(epoch) != 30*time.Minute {
		t.Fatalf("dues = %v", dues)
	}

	if _, err := r.ScheduleSpec("bad", "nope", nil, nil); err == nil {
		t.Fatalf("expected error for invalid schedule")
	}
}

func TestEventsPublished(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	clk := newManualClock()
	r := New(Options{Clock: clk, Bus: bus})
	ok := r.ScheduleOnce(0, func(Fire) error { return nil }, nil)
	bad := r.ScheduleOnce(0, func(Fire) error { return errors.New("x") }, nil)
	gone := r.ScheduleOnce(time.Hour, nil, nil)
	r.Cancel(gone)
	_ = r.RunPending(clk.Set(0))

	var got []string
	for len(ch) > 0 {
		e := <-ch
		ev := e.Data.(Event)
		got = append(got, e.Type+":"+ev.Kind.String())
		if e.Type == EventFired && ev.ID != ok {
			t.Fatalf("fired event for %d, want %d", ev.ID, ok)
		}
		if e.Type == EventFailed && (ev.ID != bad || ev.Err == nil) {
			t.Fatalf("failed event = %+v", ev)
		}
	}
	want := []string{
		"timer.scheduled:oneshot", "timer.scheduled:oneshot", "timer.scheduled:oneshot",
		"timer.cancelled:oneshot", "timer.fired:oneshot", "timer.failed:oneshot",
	}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("events = %v\nwant     %v", got, want)
	}
}

func TestRepeatingFailureWarningsAreThrottled(t *testing.T) {
	var buf bytes.Buffer
	clk := newManualClock()
	r := New(Options{Clock: clk, Log: logx.NewJSON(&buf, "debug")})
	r.ScheduleRepeating(time.Second, func(Fire) error { return errors.New("flaky") }, nil)

	for i := 1; i <= 7; i++ {
		_ = r.RunPending(clk.Set(time.Duration(i) * time.Second))
	}

	warns, throttled := 0, 0
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		switch {
		case strings.Contains(line, `"level":"warn"`) && strings.Contains(line, "timer callback failed"):
			warns++
		case strings.Contains(line, "(throttled)"):
			throttled++
		}
	}
	// one warning per 5s window: the first at 1s, the next at 6s or 7s
	if warns != 2 || throttled != 5 {
		t.Fatalf("warns=%d throttled=%d, want 2 and 5", warns, throttled)
	}
}
