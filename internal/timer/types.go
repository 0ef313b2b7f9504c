package timer

import (
	"time"

	"timerloop/internal/eventbus"
	logx "timerloop/pkg/logx"
)

// ID identifies a registered timer. Zero is never assigned.
type ID uint64

type Kind int

const (
	OneShot Kind = iota
	Repeating
)

func (k Kind) String() string {
	switch k {
	case OneShot:
		return "oneshot"
	case Repeating:
		return "repeating"
	default:
		return "unknown"
	}
}

// Callback is invoked once per firing. A returned error is reported by
// RunPending and does not stop other timers from firing.
type Callback func(f Fire) error

// Fire is what a callback receives: the entry it belongs to, the pass it
// runs in, and the caller-supplied argument.
type Fire struct {
	ID   ID
	Name string
	Kind Kind
	// Due is the nominal time this firing was scheduled for.
	Due time.Time
	// Now is the time passed to RunPending.
	Now time.Time
	// Arg is the value given at registration time.
	Arg any
	// Count is how many times this entry fired before this call.
	Count uint64

	reg *Registry
}

// Cancel cancels the entry that is firing. For repeating entries this stops
// further firings; the current one still completes.
func (f Fire) Cancel() bool {
	if f.reg == nil {
		return false
	}
	return f.reg.Cancel(f.ID)
}

// Registry returns the registry running the callback so it can schedule or
// cancel other timers.
func (f Fire) Registry() *Registry { return f.reg }

// Info is a read-only view of an active entry.
type Info struct {
	ID       ID
	Name     string
	Kind     Kind
	Due      time.Time
	Interval time.Duration
	Spec     string
	Fires    uint64
}

// Clock supplies the current time when entries are scheduled.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Options configures a Registry. All fields are optional.
type Options struct {
	Clock Clock
	Log   logx.Logger
	// Bus receives lifecycle events (see Event* constants). Nil disables publishing.
	Bus eventbus.Bus
}

// Event types published on the bus.
const (
	EventScheduled = "timer.scheduled"
	EventFired     = "timer.fired"
	EventFailed    = "timer.failed"
	EventCancelled = "timer.cancelled"
)

// Event is the payload of every timer bus event.
type Event struct {
	ID   ID
	Name string
	Kind Kind
	Due  time.Time
	Err  error
}

type entry struct {
	id       ID
	name     string
	kind     Kind
	due      time.Time
	interval time.Duration
	spec     string
	next     func(time.Time) time.Time // cron step; nil means due+interval
	cb       Callback
	arg      any
	active   bool
	seq      uint64
	fires    uint64

	index int // heap position; -1 when not queued
}

func (e *entry) advance() {
	if e.next != nil {
		e.due = e.next(e.due)
		return
	}
	e.due = e.due.Add(e.interval)
}

func (e *entry) info() Info {
	return Info{
		ID:       e.id,
		Name:     e.name,
		Kind:     e.kind,
		Due:      e.due,
		Interval: e.interval,
		Spec:     e.spec,
		Fires:    e.fires,
	}
}
