package timer

import (
	"container/heap"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"timerloop/internal/eventbus"
	logx "timerloop/pkg/logx"
)

// A repeating timer that keeps failing logs at most one warning per window;
// the rest go to debug.
const failureWarnEvery = 5 * time.Second

// Registry owns pending timers and fires them on RunPending.
type Registry struct {
	clock Clock
	log   logx.Logger
	bus   eventbus.Bus

	pending entryHeap
	byID    map[ID]*entry
	lastID  ID
	seq     uint64
	fired   uint64
	inPass  bool

	warnLim map[ID]*rate.Limiter
}

func New(opt Options) *Registry {
	clock := opt.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		clock:   clock,
		log:     log,
		bus:     opt.Bus,
		byID:    map[ID]*entry{},
		warnLim: map[ID]*rate.Limiter{},
	}
}

// Clock returns the clock used to compute due times.
func (r *Registry) Clock() Clock { return r.clock }

// ScheduleOnce registers a callback that fires once, no earlier than delay
// from now. A zero delay still waits for the next RunPending.
func (r *Registry) ScheduleOnce(delay time.Duration, cb Callback, arg any) ID {
	return r.ScheduleOnceNamed("", delay, cb, arg)
}

func (r *Registry) ScheduleOnceNamed(name string, delay time.Duration, cb Callback, arg any) ID {
	return r.add(&entry{name: name, kind: OneShot, interval: clampDelay(delay), cb: cb, arg: arg})
}

// ScheduleRepeating registers a callback that first fires after delay and
// then every delay after its previous nominal due time, until cancelled.
// A zero delay fires on every pass.
func (r *Registry) ScheduleRepeating(delay time.Duration, cb Callback, arg any) ID {
	return r.ScheduleRepeatingNamed("", delay, cb, arg)
}

func (r *Registry) ScheduleRepeatingNamed(name string, delay time.Duration, cb Callback, arg any) ID {
	return r.add(&entry{name: name, kind: Repeating, interval: clampDelay(delay), cb: cb, arg: arg})
}

// ScheduleSpec registers a repeating timer from a schedule string
// (see ParseSchedule). Cron specs fire at each cron tick after now.
func (r *Registry) ScheduleSpec(name, raw string, cb Callback, arg any) (ID, error) {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return 0, err
	}
	switch ps.Kind {
	case SpecInterval:
		e := &entry{name: name, kind: Repeating, interval: ps.Every, spec: raw, cb: cb, arg: arg}
		return r.add(e), nil
	case SpecCron:
		now := r.clock.Now()
		first := ps.Cron.Next(now)
		if first.IsZero() {
			return 0, fmt.Errorf("schedule %q never fires", raw)
		}
		e := &entry{name: name, kind: Repeating, spec: raw, next: ps.Cron.Next, cb: cb, arg: arg}
		e.due = first
		return r.insert(e), nil
	default:
		return 0, fmt.Errorf("unsupported schedule kind")
	}
}

func clampDelay(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

// add computes the first due time from the entry's interval and inserts it.
func (r *Registry) add(e *entry) ID {
	e.due = r.clock.Now().Add(e.interval)
	return r.insert(e)
}

func (r *Registry) insert(e *entry) ID {
	if e.cb == nil {
		e.cb = func(Fire) error { return nil }
	}
	r.lastID++
	r.seq++
	e.id = r.lastID
	e.seq = r.seq
	e.active = true
	r.byID[e.id] = e
	heap.Push(&r.pending, e)

	r.log.Debug("timer scheduled",
		logx.Uint64("id", uint64(e.id)),
		logx.String("name", e.name),
		logx.String("kind", e.kind.String()),
		logx.Time("due", e.due),
		logx.Duration("interval", e.interval),
	)
	r.publish(EventScheduled, e, nil)
	return e.id
}

// Cancel deactivates an active timer and reports whether it did anything.
// Unknown, fired one-shot or already cancelled ids are ignored.
// A callback that is already running is not interrupted.
func (r *Registry) Cancel(id ID) bool {
	e, ok := r.byID[id]
	if !ok || !e.active {
		return false
	}
	e.active = false
	delete(r.byID, id)
	delete(r.warnLim, id)
	if e.index >= 0 {
		heap.Remove(&r.pending, e.index)
	}
	r.log.Debug("timer cancelled", logx.Uint64("id", uint64(id)), logx.String("name", e.name))
	r.publish(EventCancelled, e, nil)
	return true
}

// CancelStrict is Cancel that returns ErrUnknownTimer instead of false.
func (r *Registry) CancelStrict(id ID) error {
	if !r.Cancel(id) {
		return fmt.Errorf("cancel %d: %w", id, ErrUnknownTimer)
	}
	return nil
}

// RunPending fires every active timer with a due time at or before now,
// once each, ordered by due time and then registration order.
//
// Only timers queued when the pass starts are considered: anything scheduled
// by a callback waits for a later pass, and a repeating timer fires at most
// once per pass even if it is several intervals behind.
//
// Callback failures (errors and panics) are collected as *CallbackError and
// returned joined; they never stop the rest of the pass.
func (r *Registry) RunPending(now time.Time) error {
	if r.inPass {
		return ErrPassInProgress
	}
	r.inPass = true
	defer func() { r.inPass = false }()

	var batch []*entry
	for {
		top := r.pending.top()
		if top == nil || top.due.After(now) {
			break
		}
		batch = append(batch, heap.Pop(&r.pending).(*entry))
	}

	var errs []error
	for _, e := range batch {
		// cancelled by an earlier callback in this pass
		if !e.active {
			continue
		}
		if e.kind == OneShot {
			e.active = false
			delete(r.byID, e.id)
		}

		err := r.invoke(e, now)
		e.fires++
		r.fired++
		if err != nil {
			errs = append(errs, err)
			r.reportFailure(e, now, err)
		} else {
			r.publish(EventFired, e, nil)
		}

		if e.kind == OneShot || !e.active {
			delete(r.warnLim, e.id)
			continue
		}
		e.advance()
		if e.due.IsZero() {
			// cron schedule with no further ticks
			e.active = false
			delete(r.byID, e.id)
			delete(r.warnLim, e.id)
			continue
		}
		heap.Push(&r.pending, e)
	}
	return errors.Join(errs...)
}

func (r *Registry) invoke(e *entry, now time.Time) (err error) {
	f := Fire{
		ID:    e.id,
		Name:  e.name,
		Kind:  e.kind,
		Due:   e.due,
		Now:   now,
		Arg:   e.arg,
		Count: e.fires,
		reg:   r,
	}
	defer func() {
		if p := recover(); p != nil {
			err = &CallbackError{
				ID:    e.id,
				Name:  e.name,
				Kind:  e.kind,
				Err:   fmt.Errorf("panic: %v", p),
				Panic: p,
				Stack: string(debug.Stack()),
			}
		}
	}()
	if cbErr := e.cb(f); cbErr != nil {
		return &CallbackError{ID: e.id, Name: e.name, Kind: e.kind, Err: cbErr}
	}
	return nil
}

func (r *Registry) reportFailure(e *entry, now time.Time, err error) {
	r.publish(EventFailed, e, err)

	var stack string
	var ce *CallbackError
	if errors.As(err, &ce) {
		stack = ce.Stack
	}
	fields := []logx.Field{
		logx.Uint64("id", uint64(e.id)),
		logx.String("name", e.name),
		logx.String("kind", e.kind.String()),
		logx.Err(err),
		logx.Stack(stack),
	}

	if e.kind == OneShot {
		r.log.Warn("timer callback failed", fields...)
		return
	}
	lim, ok := r.warnLim[e.id]
	if !ok {
		lim = rate.NewLimiter(rate.Every(failureWarnEvery), 1)
		r.warnLim[e.id] = lim
	}
	if lim.AllowN(now, 1) {
		r.log.Warn("timer callback failed", fields...)
		return
	}
	r.log.Debug("timer callback failed (throttled)", fields...)
}

func (r *Registry) publish(typ string, e *entry, err error) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{
		Type: typ,
		Data: Event{ID: e.id, Name: e.name, Kind: e.kind, Due: e.due, Err: err},
	})
}

// NextDue returns the earliest due time among queued timers.
func (r *Registry) NextDue() (time.Time, bool) {
	top := r.pending.top()
	if top == nil {
		return time.Time{}, false
	}
	return top.due, true
}

// Len returns the number of active timers.
func (r *Registry) Len() int { return len(r.byID) }

// Fired returns how many callbacks have been invoked so far.
func (r *Registry) Fired() uint64 { return r.fired }

// Snapshot lists active timers in firing order.
func (r *Registry) Snapshot() []Info {
	out := make([]Info, 0, len(r.byID))
	seqs := make(map[ID]uint64, len(r.byID))
	for id, e := range r.byID {
		out = append(out, e.info())
		seqs[id] = e.seq
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Due.Equal(out[j].Due) {
			return seqs[out[i].ID] < seqs[out[j].ID]
		}
		return out[i].Due.Before(out[j].Due)
	})
	return out
}
