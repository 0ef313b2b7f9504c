package timer

import (
	"context"
	"sync"
	"time"

	logx "timerloop/pkg/logx"
)

const defaultMaxIdle = time.Minute

type LoopOptions struct {
	// MaxIdle caps a single sleep so wall clock jumps are picked up. Default 1m.
	MaxIdle time.Duration
	// ExitWhenIdle makes Run return once no timers remain.
	ExitWhenIdle bool
	Log          logx.Logger
}

// Loop drives a Registry from a single goroutine: it runs a pass, sleeps
// until the next due time and repeats.
type Loop struct {
	reg *Registry
	opt LoopOptions
	log logx.Logger

	calls chan call

	// mu guards exited. exited is non-nil while Run is active and is
	// closed when it returns.
	mu     sync.Mutex
	exited chan struct{}

	passes   uint64
	failures uint64
}

type call struct {
	fn   func(r *Registry)
	done chan struct{}
}

func NewLoop(reg *Registry, opt LoopOptions) *Loop {
	if opt.MaxIdle <= 0 {
		opt.MaxIdle = defaultMaxIdle
	}
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loop{
		reg:   reg,
		opt:   opt,
		log:   log,
		calls: make(chan call),
	}
}

// Registry returns the driven registry. Touch it directly only from callbacks
// or when the loop is not running; otherwise use Do.
func (l *Loop) Registry() *Registry { return l.reg }

// Do runs fn against the registry on the loop goroutine and waits for it.
// When the loop is not running, fn runs on the caller's goroutine.
//
// Do must not be called from a timer callback; callbacks already own the
// registry through Fire.Registry.
func (l *Loop) Do(ctx context.Context, fn func(r *Registry)) error {
	for {
		l.mu.Lock()
		if l.exited == nil {
			fn(l.reg)
			l.mu.Unlock()
			return nil
		}
		exited := l.exited
		l.mu.Unlock()

		c := call{fn: fn, done: make(chan struct{})}
		select {
		case l.calls <- c:
			<-c.done
			return nil
		case <-exited:
			// Run returned while we waited; retry inline.
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Run drives the registry until ctx is done, or until no timers remain
// when ExitWhenIdle is set. Callback failures are logged and never stop
// the loop.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.exited != nil {
		l.mu.Unlock()
		return ErrLoopRunning
	}
	exited := make(chan struct{})
	l.exited = exited
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.exited = nil
		close(exited)
		l.mu.Unlock()
	}()

	clock := l.reg.Clock()
	start := clock.Now()
	l.log.Debug("loop started", logx.Int("timers", l.reg.Len()), logx.Bool("exit_when_idle", l.opt.ExitWhenIdle))

	wake := time.NewTimer(l.opt.MaxIdle)
	defer wake.Stop()

	for {
		l.passes++
		if err := l.reg.RunPending(clock.Now()); err != nil {
			n := len(CallbackErrors(err))
			l.failures += uint64(n)
			l.log.Debug("pass finished with callback errors", logx.Int("failed", n))
		}

		if l.opt.ExitWhenIdle && l.reg.Len() == 0 {
			l.log.Debug("loop idle; exiting",
				logx.Uint64("passes", l.passes),
				logx.Uint64("fired", l.reg.Fired()),
				logx.Uint64("failures", l.failures),
				logx.Duration("took", clock.Now().Sub(start)),
			)
			return nil
		}

		wait := l.opt.MaxIdle
		if due, ok := l.reg.NextDue(); ok {
			if d := due.Sub(clock.Now()); d < wait {
				wait = max(d, 0)
			}
		}
		wake.Reset(wait)

		select {
		case <-ctx.Done():
			l.log.Debug("loop stopped", logx.Uint64("passes", l.passes), logx.Uint64("fired", l.reg.Fired()))
			return nil
		case c := <-l.calls:
			c.fn(l.reg)
			close(c.done)
		case <-wake.C:
		}
	}
}
