// Package demo replays the classic setTimeout/setInterval walkthrough on a
// timer.Registry: a zero-delay one-shot and a repeating timer that cancels
// itself after a few ticks.
package demo

import (
	"fmt"
	"io"
	"time"

	"timerloop/internal/timer"
)

type Options struct {
	TimeoutDelay time.Duration
	// Interval is any schedule string accepted by timer.ParseSchedule.
	Interval      string
	IntervalLimit int
	Out           io.Writer
}

// Counter is the state shared with the interval callback through Fire.Arg.
type Counter struct {
	N int
}

type Handles struct {
	Timeout  timer.ID
	Interval timer.ID
	Counter  *Counter
}

// Schedule prints the synchronous part of the walkthrough and registers both
// timers. Nothing fires until the registry runs a pass.
func Schedule(r *timer.Registry, opt Options) (Handles, error) {
	if opt.Interval == "" {
		opt.Interval = "1s"
	}
	if opt.IntervalLimit <= 0 {
		opt.IntervalLimit = 3
	}
	out := opt.Out
	if out == nil {
		out = io.Discard
	}

	var h Handles
	fmt.Fprintln(out, "Start setTimeout")
	h.Timeout = r.ScheduleOnceNamed("timeout", opt.TimeoutDelay, func(timer.Fire) error {
		_, err := fmt.Fprintln(out, "Timeout executed")
		return err
	}, nil)
	fmt.Fprintln(out, "End setTimeout")

	fmt.Fprintln(out, "Start setInterval")
	h.Counter = &Counter{}
	limit := opt.IntervalLimit
	id, err := r.ScheduleSpec("interval", opt.Interval, func(f timer.Fire) error {
		c := f.Arg.(*Counter)
		if _, err := fmt.Fprintln(out, "Interval executed", c.N); err != nil {
			return err
		}
		c.N++
		if c.N == limit {
			f.Cancel()
			_, err := fmt.Fprintln(out, "Interval cleared")
			return err
		}
		return nil
	}, h.Counter)
	if err != nil {
		r.Cancel(h.Timeout)
		return Handles{}, fmt.Errorf("schedule interval: %w", err)
	}
	h.Interval = id
	fmt.Fprintln(out, "End setInterval")
	return h, nil
}
