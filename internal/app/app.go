package app

import (
	"context"
	"io"
	"time"

	"timerloop/internal/config"
	"timerloop/internal/demo"
	"timerloop/internal/eventbus"
	"timerloop/internal/runtime/supervisor"
	"timerloop/internal/timer"
	logx "timerloop/pkg/logx"
)

const stopTimeout = 5 * time.Second

type App struct {
	cfgm *config.Manager
	rt   config.Runtime

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	reg  *timer.Registry
	loop *timer.Loop

	out io.Writer
}

// NewApp loads the config at cfgPath (missing file means defaults) and wires
// logging, the event bus and the timer loop. Demo output goes to out.
func NewApp(cfgPath string, out io.Writer) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	rt, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(rt.Log)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()
	reg := timer.New(timer.Options{
		Clock: timer.SystemClock{},
		Log:   log.With(logx.String("comp", "timer")),
		Bus:   bus,
	})
	loopOpt := rt.Loop
	loopOpt.Log = log.With(logx.String("comp", "loop"))

	if out == nil {
		out = logx.Stdout()
	}
	return &App{
		cfgm: cfgm,
		rt:   rt,
		log:  log.With(logx.String("comp", "app")),
		logs: logSvc,
		bus:  bus,
		reg:  reg,
		loop: timer.NewLoop(reg, loopOpt),
		out:  out,
	}, nil
}

func (a *App) Registry() *timer.Registry { return a.reg }
func (a *App) Loop() *timer.Loop         { return a.loop }

// Run schedules the demo timers and drives the loop until it goes idle
// (exit_when_idle) or ctx is done. With watch set, config edits are applied
// to logging while running.
func (a *App) Run(ctx context.Context, watch bool) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(a.logs.Logger().With(logx.String("comp", "supervisor"))))
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := sup.Stop(stopCtx); err != nil {
			a.log.Warn("background goroutines did not stop cleanly", logx.Err(err))
		}
	}()

	if a.rt.EventBuffer > 0 {
		ch, unsub := a.bus.Subscribe(a.rt.EventBuffer)
		sup.Go0("events", func(ctx context.Context) {
			defer unsub()
			a.logEvents(ctx, ch)
		})
	}
	if watch {
		updates := a.cfgm.Subscribe(1)
		sup.Go("config-watch", a.cfgm.Watch)
		sup.Go0("config-apply", func(ctx context.Context) {
			defer a.cfgm.Unsubscribe(updates)
			a.applyUpdates(ctx, updates)
		})
	}

	h, err := demo.Schedule(a.reg, demo.Options{
		TimeoutDelay:  a.rt.TimeoutDelay,
		Interval:      a.rt.Interval,
		IntervalLimit: a.rt.IntervalLimit,
		Out:           a.out,
	})
	if err != nil {
		return err
	}
	a.log.Debug("demo scheduled",
		logx.Uint64("timeout_id", uint64(h.Timeout)),
		logx.Uint64("interval_id", uint64(h.Interval)),
		logx.String("interval", a.rt.Interval),
	)

	err = a.loop.Run(sup.Context())
	a.log.Info("done", logx.Uint64("fired", a.reg.Fired()), logx.Int("pending", a.reg.Len()))
	return err
}

func (a *App) logEvents(ctx context.Context, ch <-chan eventbus.Event) {
	log := a.logs.Logger().With(logx.String("comp", "events"))
	handle := func(e eventbus.Event) {
		ev, ok := e.Data.(timer.Event)
		if !ok {
			return
		}
		log.Debug(e.Type,
			logx.Uint64("id", uint64(ev.ID)),
			logx.String("name", ev.Name),
			logx.String("kind", ev.Kind.String()),
			logx.Time("due", ev.Due),
			logx.Err(ev.Err),
		)
	}
	for {
		select {
		case e := <-ch:
			handle(e)
		case <-ctx.Done():
			// flush what was published before the loop stopped
			for {
				select {
				case e := <-ch:
					handle(e)
				default:
					return
				}
			}
		}
	}
}

func (a *App) applyUpdates(ctx context.Context, updates <-chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			rt, err := config.Resolve(cfg)
			if err != nil {
				a.log.Warn("config rejected", logx.Err(err))
				continue
			}
			a.logs.Apply(rt.Log)
			if rt.Loop.MaxIdle != a.rt.Loop.MaxIdle || rt.Loop.ExitWhenIdle != a.rt.Loop.ExitWhenIdle ||
				rt.EventBuffer != a.rt.EventBuffer || rt.Interval != a.rt.Interval ||
				rt.TimeoutDelay != a.rt.TimeoutDelay || rt.IntervalLimit != a.rt.IntervalLimit {
				a.log.Info("loop and demo settings take effect on next start")
			}
		}
	}
}

// Close releases log sinks.
func (a *App) Close() error {
	return a.logs.Close()
}
