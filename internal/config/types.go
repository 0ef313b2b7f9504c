package config

import (
	"time"

	"timerloop/internal/timer"
	logx "timerloop/pkg/logx"
)

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Loop    LoopConfig    `json:"loop"`
	Demo    DemoConfig    `json:"demo"`
}

type LoggingConfig struct {
	Level   string     `json:"level"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoopConfig controls the driver loop.
//
// Defaults (when fields are omitted/zero):
//   - max_idle: "1m"
//   - exit_when_idle: true
//   - event_buffer: 64 (0 disables the event log)
type LoopConfig struct {
	MaxIdle      string `json:"max_idle,omitempty"`
	ExitWhenIdle *bool  `json:"exit_when_idle,omitempty"`
	EventBuffer  *int   `json:"event_buffer,omitempty"`
}

// DemoConfig shapes the setTimeout/setInterval replay.
//
// Defaults: timeout_delay "0s", interval "1s", interval_limit 3.
// Interval also accepts any schedule string understood by timer.ParseSchedule
// (e.g. "every:00:01" or "*/5 * * * * *").
type DemoConfig struct {
	TimeoutDelay  string `json:"timeout_delay,omitempty"`
	Interval      string `json:"interval,omitempty"`
	IntervalLimit int    `json:"interval_limit,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{Logging: LoggingConfig{Level: "info", Console: true}}
}

// Runtime is the validated, typed form of Config.
type Runtime struct {
	Log  logx.Config
	Loop timer.LoopOptions

	EventBuffer int

	TimeoutDelay  time.Duration
	Interval      string
	IntervalLimit int
}

// Resolve validates cfg and applies defaults.
func Resolve(cfg *Config) (Runtime, error) {
	if cfg == nil {
		cfg = Default()
	}
	var rt Runtime

	rt.Log = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	}

	maxIdle, err := ParseDurationOrDefault("loop.max_idle", cfg.Loop.MaxIdle, time.Minute)
	if err != nil {
		return Runtime{}, err
	}
	rt.Loop = timer.LoopOptions{MaxIdle: maxIdle, ExitWhenIdle: true}
	if cfg.Loop.ExitWhenIdle != nil {
		rt.Loop.ExitWhenIdle = *cfg.Loop.ExitWhenIdle
	}
	rt.EventBuffer = 64
	if cfg.Loop.EventBuffer != nil {
		if *cfg.Loop.EventBuffer < 0 {
			return Runtime{}, errorf("loop.event_buffer", "must be >= 0")
		}
		rt.EventBuffer = *cfg.Loop.EventBuffer
	}

	rt.TimeoutDelay, err = ParseDurationField("demo.timeout_delay", cfg.Demo.TimeoutDelay)
	if err != nil {
		return Runtime{}, err
	}
	rt.Interval = cfg.Demo.Interval
	if rt.Interval == "" {
		rt.Interval = "1s"
	}
	if _, err := timer.ParseSchedule(rt.Interval); err != nil {
		return Runtime{}, errorf("demo.interval", "%v", err)
	}
	rt.IntervalLimit = cfg.Demo.IntervalLimit
	if rt.IntervalLimit < 0 {
		return Runtime{}, errorf("demo.interval_limit", "must be >= 0")
	}
	if rt.IntervalLimit == 0 {
		rt.IntervalLimit = 3
	}
	return rt, nil
}
