package config

import (
	logx "timerloop/pkg/logx"
)

// SummarizeChange lists the config sections that differ and log fields
// describing the new values.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 3)
	fields := make([]logx.Field, 0, 8)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Loop.MaxIdle != newCfg.Loop.MaxIdle ||
		!eqPtr(oldCfg.Loop.ExitWhenIdle, newCfg.Loop.ExitWhenIdle) ||
		!eqPtr(oldCfg.Loop.EventBuffer, newCfg.Loop.EventBuffer) {
		changed = append(changed, "loop")
		fields = append(fields, logx.String("loop.max_idle", newCfg.Loop.MaxIdle))
	}

	if oldCfg.Demo != newCfg.Demo {
		changed = append(changed, "demo")
		fields = append(fields,
			logx.String("demo.interval", newCfg.Demo.Interval),
			logx.Int("demo.interval_limit", newCfg.Demo.IntervalLimit),
		)
	}
	return changed, fields
}

func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
