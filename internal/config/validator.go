package config

import (
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

var auditDrivers = map[string]bool{"memory": true, "sqlite3": true, "postgres": true}

// Validate checks the config for:
//   - Required fields and value ranges of each section
//   - Field types declared in schema
//   - Duplicate rule ids
//   - Every rule against the resulting record schema
//
// All problems are reported together.
func Validate(cfg *Config) error {
	var errs []string
	addf := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if cfg.Version == "" {
		addf("version: is required")
	}
	if cfg.Engine.Workers < 0 {
		addf("engine.workers: must not be negative")
	}
	if cfg.Engine.QueueDepth < 0 {
		addf("engine.queue_depth: must not be negative")
	}
	if cfg.Engine.SubmitTimeoutMs < 0 {
		addf("engine.submit_timeout_ms: must not be negative")
	}
	if cfg.Dispatcher.BackoffBaseMs < 0 || cfg.Dispatcher.BackoffMaxMs < 0 || cfg.Dispatcher.DefaultTimeoutMs < 0 {
		addf("dispatcher: durations must not be negative")
	} else if cfg.Dispatcher.BackoffBaseMs > cfg.Dispatcher.BackoffMaxMs {
		addf("dispatcher.backoff_base_ms: %d exceeds backoff_max_ms %d", cfg.Dispatcher.BackoffBaseMs, cfg.Dispatcher.BackoffMaxMs)
	}
	if cfg.Scheduler.Enabled {
		if d, err := time.ParseDuration(cfg.Scheduler.RescanInterval); err != nil {
			addf("scheduler.rescan_interval: %v", err)
		} else if d <= 0 {
			addf("scheduler.rescan_interval: must be positive")
		}
	}
	if !auditDrivers[cfg.Audit.Driver] {
		addf("audit.driver: unknown driver %q (must be one of: memory, sqlite3, postgres)", cfg.Audit.Driver)
	} else if cfg.Audit.Driver != "memory" && cfg.Audit.DSN == "" {
		addf("audit.dsn: is required for driver %s", cfg.Audit.Driver)
	}
	for _, name := range slices.Sorted(maps.Keys(cfg.Notifier.Channels)) {
		ch := cfg.Notifier.Channels[name]
		u, err := url.Parse(ch.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			addf("notifier.channels.%s.url: invalid url %q", name, ch.URL)
		}
	}

	schema, err := cfg.RecordSchema()
	if err != nil {
		addf("%v", err)
	}

	ids := make(map[string]int) // id → first index
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		loc := fmt.Sprintf("rules[%d]", i)
		switch {
		case r.ID == "":
			addf("%s.id: is required", loc)
		default:
			if first, ok := ids[r.ID]; ok {
				addf("%s.id: duplicate id %q (first seen at rules[%d])", loc, r.ID, first)
			} else {
				ids[r.ID] = i
			}
		}
		if schema == nil {
			continue
		}
		if _, err := rule.Validate(r, schema); err != nil {
			for _, p := range rule.ProblemsOf(err) {
				addf("%s.%s: %s", loc, p.Path, p.Message)
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
