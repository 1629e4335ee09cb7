package config

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/gyaneshwarpardhi/ruleflow/internal/action"
	"github.com/gyaneshwarpardhi/ruleflow/internal/record"
	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

// Config is the top-level YAML structure.
type Config struct {
	Version    string         `yaml:"version"`
	Engine     EngineConf     `yaml:"engine"`
	Dispatcher DispatcherConf `yaml:"dispatcher"`
	Scheduler  SchedulerConf  `yaml:"scheduler"`
	Audit      AuditConf      `yaml:"audit"`
	Notifier   NotifierConf   `yaml:"notifier"`
	// Schema declares record fields beyond the default testimonial fields,
	// as name → type (string, number, boolean, timestamp).
	Schema map[string]string `yaml:"schema"`
	Rules  []rule.Rule       `yaml:"rules"`
}

// EngineConf holds tunable concurrency settings.
type EngineConf struct {
	Workers          int  `yaml:"workers"`
	QueueDepth       int  `yaml:"queue_depth"`
	SubmitTimeoutMs  int  `yaml:"submit_timeout_ms"`
	ParallelMatching bool `yaml:"parallel_matching"`
}

// DispatcherConf is the action retry policy.
type DispatcherConf struct {
	BackoffBaseMs    int `yaml:"backoff_base_ms"`
	BackoffMaxMs     int `yaml:"backoff_max_ms"`
	DefaultTimeoutMs int `yaml:"default_timeout_ms"`
}

// SchedulerConf controls periodic re-scans of time-windowed rules.
type SchedulerConf struct {
	Enabled        bool   `yaml:"enabled"`
	RescanInterval string `yaml:"rescan_interval"`
}

// Interval parses RescanInterval. Disabled or empty yields zero.
func (s SchedulerConf) Interval() time.Duration {
	if !s.Enabled {
		return 0
	}
	d, _ := time.ParseDuration(s.RescanInterval)
	return d
}

// AuditConf selects the execution log backend.
type AuditConf struct {
	Driver string `yaml:"driver"` // memory | sqlite3 | postgres
	DSN    string `yaml:"dsn"`
}

// NotifierConf configures notification channels.
type NotifierConf struct {
	WebhookTimeoutMs int `yaml:"webhook_timeout_ms"`
	// Channels maps a notify action channel to a webhook URL. Channels not
	// listed are written to the log.
	Channels map[string]ChannelConf `yaml:"channels"`
}

// ChannelConf is one webhook-backed notification channel.
type ChannelConf struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// SubmitTimeout is EngineConf.SubmitTimeoutMs as a duration.
func (e EngineConf) SubmitTimeout() time.Duration { return ms(e.SubmitTimeoutMs) }

// WebhookTimeout is NotifierConf.WebhookTimeoutMs as a duration.
func (n NotifierConf) WebhookTimeout() time.Duration { return ms(n.WebhookTimeoutMs) }

// Policy converts the retry settings for the action dispatcher.
func (d DispatcherConf) Policy() action.Policy {
	return action.Policy{
		BaseDelay:      ms(d.BackoffBaseMs),
		MaxDelay:       ms(d.BackoffMaxMs),
		DefaultTimeout: ms(d.DefaultTimeoutMs),
	}
}

// RecordSchema is the default testimonial schema extended by cfg.Schema.
func (c *Config) RecordSchema() (*record.Schema, error) {
	if len(c.Schema) == 0 {
		return record.DefaultSchema(), nil
	}
	extra := make(map[string]record.FieldType, len(c.Schema))
	for _, name := range slices.Sorted(maps.Keys(c.Schema)) {
		t, err := record.ParseFieldType(c.Schema[name])
		if err != nil {
			return nil, fmt.Errorf("schema.%s: %w", name, err)
		}
		extra[name] = t
	}
	return record.DefaultSchema().With(extra), nil
}
