package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/gyaneshwarpardhi/eventcore/internal/condition"
	"github.com/gyaneshwarpardhi/eventcore/internal/event"
)

// Validate checks required fields, unique ids, known event types and
// priorities, and that every expression compiles. All problems are
// reported together.
func Validate(cfg *Config) error {
	if cfg.Version == "" {
		return fmt.Errorf("config: version is required")
	}
	var errs []string
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if cfg.Broker.MaxQueueSize < 0 {
		add("broker.max_queue_size must be positive, got %d", cfg.Broker.MaxQueueSize)
	}
	if cfg.Broker.Workers < 0 {
		add("broker.workers must be positive, got %d", cfg.Broker.Workers)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "", "text", "json":
	default:
		add("log.format must be text or json, got %q", cfg.Log.Format)
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		add("log.level must be debug, info, warn or error, got %q", cfg.Log.Level)
	}

	ids := make(map[string]string) // id → location
	claim := func(id, loc string) {
		if prev, ok := ids[id]; ok {
			add("duplicate id %q (first seen at %s, again at %s)", id, prev, loc)
			return
		}
		ids[id] = loc
	}

	for i, b := range cfg.Bindings {
		if b.ID == "" {
			add("bindings[%d]: id is required", i)
			continue
		}
		loc := "binding " + b.ID
		claim(b.ID, loc)
		seenTypes := make(map[event.Type]bool)
		for _, t := range b.EventTypes {
			typ, err := event.ParseType(t)
			if err != nil {
				add("%s: %v", loc, err)
				continue
			}
			if seenTypes[typ] {
				add("%s: duplicate event type %q", loc, t)
			}
			seenTypes[typ] = true
		}
		for _, n := range b.EventNames {
			if n == "" {
				add("%s: event_names must not contain empty names", loc)
			}
		}
		for _, d := range duplicates(b.EventNames) {
			add("%s: duplicate event name %q", loc, d)
		}
		for _, d := range duplicates(b.Sources) {
			add("%s: duplicate source %q", loc, d)
		}
		if b.Expression != "" {
			if _, err := condition.Compile(b.Expression); err != nil {
				add("%s: %v", loc, err)
			}
		}
		if b.TimeoutMs < 0 {
			add("%s: timeout_ms must not be negative", loc)
		}
		if b.Sink.Type == "" {
			add("%s: sink.type is required", loc)
		}
	}

	for i, s := range cfg.Schedules {
		if s.ID == "" {
			add("schedules[%d]: id is required", i)
			continue
		}
		loc := "schedule " + s.ID
		claim(s.ID, loc)
		if s.Spec == "" {
			add("%s: spec is required", loc)
		} else if _, err := cron.ParseStandard(s.Spec); err != nil {
			add("%s: spec %q: %v", loc, s.Spec, err)
		}
		if _, err := event.ParseType(s.Event.Type); err != nil {
			add("%s: %v", loc, err)
		}
		if s.Event.Name == "" {
			add("%s: event.name is required", loc)
		}
		if _, err := event.ParsePriority(s.Event.Priority); err != nil {
			add("%s: %v", loc, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func duplicates(values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		if seen[v] {
			out = append(out, v)
		}
		seen[v] = true
	}
	return out
}
