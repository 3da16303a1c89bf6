package config

import "time"

// Config is the top-level YAML structure.
type Config struct {
	Version   string         `yaml:"version"`
	Broker    BrokerConf     `yaml:"broker"`
	Log       LogConf        `yaml:"log"`
	Bindings  []BindingConf  `yaml:"bindings"`
	Schedules []ScheduleConf `yaml:"schedules"`
}

// BrokerConf sizes the broker. Changes take effect on restart only.
type BrokerConf struct {
	MaxQueueSize  int    `yaml:"max_queue_size"`
	Workers       int    `yaml:"workers"`
	StatsEnabled  *bool  `yaml:"stats_enabled"`
	DefaultSource string `yaml:"default_source"`
}

// StatsOn reports whether stats collection is enabled (default true).
func (b BrokerConf) StatsOn() bool {
	return b.StatsEnabled == nil || *b.StatsEnabled
}

type LogConf struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// BindingConf declares a subscription that routes matching events to a sink.
// Selectors are combined with AND; an empty selector matches everything.
type BindingConf struct {
	ID          string   `yaml:"id"`
	Description string   `yaml:"description"`
	Enabled     bool     `yaml:"enabled"`
	EventTypes  []string `yaml:"event_types"`
	EventNames  []string `yaml:"event_names"`
	Sources     []string `yaml:"sources"`
	Expression  string   `yaml:"expression"`
	Async       bool     `yaml:"async"`
	TimeoutMs   int      `yaml:"timeout_ms"`
	Sink        SinkConf `yaml:"sink"`
}

func (b BindingConf) Timeout() time.Duration {
	return time.Duration(b.TimeoutMs) * time.Millisecond
}

type SinkConf struct {
	Type   string                 `yaml:"type"`
	Params map[string]interface{} `yaml:"params"`
}

// ScheduleConf publishes Event on every tick of the cron Spec.
type ScheduleConf struct {
	ID      string        `yaml:"id"`
	Spec    string        `yaml:"spec"`
	Enabled *bool         `yaml:"enabled"`
	Event   EventTemplate `yaml:"event"`
}

// Active reports whether the schedule is enabled (default true).
func (s ScheduleConf) Active() bool {
	return s.Enabled == nil || *s.Enabled
}

type EventTemplate struct {
	Type          string                 `yaml:"type"`
	Name          string                 `yaml:"name"`
	Priority      string                 `yaml:"priority"`
	Source        string                 `yaml:"source"`
	CorrelationID string                 `yaml:"correlation_id"`
	Data          map[string]interface{} `yaml:"data"`
}
