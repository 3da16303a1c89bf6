package logsink

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gyaneshwarpardhi/eventcore/internal/event"
)

// LogSink writes each delivered event as a structured log line.
//
//	sink: {type: log, params: {level: warn, message: "security event"}}
type LogSink struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *LogSink { return &LogSink{logger: logger} }

func (s *LogSink) Type() string { return "log" }

func (s *LogSink) Validate(params map[string]interface{}) error {
	_, err := level(params)
	return err
}

func (s *LogSink) Deliver(ctx context.Context, params map[string]interface{}, ev event.Event) error {
	lvl, err := level(params)
	if err != nil {
		return err
	}
	msg, _ := params["message"].(string)
	if msg == "" {
		msg = "event received"
	}

	attrs := []slog.Attr{
		slog.String("event_id", ev.ID),
		slog.String("type", ev.Type.String()),
		slog.String("name", ev.Name),
		slog.String("source", ev.Source),
		slog.String("priority", ev.Priority.String()),
	}
	if ev.CorrelationID != "" {
		attrs = append(attrs, slog.String("correlation_id", ev.CorrelationID))
	}
	if len(ev.Data) > 0 {
		attrs = append(attrs, slog.Any("data", ev.Data))
	}
	s.logger.LogAttrs(ctx, lvl, msg, attrs...)
	return nil
}

func level(params map[string]interface{}) (slog.Level, error) {
	raw, ok := params["level"]
	if !ok {
		return slog.LevelInfo, nil
	}
	name, ok := raw.(string)
	if !ok {
		return 0, fmt.Errorf("log: level must be a string, got %T", raw)
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(name))); err != nil {
		return 0, fmt.Errorf("log: unknown level %q", name)
	}
	return lvl, nil
}
