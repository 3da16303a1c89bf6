package event

import (
	"fmt"
	"strings"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// CloudEvents extension attributes understood by FromCloudEvent.
const (
	ExtPriority      = "priority"
	ExtCorrelationID = "correlationid"
	ExtTraceID       = "traceid"
)

// FromCloudEvent maps a CloudEvent onto an Event.
//
// The CloudEvent type is read as "<category>.<name>" (e.g. "network.peer_connected").
// A type without a known category prefix becomes a CUSTOM event named after
// the full CloudEvent type. JSON object data is decoded into Data.
func FromCloudEvent(ce cloudevents.Event) (*Event, error) {
	typ, name := TypeCustom, ce.Type()
	if prefix, rest, ok := strings.Cut(ce.Type(), "."); ok && rest != "" {
		if t, err := ParseType(prefix); err == nil {
			typ, name = t, rest
		}
	}

	ev := &Event{
		ID:        ce.ID(),
		Type:      typ,
		Name:      name,
		Source:    ce.Source(),
		Priority:  PriorityNormal,
		Timestamp: ce.Time(),
	}

	exts := ce.Extensions()
	if v, ok := exts[ExtPriority]; ok {
		p, err := ParsePriority(fmt.Sprint(v))
		if err != nil {
			return nil, fmt.Errorf("cloudevent %s: %w", ce.ID(), err)
		}
		ev.Priority = p
	}
	if v, ok := exts[ExtCorrelationID]; ok {
		ev.CorrelationID = fmt.Sprint(v)
	}
	if v, ok := exts[ExtTraceID]; ok {
		ev.TraceID = fmt.Sprint(v)
	}

	if len(ce.Data()) > 0 {
		var data map[string]interface{}
		if err := ce.DataAs(&data); err != nil {
			return nil, fmt.Errorf("cloudevent %s: decode data: %w", ce.ID(), err)
		}
		ev.Data = data
	}
	return ev, nil
}
