package forward

import (
	"context"
	"errors"
	"fmt"

	"github.com/gyaneshwarpardhi/eventcore/internal/event"
	"github.com/gyaneshwarpardhi/eventcore/internal/sink"
)

// Keys the sink adds to the data of every derived event.
const (
	OriginKey      = "origin_event_id"
	ForwardedByKey = "forwarded_by"
	HopsKey        = "forward_hops"
)

// DefaultMaxHops bounds a chain of forwards when params carry no max_hops.
const DefaultMaxHops = 4

// ErrHopLimit is returned for an event that has already been forwarded
// max_hops times.
var ErrHopLimit = errors.New("forward: hop limit reached")

// Publisher accepts derived events. *broker.Broker satisfies it.
type Publisher interface {
	Publish(ev *event.Event) error
}

// ForwardSink republishes a derived event for each delivered one.
// The derived event keeps the original's correlation id, or takes the
// original's ID when it has none, so a chain of forwards stays linked.
// Each derived event records the forwarding binding and its hop count;
// an event already forwarded max_hops times is refused.
//
//	sink:
//	  type: forward
//	  params: {type: SECURITY, name: auth.alert, priority: HIGH, max_hops: 2}
type ForwardSink struct {
	pub Publisher
}

func New(pub Publisher) *ForwardSink { return &ForwardSink{pub: pub} }

func (s *ForwardSink) Type() string { return "forward" }

func (s *ForwardSink) Validate(params map[string]interface{}) error {
	_, err := template(params)
	return err
}

func (s *ForwardSink) Deliver(ctx context.Context, params map[string]interface{}, ev event.Event) error {
	t, err := template(params)
	if err != nil {
		return err
	}
	hops := hopCount(ev.Data[HopsKey])
	if hops >= t.maxHops {
		return fmt.Errorf("%w: %s/%s after %d hops", ErrHopLimit, ev.Type, ev.Name, hops)
	}

	source := t.source
	if source == "" {
		source = ev.Source
	}
	priority := ev.Priority
	if t.priority != nil {
		priority = *t.priority
	}
	correlation := ev.CorrelationID
	if correlation == "" {
		correlation = ev.ID
	}

	data := make(map[string]interface{}, len(ev.Data)+3)
	for k, v := range ev.Data {
		data[k] = v
	}
	data[OriginKey] = ev.ID
	data[HopsKey] = hops + 1
	delete(data, ForwardedByKey)
	if by := sink.BindingFrom(ctx); by != "" {
		data[ForwardedByKey] = by
	}

	derived := event.New(t.typ, t.name, source, data,
		event.WithPriority(priority),
		event.WithCorrelationID(correlation),
		event.WithTraceID(ev.TraceID),
	)
	if err := s.pub.Publish(derived); err != nil {
		return fmt.Errorf("forward %s: %w", t.name, err)
	}
	return nil
}

type target struct {
	typ      event.Type
	name     string
	source   string
	priority *event.Priority
	maxHops  int
}

func template(params map[string]interface{}) (target, error) {
	var t target
	typ, _ := params["type"].(string)
	if typ == "" {
		return t, errors.New("forward: type is required")
	}
	var err error
	if t.typ, err = event.ParseType(typ); err != nil {
		return t, fmt.Errorf("forward: %w", err)
	}
	if t.name, _ = params["name"].(string); t.name == "" {
		return t, errors.New("forward: name is required")
	}
	t.source, _ = params["source"].(string)
	if p, ok := params["priority"].(string); ok {
		prio, err := event.ParsePriority(p)
		if err != nil {
			return t, fmt.Errorf("forward: %w", err)
		}
		t.priority = &prio
	}
	t.maxHops = DefaultMaxHops
	if v, ok := params["max_hops"]; ok {
		if t.maxHops = hopCount(v); t.maxHops <= 0 {
			return t, fmt.Errorf("forward: max_hops must be a positive integer, got %v", v)
		}
	}
	return t, nil
}

// hopCount reads a hop counter set by this sink or decoded from JSON/YAML.
func hopCount(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
