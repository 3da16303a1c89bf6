package event

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type is the closed set of event categories.
type Type int

const (
	TypeSystem Type = iota
	TypeNetwork
	TypeBlockchain
	TypeWallet
	TypeTransaction
	TypeAsset
	TypeNFT
	TypeIPFS
	TypeDatabase
	TypeCache
	TypeConfig
	TypeSecurity
	TypeCustom
)

var typeNames = [...]string{
	TypeSystem:      "SYSTEM",
	TypeNetwork:     "NETWORK",
	TypeBlockchain:  "BLOCKCHAIN",
	TypeWallet:      "WALLET",
	TypeTransaction: "TRANSACTION",
	TypeAsset:       "ASSET",
	TypeNFT:         "NFT",
	TypeIPFS:        "IPFS",
	TypeDatabase:    "DATABASE",
	TypeCache:       "CACHE",
	TypeConfig:      "CONFIG",
	TypeSecurity:    "SECURITY",
	TypeCustom:      "CUSTOM",
}

// Types returns every known event type in declaration order.
func Types() []Type {
	out := make([]Type, len(typeNames))
	for i := range typeNames {
		out[i] = Type(i)
	}
	return out
}

func (t Type) String() string {
	if !t.Valid() {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return typeNames[t]
}

// Valid reports whether t is one of the declared types.
func (t Type) Valid() bool {
	return t >= 0 && int(t) < len(typeNames)
}

// ParseType converts a type name (case-insensitive) to a Type.
func ParseType(s string) (Type, error) {
	for i, name := range typeNames {
		if strings.EqualFold(s, name) {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("unknown event type %q", s)
}

func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown event type %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Priority is informational; it never reorders the queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = [...]string{
	PriorityLow:      "LOW",
	PriorityNormal:   "NORMAL",
	PriorityHigh:     "HIGH",
	PriorityCritical: "CRITICAL",
}

func (p Priority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("Priority(%d)", int(p))
	}
	return priorityNames[p]
}

// Valid reports whether p is one of the declared priorities.
func (p Priority) Valid() bool {
	return p >= 0 && int(p) < len(priorityNames)
}

// ParsePriority converts a priority name (case-insensitive) to a Priority.
// An empty string yields PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	for i, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("unknown event priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("unknown event priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Event is the canonical record of a domain occurrence.
// Handlers receive a copy; Data must be treated as read-only.
type Event struct {
	ID            string                 `json:"id"`
	Type          Type                   `json:"type"`
	Name          string                 `json:"name"`   // specific occurrence within Type, e.g. "peer_connected"
	Source        string                 `json:"source"` // producing component
	Priority      Priority               `json:"priority"`
	Timestamp     time.Time              `json:"timestamp"`
	Data          map[string]interface{} `json:"data,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	TraceID       string                 `json:"trace_id,omitempty"`
}

var (
	errEmptyName   = errors.New("event name is required")
	errEmptySource = errors.New("event source is required")
)

// Validate checks the invariants an event must satisfy before publishing.
func (e *Event) Validate() error {
	if e.Name == "" {
		return errEmptyName
	}
	if e.Source == "" {
		return errEmptySource
	}
	if !e.Type.Valid() {
		return fmt.Errorf("event %q: unknown type %d", e.Name, int(e.Type))
	}
	if !e.Priority.Valid() {
		return fmt.Errorf("event %q: unknown priority %d", e.Name, int(e.Priority))
	}
	return nil
}

// Option configures New.
type Option func(*Event)

func WithPriority(p Priority) Option {
	return func(e *Event) { e.Priority = p }
}

func WithCorrelationID(id string) Option {
	return func(e *Event) { e.CorrelationID = id }
}

func WithTraceID(id string) Option {
	return func(e *Event) { e.TraceID = id }
}

// WithTimestamp overrides the default time.Now() timestamp.
func WithTimestamp(t time.Time) Option {
	return func(e *Event) { e.Timestamp = t }
}

// New builds an event with a fresh ID, NORMAL priority and the current time.
func New(typ Type, name, source string, data map[string]interface{}, opts ...Option) *Event {
	e := &Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Name:      name,
		Source:    source,
		Priority:  PriorityNormal,
		Timestamp: time.Now(),
		Data:      data,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Resolve implements condition.Resolver over the event's fields.
// Paths under "data" walk nested maps.
func (e *Event) Resolve(path []string) (interface{}, bool) {
	if len(path) == 0 {
		return nil, false
	}
	if len(path) == 1 {
		switch path[0] {
		case "id":
			return e.ID, true
		case "type":
			return e.Type.String(), true
		case "name":
			return e.Name, true
		case "source":
			return e.Source, true
		case "priority":
			return e.Priority.String(), true
		case "correlation_id":
			return e.CorrelationID, true
		case "trace_id":
			return e.TraceID, true
		}
		return nil, false
	}
	if path[0] != "data" {
		return nil, false
	}
	var cur interface{} = e.Data
	for _, key := range path[1:] {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
