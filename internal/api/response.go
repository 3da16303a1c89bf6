package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gyaneshwarpardhi/eventcore/internal/broker"
	"github.com/gyaneshwarpardhi/eventcore/internal/event"
)

// eventRequest is the wire form of a published event. Type and priority are
// names; an omitted priority means NORMAL and an omitted source the server's
// default source.
type eventRequest struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Name          string                 `json:"name"`
	Source        string                 `json:"source"`
	Priority      string                 `json:"priority"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id"`
	TraceID       string                 `json:"trace_id"`
	Data          map[string]interface{} `json:"data"`
}

func (req eventRequest) toEvent(defaultSource string) (*event.Event, error) {
	if req.Type == "" {
		return nil, fmt.Errorf("event type is required")
	}
	typ, err := event.ParseType(req.Type)
	if err != nil {
		return nil, err
	}
	prio, err := event.ParsePriority(req.Priority)
	if err != nil {
		return nil, err
	}
	source := req.Source
	if source == "" {
		source = defaultSource
	}
	ev := event.New(typ, req.Name, source, req.Data,
		event.WithPriority(prio),
		event.WithCorrelationID(req.CorrelationID),
		event.WithTraceID(req.TraceID),
	)
	if req.ID != "" {
		ev.ID = req.ID
	}
	if !req.Timestamp.IsZero() {
		ev.Timestamp = req.Timestamp
	}
	return ev, nil
}

type publishResponse struct {
	ID     string `json:"id"`
	Queued bool   `json:"queued"`
}

type batchError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type batchResponse struct {
	JobID    string       `json:"job_id"`
	Total    int          `json:"total"`
	Queued   int          `json:"queued"`
	Rejected int          `json:"rejected"`
	IDs      []string     `json:"ids,omitempty"`
	Errors   []batchError `json:"errors,omitempty"`
}

type statsResponse struct {
	broker.Stats
	Running       bool    `json:"running"`
	QueueCapacity int     `json:"queue_capacity"`
	Utilization   float64 `json:"queue_utilization"`
	Subscriptions int     `json:"subscriptions"`
	LastError     string  `json:"last_error,omitempty"`
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the standard error envelope.
type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
