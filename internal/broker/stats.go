package broker

import (
	"sync"
	"time"
)

// Stats is a point-in-time copy of the broker's counters.
// Durations are measured per handler invocation, not per event.
type Stats struct {
	TotalEvents           uint64        `json:"total_events"`
	ProcessedEvents       uint64        `json:"processed_events"`
	FailedEvents          uint64        `json:"failed_events"`
	QueuedEvents          uint64        `json:"queued_events"`
	AverageProcessingTime time.Duration `json:"average_processing_time_ns"`
	MaxProcessingTime     time.Duration `json:"max_processing_time_ns"`
	MinProcessingTime     time.Duration `json:"min_processing_time_ns"`
}

type statsTracker struct {
	mu      sync.Mutex
	enabled bool
	s       Stats
}

func (t *statsTracker) setEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

func (t *statsTracker) recordPublished() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.s.TotalEvents++
}

func (t *statsTracker) recordSuccess(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.s.ProcessedEvents++
	n := time.Duration(t.s.ProcessedEvents)
	t.s.AverageProcessingTime += (d - t.s.AverageProcessingTime) / n
	if d > t.s.MaxProcessingTime {
		t.s.MaxProcessingTime = d
	}
	if t.s.ProcessedEvents == 1 || d < t.s.MinProcessingTime {
		t.s.MinProcessingTime = d
	}
}

func (t *statsTracker) recordFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.s.FailedEvents++
}

func (t *statsTracker) snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s
}

func (t *statsTracker) reset() {
	t.mu.Lock()
	t.s = Stats{}
	t.mu.Unlock()
}
