// Package schedule publishes events from cron-driven templates.
package schedule

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gyaneshwarpardhi/eventcore/internal/config"
	"github.com/gyaneshwarpardhi/eventcore/internal/event"
	"github.com/gyaneshwarpardhi/eventcore/internal/metrics"
)

// Publisher accepts scheduled events. *broker.Broker satisfies it.
type Publisher interface {
	Publish(ev *event.Event) error
}

// Entry describes one registered schedule.
type Entry struct {
	ID   string    `json:"id"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

type template struct {
	id            string
	spec          string
	typ           event.Type
	name          string
	source        string
	priority      event.Priority
	correlationID string
	data          map[string]interface{}
}

// Scheduler owns a cron runner whose jobs publish events.
type Scheduler struct {
	pub    Publisher
	logger *slog.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
	specs   map[string]string
}

// New creates a stopped scheduler. Specs use the standard five-field cron
// syntax plus descriptors such as "@every 30s".
func New(pub Publisher, logger *slog.Logger, opts ...cron.Option) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{
		pub:     pub,
		logger:  logger,
		cron:    cron.New(opts...),
		entries: make(map[string]cron.EntryID),
		specs:   make(map[string]string),
	}
}

// Plan is a compiled set of schedules ready to be installed.
type Plan struct {
	jobs []job
}

type job struct {
	tmpl  template
	sched cron.Schedule
}

// Len returns the number of active schedules in the plan.
func (p *Plan) Len() int { return len(p.jobs) }

// Prepare compiles the active schedules without touching the running set.
func (s *Scheduler) Prepare(schedules []config.ScheduleConf) (*Plan, error) {
	p := &Plan{}
	for _, sc := range schedules {
		if !sc.Active() {
			continue
		}
		tmpl, err := compile(sc)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", sc.ID, err)
		}
		sched, err := cron.ParseStandard(sc.Spec)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: spec %q: %w", sc.ID, sc.Spec, err)
		}
		p.jobs = append(p.jobs, job{tmpl, sched})
	}
	return p, nil
}

// Install replaces every registered schedule with the plan's. It cannot fail.
func (s *Scheduler) Install(p *Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, eid := range s.entries {
		s.cron.Remove(eid)
		delete(s.entries, id)
		delete(s.specs, id)
	}
	for _, j := range p.jobs {
		tmpl := j.tmpl
		s.entries[tmpl.id] = s.cron.Schedule(j.sched, cron.FuncJob(func() { s.fire(tmpl) }))
		s.specs[tmpl.id] = tmpl.spec
	}
	s.logger.Info("schedules applied", slog.Int("active", len(p.jobs)))
}

// Apply prepares and installs schedules. Nothing changes if any of them is
// invalid.
func (s *Scheduler) Apply(schedules []config.ScheduleConf) error {
	p, err := s.Prepare(schedules)
	if err != nil {
		return err
	}
	s.Install(p)
	return nil
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }

// Entries lists the registered schedules sorted by id.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for id, eid := range s.entries {
		e := s.cron.Entry(eid)
		out = append(out, Entry{ID: id, Spec: s.specs[id], Next: e.Next, Prev: e.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// fire publishes one event built from tmpl. A rejected event is logged and
// counted; the next tick produces a fresh one.
func (s *Scheduler) fire(tmpl template) {
	data := make(map[string]interface{}, len(tmpl.data))
	for k, v := range tmpl.data {
		data[k] = v
	}
	ev := event.New(tmpl.typ, tmpl.name, tmpl.source, data,
		event.WithPriority(tmpl.priority),
		event.WithCorrelationID(tmpl.correlationID),
	)
	if err := s.pub.Publish(ev); err != nil {
		metrics.ScheduledEvents.WithLabelValues(tmpl.id, "rejected").Inc()
		s.logger.Warn("scheduled event rejected",
			slog.String("schedule_id", tmpl.id),
			slog.String("event_name", tmpl.name),
			slog.String("error", err.Error()),
		)
		return
	}
	metrics.ScheduledEvents.WithLabelValues(tmpl.id, "published").Inc()
	s.logger.Debug("scheduled event published",
		slog.String("schedule_id", tmpl.id),
		slog.String("event_id", ev.ID),
	)
}

func compile(sc config.ScheduleConf) (template, error) {
	typ, err := event.ParseType(sc.Event.Type)
	if err != nil {
		return template{}, err
	}
	prio, err := event.ParsePriority(sc.Event.Priority)
	if err != nil {
		return template{}, err
	}
	if sc.Event.Name == "" {
		return template{}, fmt.Errorf("event name is required")
	}
	source := sc.Event.Source
	if source == "" {
		source = "schedule:" + sc.ID
	}
	return template{
		id:            sc.ID,
		spec:          sc.Spec,
		typ:           typ,
		name:          sc.Event.Name,
		source:        source,
		priority:      prio,
		correlationID: sc.Event.CorrelationID,
		data:          sc.Event.Data,
	}, nil
}
