package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/eventcore/internal/binding"
	"github.com/gyaneshwarpardhi/eventcore/internal/broker"
	"github.com/gyaneshwarpardhi/eventcore/internal/config"
	"github.com/gyaneshwarpardhi/eventcore/internal/event"
	"github.com/gyaneshwarpardhi/eventcore/internal/schedule"
)

const (
	maxBatchSize     = 100
	maxBodyBytes     = 1 << 20
	readyUtilization = 0.8
)

// Deps are the components the HTTP surface drives.
type Deps struct {
	Broker        *broker.Broker
	Loader        *config.Loader
	Binder        *binding.Binder
	Scheduler     *schedule.Scheduler
	DefaultSource string
	Logger        *slog.Logger
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	Deps
	mux *http.ServeMux
}

// New creates an HTTP handler and registers all routes.
func New(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.DefaultSource == "" {
		d.DefaultSource = config.DefaultSource
	}
	h := &Handler{Deps: d, mux: http.NewServeMux()}

	h.mux.HandleFunc("POST /v1/events", h.publishEvent)
	h.mux.HandleFunc("POST /v1/events/batch", h.publishBatch)
	h.mux.HandleFunc("POST /v1/cloudevents", h.publishCloudEvent)
	h.mux.HandleFunc("GET /v1/stats", h.stats)
	h.mux.HandleFunc("POST /v1/stats/reset", h.resetStats)
	h.mux.HandleFunc("GET /v1/bindings", h.listBindings)
	h.mux.HandleFunc("POST /v1/bindings/reload", h.reload)
	h.mux.HandleFunc("GET /v1/schedules", h.listSchedules)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(d.Logger, h.mux)
}

// POST /v1/events: enqueue one event.
func (h *Handler) publishEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	ev, err := req.toEvent(h.DefaultSource)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.Broker.Publish(ev); err != nil {
		writeError(w, publishStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, publishResponse{ID: ev.ID, Queued: true})
}

// POST /v1/events/batch: enqueue up to maxBatchSize events, each independently.
func (h *Handler) publishBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []eventRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&reqs); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if len(reqs) == 0 {
		writeError(w, http.StatusBadRequest, "batch must contain at least one event")
		return
	}
	if len(reqs) > maxBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch size %d exceeds max %d", len(reqs), maxBatchSize))
		return
	}

	resp := batchResponse{JobID: uuid.New().String(), Total: len(reqs)}
	for i, req := range reqs {
		ev, err := req.toEvent(h.DefaultSource)
		if err == nil {
			err = h.Broker.Publish(ev)
		}
		if err != nil {
			resp.Errors = append(resp.Errors, batchError{Index: i, Error: err.Error()})
			continue
		}
		resp.Queued++
		resp.IDs = append(resp.IDs, ev.ID)
	}
	resp.Rejected = resp.Total - resp.Queued
	writeJSON(w, http.StatusAccepted, resp)
}

// POST /v1/cloudevents: CloudEvents HTTP binding, binary or structured mode.
func (h *Handler) publishCloudEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	ce, err := cloudevents.NewEventFromHTTPRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid cloudevent: %s", err))
		return
	}
	ev, err := event.FromCloudEvent(*ce)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.Broker.Publish(ev); err != nil {
		writeError(w, publishStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, publishResponse{ID: ev.ID, Queued: true})
}

// GET /v1/stats
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Stats:         h.Broker.Stats(),
		Running:       h.Broker.Running(),
		QueueCapacity: h.Broker.QueueCap(),
		Utilization:   h.Broker.QueueUtilization(),
		Subscriptions: h.Broker.SubscriptionCount(),
		LastError:     h.Broker.LastError(),
	})
}

// POST /v1/stats/reset
func (h *Handler) resetStats(w http.ResponseWriter, r *http.Request) {
	h.Broker.ResetStats()
	h.Broker.ClearLastError()
	w.WriteHeader(http.StatusNoContent)
}

// GET /v1/bindings
func (h *Handler) listBindings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":  h.Loader.Config().Version,
		"bindings": h.Binder.List(),
	})
}

// POST /v1/bindings/reload: re-read the config file and re-apply bindings
// and schedules. The running set is kept when the new config is rejected.
func (h *Handler) reload(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Loader.Reload()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reloaded":  true,
		"version":   cfg.Version,
		"bindings":  len(h.Binder.List()),
		"schedules": len(cfg.Schedules),
	})
}

// GET /v1/schedules
func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"schedules": h.Scheduler.Entries(),
	})
}

// GET /healthz: liveness, always 200.
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: 503 when the broker is stopped or the queue is more than 80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if !h.Broker.Running() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "stopped"})
		return
	}
	util := h.Broker.QueueUtilization()
	if util > readyUtilization {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":            "overloaded",
			"queue_utilization": util,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ready",
		"queue_utilization": util,
	})
}

func publishStatus(err error) int {
	switch {
	case errors.Is(err, broker.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, broker.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, broker.ErrNotInitialized):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
