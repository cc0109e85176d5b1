package pulse

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/HerbHall/pulsewatch/pkg/plugin"
	"go.uber.org/zap"
)

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/status", Handler: m.handleStatus},
		{Method: "POST", Path: "/tick", Handler: m.handleTick},
		{Method: "GET", Path: "/endpoints", Handler: m.handleListEndpoints},
		{Method: "GET", Path: "/endpoints/{id}/results", Handler: m.handleEndpointResults},
		{Method: "GET", Path: "/endpoints/{id}/aggregate", Handler: m.handleEndpointAggregate},
		{Method: "GET", Path: "/notifications", Handler: m.handleListNotifications},
	}
}

type statusResponse struct {
	Running  bool         `json:"running"`
	LastTick *TickSummary `json:"last_tick,omitempty"`
	Error    string       `json:"last_error,omitempty"`
}

func (m *Module) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if m.orch == nil {
		pulseWriteError(w, http.StatusServiceUnavailable, "pulse store not available")
		return
	}
	last, err := m.orch.LastTick()
	resp := statusResponse{Running: m.orch.Running(), LastTick: last}
	if err != nil {
		resp.Error = err.Error()
	}
	pulseWriteJSON(w, http.StatusOK, resp)
}

// handleTick runs one tick synchronously and returns its summary.
func (m *Module) handleTick(w http.ResponseWriter, r *http.Request) {
	if m.orch == nil {
		pulseWriteError(w, http.StatusServiceUnavailable, "pulse store not available")
		return
	}
	summary, err := m.orch.RunTick(r.Context())
	if err != nil {
		if errors.Is(err, ErrTickInProgress) {
			pulseWriteError(w, http.StatusConflict, err.Error())
			return
		}
		m.logger.Warn("manual tick failed", zap.Error(err))
		pulseWriteError(w, http.StatusInternalServerError, "tick failed: "+err.Error())
		return
	}
	pulseWriteJSON(w, http.StatusOK, summary)
}

func (m *Module) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	if m.store == nil {
		pulseWriteError(w, http.StatusServiceUnavailable, "pulse store not available")
		return
	}
	endpoints, err := m.store.ListEndpoints(r.Context())
	if err != nil {
		m.logger.Warn("failed to list endpoints", zap.Error(err))
		pulseWriteError(w, http.StatusInternalServerError, "failed to list endpoints")
		return
	}
	if endpoints == nil {
		endpoints = []Endpoint{}
	}
	pulseWriteJSON(w, http.StatusOK, endpoints)
}

func (m *Module) handleEndpointResults(w http.ResponseWriter, r *http.Request) {
	if m.store == nil {
		pulseWriteError(w, http.StatusServiceUnavailable, "pulse store not available")
		return
	}
	id := r.PathValue("id")
	if !m.endpointExists(w, r, id) {
		return
	}
	results, err := m.store.ListResults(r.Context(), id, pulseParseLimit(r, 100))
	if err != nil {
		m.logger.Warn("failed to list results", zap.String("endpoint_id", id), zap.Error(err))
		pulseWriteError(w, http.StatusInternalServerError, "failed to list results")
		return
	}
	if results == nil {
		results = []CheckResult{}
	}
	pulseWriteJSON(w, http.StatusOK, results)
}

func (m *Module) handleEndpointAggregate(w http.ResponseWriter, r *http.Request) {
	if m.store == nil {
		pulseWriteError(w, http.StatusServiceUnavailable, "pulse store not available")
		return
	}
	id := r.PathValue("id")
	hours := 24
	if s := r.URL.Query().Get("hours"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > MaxAvailabilityPeriodHours {
			pulseWriteError(w, http.StatusBadRequest, "hours must be between 1 and 168")
			return
		}
		hours = n
	}
	if !m.endpointExists(w, r, id) {
		return
	}
	agg, err := m.store.Aggregate(r.Context(), id, hours)
	if err != nil {
		m.logger.Warn("failed to aggregate results", zap.String("endpoint_id", id), zap.Error(err))
		pulseWriteError(w, http.StatusInternalServerError, "failed to aggregate results")
		return
	}
	pulseWriteJSON(w, http.StatusOK, agg)
}

func (m *Module) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	if m.store == nil {
		pulseWriteError(w, http.StatusServiceUnavailable, "pulse store not available")
		return
	}
	records, err := m.store.ListNotifications(r.Context(), pulseParseLimit(r, 100))
	if err != nil {
		m.logger.Warn("failed to list notifications", zap.Error(err))
		pulseWriteError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}
	if records == nil {
		records = []DeliveryRecord{}
	}
	pulseWriteJSON(w, http.StatusOK, records)
}

func (m *Module) endpointExists(w http.ResponseWriter, r *http.Request, id string) bool {
	ep, err := m.store.GetEndpoint(r.Context(), id)
	if err != nil {
		m.logger.Warn("failed to get endpoint", zap.String("endpoint_id", id), zap.Error(err))
		pulseWriteError(w, http.StatusInternalServerError, "failed to get endpoint")
		return false
	}
	if ep == nil {
		pulseWriteError(w, http.StatusNotFound, "endpoint not found")
		return false
	}
	return true
}

// -- helpers --

func pulseWriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func pulseWriteError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "about:blank",
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}

func pulseParseLimit(r *http.Request, defaultLimit int) int {
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return defaultLimit
}
