package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/opspulse/opspulse/internal/budget"
	"github.com/opspulse/opspulse/internal/cascade"
	"github.com/opspulse/opspulse/internal/event"
	"github.com/opspulse/opspulse/internal/ranking"
	"github.com/opspulse/opspulse/internal/snapshot"
	"github.com/opspulse/opspulse/internal/tenant"
)

// principalHeader carries the already-authenticated caller identity.
// Authentication happens upstream; this service only resolves scope.
const principalHeader = "X-Principal"

type errorResponse struct {
	Error     string `json:"error"`
	Reason    string `json:"reason,omitempty"`
	Retriable bool   `json:"retriable,omitempty"`
}

type ackResponse struct {
	Accepted bool   `json:"accepted"`
	EventID  string `json:"event_id"`
}

type snapshotResponse struct {
	Snapshot *snapshot.Snapshot `json:"snapshot"`
	Stale    bool               `json:"stale"`
	Status   snapshot.Status    `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"uptime_s":  int64(time.Since(s.start).Seconds()),
		"snapshots": len(s.deps.Snapshots.Keys()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var ev event.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid event payload", Reason: string(event.ReasonMalformed)})
		return
	}
	if ev.ID == "" {
		ev = withGeneratedID(ev)
	}

	if !s.authorized(r, ev.TenantID) {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "principal not authorized for tenant"})
		return
	}

	if err := s.deps.Pipeline.Submit(r.Context(), ev); err != nil {
		var rej *event.RejectError
		if errors.As(err, &rej) {
			status := http.StatusUnprocessableEntity
			if rej.Retriable() {
				status = http.StatusTooManyRequests
				w.Header().Set("Retry-After", "1")
			}
			writeJSON(w, status, errorResponse{Error: rej.Detail, Reason: string(rej.Reason), Retriable: rej.Retriable()})
			return
		}
		log.Error().Err(err).Str("event_id", ev.ID).Msg("event submit failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	writeJSON(w, http.StatusAccepted, ackResponse{Accepted: true, EventID: ev.ID})
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key := snapshot.Key{ID: vars["id"], TenantID: vars["tenant"]}

	if !s.authorized(r, key.TenantID) {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "principal not authorized for tenant"})
		return
	}

	snap, ok := s.deps.Snapshots.Get(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "snapshot not found"})
		return
	}

	status := s.deps.Scheduler.GetStatus(key)
	writeJSON(w, http.StatusOK, snapshotResponse{
		Snapshot: snap,
		Stale:    s.isStale(key.ID, snap) || status.StaleFailed,
		Status:   status,
	})
}

func (s *Server) handleGetRankings(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	if !s.authorized(r, tenantID) {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "principal not authorized for tenant"})
		return
	}

	snap, ok := s.deps.Snapshots.Get(snapshot.Key{ID: s.deps.RankSource, TenantID: tenantID})
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no ranking source snapshot for tenant"})
		return
	}

	timeframe := r.URL.Query().Get("timeframe")
	if timeframe == "" {
		timeframe = "24h"
	}
	criterion := r.URL.Query().Get("criterion")
	if criterion == "" {
		criterion = "score"
	}

	entries := s.deps.Ranker.Rank(tenantID, criterion, timeframe, ranking.FromSnapshot(snap))
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant":      tenantID,
		"criterion":   criterion,
		"timeframe":   timeframe,
		"computed_at": snap.ComputedAt,
		"entries":     entries,
	})
}

func (s *Server) handleTriggerRefresh(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key := snapshot.Key{ID: vars["id"], TenantID: vars["tenant"]}

	if !s.authorized(r, key.TenantID) {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "principal not authorized for tenant"})
		return
	}

	snap, err := s.deps.Scheduler.TriggerRefresh(r.Context(), key)
	if err != nil {
		var refreshErr *snapshot.RefreshError
		if errors.As(err, &refreshErr) {
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), Retriable: true})
			return
		}
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"refreshed":      true,
		"key":            key,
		"computed_at":    snap.ComputedAt,
		"source_version": snap.SourceVersion,
		"rows":           len(snap.Rows),
	})
}

func (s *Server) handleRefreshStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key := snapshot.Key{ID: vars["id"], TenantID: vars["tenant"]}

	if !s.authorized(r, key.TenantID) {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "principal not authorized for tenant"})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Scheduler.GetStatus(key))
}

func (s *Server) handleGetCascade(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tenantID, rootID := vars["tenant"], vars["root"]

	if !s.authorized(r, tenantID) {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "principal not authorized for tenant"})
		return
	}

	window := 10 * time.Minute
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid window duration"})
			return
		}
		window = d
	}

	c, err := s.deps.Detector.DetectCascade(r.Context(), rootID, window)
	if err != nil {
		var timeout *cascade.TimeoutError
		if errors.As(err, &timeout) {
			writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: err.Error(), Retriable: true})
			return
		}
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	if c.TenantID != tenantID {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "root event not found for tenant"})
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleCascadeMatrix serves the cross-tenant correlation matrix; only
// wildcard-scoped principals may read it.
func (s *Server) handleCascadeMatrix(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r, "*") {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "matrix requires wildcard scope"})
		return
	}

	lookback := 24 * time.Hour
	pairWindow := 2 * time.Minute
	if raw := r.URL.Query().Get("lookback"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			lookback = d
		}
	}
	if raw := r.URL.Query().Get("pair_window"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			pairWindow = d
		}
	}

	stats, err := s.deps.Detector.BuildMatrix(r.Context(), lookback, pairWindow)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lookback":    lookback.String(),
		"pair_window": pairWindow.String(),
		"pairs":       stats,
	})
}

func (s *Server) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	scope := mux.Vars(r)["scope"]
	if !s.authorized(r, scope) {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "principal not authorized for scope"})
		return
	}

	states := make(map[string]budget.BudgetState)
	for kind, tracker := range s.deps.Budgets {
		if st, ok := tracker.State(scope); ok {
			states[string(kind)] = st
		}
	}
	if len(states) == 0 {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no budget activity for scope"})
		return
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
}

// authorized resolves the request principal's scope and checks tenantID
// membership. A missing or unknown principal is never authorized.
func (s *Server) authorized(r *http.Request, tenantID string) bool {
	principal := r.Header.Get(principalHeader)
	if principal == "" || tenantID == "" {
		return false
	}
	scope, err := s.deps.Resolver.ResolveScope(r.Context(), principal)
	if err != nil {
		return false
	}
	return tenant.Authorized(scope, tenantID)
}

// isStale compares the snapshot age against its definition's staleness.
func (s *Server) isStale(defID string, snap *snapshot.Snapshot) bool {
	for _, def := range s.deps.Scheduler.Definitions() {
		if def.ID == defID {
			return time.Since(snap.ComputedAt) > def.Staleness
		}
	}
	return false
}

func withGeneratedID(ev event.Event) event.Event {
	gen := event.New(ev.TenantID, ev.Kind, ev.Dimension, ev.Timestamp)
	gen.Measures = ev.Measures
	if ev.DedupeKey != "" {
		gen.DedupeKey = ev.DedupeKey
	}
	gen.ParentID = ev.ParentID
	gen.EntityID = ev.EntityID
	gen.ErrorKind = ev.ErrorKind
	return gen
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encode response")
	}
}
