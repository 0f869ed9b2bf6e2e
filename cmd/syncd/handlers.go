// Package main provides REST handlers over the chart service facade.
package main

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/astraldesk/chartcache/internal/models"
	"github.com/astraldesk/chartcache/internal/netmon"
	"github.com/astraldesk/chartcache/internal/services"
)

// handler adapts the ChartService to HTTP for local UI clients.
type handler struct {
	svc     *services.ChartService
	monitor *netmon.Monitor
}

func newHandler(svc *services.ChartService, monitor *netmon.Monitor) *handler {
	return &handler{svc: svc, monitor: monitor}
}

func (h *handler) register(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", h.health)
	mux.HandleFunc("/api/charts", h.charts)
	mux.HandleFunc("/api/charts/", h.chartByID)
	mux.HandleFunc("/api/sync/status", h.syncStatus)
	mux.HandleFunc("/api/sync/now", h.syncNow)
	mux.HandleFunc("/api/data/clear", h.clearData)
	mux.HandleFunc("/api/connectivity", h.connectivity)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"service":  "chartcache-syncd",
		"degraded": h.svc.Degraded(),
	})
}

// charts handles POST /api/charts (save) and GET /api/charts?owner= (list).
func (h *handler) charts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var request struct {
			ID       string          `json:"id"`
			OwnerID  string          `json:"owner_id"`
			Payload  json.RawMessage `json:"payload"`
			Priority string          `json:"priority"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		opts := &services.SaveOptions{
			ID:       models.UUID(request.ID),
			Priority: models.Priority(request.Priority),
		}
		id, err := h.svc.SaveRecord(request.OwnerID, request.Payload, opts)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": id.String()})

	case http.MethodGet:
		ownerID := r.URL.Query().Get("owner")
		preferOnline := r.URL.Query().Get("prefer_online") == "true"
		records, err := h.svc.ListUserRecords(ownerID, preferOnline)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"records": records,
			"count":   len(records),
		})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// chartByID handles DELETE /api/charts/{id}.
func (h *handler) chartByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/charts/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "Invalid record id", http.StatusBadRequest)
		return
	}

	if err := h.svc.DeleteRecordAndSync(models.UUID(id)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": id})
}

func (h *handler) syncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.GetSyncStatus())
}

func (h *handler) syncNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.ForceSyncNow(r.Context()))
}

func (h *handler) clearData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.svc.ClearAllLocalData(); err != nil {
		http.Error(w, "Failed to clear local data", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": true})
}

// connectivity lets the platform layer feed online/offline events in.
func (h *handler) connectivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var request struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	h.monitor.SetOnline(request.Online)
	state, quality := h.monitor.Current()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":   string(state),
		"quality": string(quality),
	})
}
