// Copyright 2025 James Ross
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pactforge/plugin-guard/internal/alert"
	"github.com/pactforge/plugin-guard/internal/audit"
	"github.com/pactforge/plugin-guard/internal/kernel"
	"github.com/pactforge/plugin-guard/internal/quota"
	"github.com/pactforge/plugin-guard/internal/resource"
	"go.uber.org/zap"
)

// Server exposes the read-mostly, operator-trusted inspection surface:
// plugin listing, audit export, alert review/acknowledgement, and
// operator-initiated resume.
type Server struct {
	kernel *kernel.Kernel
	logger *zap.Logger
	addr   string
	server *http.Server
}

// NewServer builds a Server bound to addr, routing requests through k.
func NewServer(addr string, k *kernel.Kernel, logger *zap.Logger) *Server {
	return &Server{kernel: k, logger: logger, addr: addr}
}

// Router builds the mux.Router for this surface, exported so tests can
// exercise routes directly without binding a socket.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/plugins", s.listPlugins).Methods(http.MethodGet)
	r.HandleFunc("/plugins/{id}/audit", s.pluginAudit).Methods(http.MethodGet)
	r.HandleFunc("/alerts", s.listAlerts).Methods(http.MethodGet)
	r.HandleFunc("/alerts/{id}/ack", s.acknowledgeAlert).Methods(http.MethodPost)
	r.HandleFunc("/plugins/{id}/resume", s.resumePlugin).Methods(http.MethodPost)
	return r
}

// Start begins serving on s.addr until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{Addr: s.addr, Handler: s.Router()}
	s.logger.Info("starting admin API", zap.String("addr", s.addr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type pluginSummary struct {
	ID          string  `json:"id"`
	Status      string  `json:"status"`
	UsageRatios map[string]float64 `json:"usageRatios,omitempty"`
}

func (s *Server) listPlugins(w http.ResponseWriter, r *http.Request) {
	statuses := s.kernel.Quota.Snapshot()
	out := make([]pluginSummary, 0, len(statuses))
	for plugin, status := range statuses {
		summary := pluginSummary{ID: plugin, Status: string(status)}
		if snap := s.kernel.Resource.Snapshot(plugin); snap != nil {
			ratios := make(map[string]float64, len(snap.Usage))
			st := s.kernel.Resource.State(plugin)
			if st != nil {
				for stream, usage := range snap.Usage {
					if limit := limitFor(st, stream); limit > 0 {
						ratios[string(stream)] = float64(usage) / float64(limit)
					}
				}
			}
			summary.UsageRatios = ratios
		}
		out = append(out, summary)
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugins": out})
}

func limitFor(st *resource.PluginState, stream resource.Stream) int64 {
	switch stream {
	case resource.StreamMemory:
		return st.Limits.MemoryBytes
	case resource.StreamCPU:
		return st.Limits.CPUMillisPerTick
	case resource.StreamAPICalls:
		return st.Limits.APICallsPerMinute
	case resource.StreamStorage:
		return st.Limits.StorageBytes
	case resource.StreamNetwork:
		return st.Limits.NetworkRequestsPerMinute
	default:
		return 0
	}
}

func (s *Server) pluginAudit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	entries := s.kernel.Audit.ForPlugin(id)

	limit := len(entries)
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l < limit {
		limit = l
	}
	if limit < len(entries) {
		entries = entries[len(entries)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugin": id, "entries": entries})
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	severity := r.URL.Query().Get("severity")
	all := s.kernel.Alerts.List("")
	if severity == "" {
		writeJSON(w, http.StatusOK, map[string]any{"alerts": all})
		return
	}
	filtered := make([]alert.Alert, 0, len(all))
	for _, a := range all {
		if string(a.Severity) == severity {
			filtered = append(filtered, a)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": filtered})
}

func (s *Server) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.kernel.Alerts.Acknowledge(id) {
		writeError(w, http.StatusNotFound, "alert not found or not active")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "acknowledged"})
}

func (s *Server) resumePlugin(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.kernel.Quota.ResumePlugin(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.kernel.Audit.Append(id, "plugin.resume", audit.ResultAllowed, "operator-initiated", nil)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": string(quota.StatusActive)})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
