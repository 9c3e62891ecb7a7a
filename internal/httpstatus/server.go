// Package httpstatus implements the HTTP status surface from spec.md §6:
// GET /status, GET /source, plus an OTel/Prometheus /metrics endpoint
// carried as ambient observability (SPEC_FULL.md section B).
package httpstatus

import (
	"encoding/json"
	"net/http"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"pkt.systems/blds/internal/core"
	"pkt.systems/pslog"
)

// ServerStatusSource is the subset of ServerCore the status surface reads.
// Defined as an interface so handler tests can substitute a fake without
// constructing a full ServerCore.
type ServerStatusSource interface {
	Status() core.ServerStatus
	SourceStatus() (map[string]string, bool)
}

// hostSnapshot is the supplemented host-metrics section of GET /status
// (spec.md's "supplement dropped features": the original exposes basic
// process health alongside server/source status).
type hostSnapshot struct {
	UptimeSeconds  uint64  `json:"uptime_seconds,omitempty"`
	MemoryUsedPct  float64 `json:"memory_used_percent,omitempty"`
	Load1          float64 `json:"load1,omitempty"`
	Load5          float64 `json:"load5,omitempty"`
	Load15         float64 `json:"load15,omitempty"`
	HostStatsError string  `json:"host_stats_error,omitempty"`
}

type statusResponse struct {
	core.ServerStatus
	Host hostSnapshot `json:"host"`
}

// NewMux builds the HTTP status surface. metricsHandler may be nil, in
// which case /metrics responds 404 (observability wiring is optional).
func NewMux(sc ServerStatusSource, logger pslog.Logger, metricsHandler http.Handler) *http.ServeMux {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", methodGuard(http.MethodGet, handleStatus(sc, logger)))
	mux.HandleFunc("/source", methodGuard(http.MethodGet, handleSource(sc)))
	if metricsHandler != nil {
		mux.Handle("/metrics", methodGuard(http.MethodGet, metricsHandler.ServeHTTP))
	}
	mux.HandleFunc("/", notFound)
	return mux
}

func methodGuard(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

func notFound(w http.ResponseWriter, r *http.Request) {
	http.NotFound(w, r)
}

func handleStatus(sc ServerStatusSource, logger pslog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{
			ServerStatus: sc.Status(),
			Host:         snapshotHost(),
		}
		writeJSON(w, logger, http.StatusOK, resp)
	}
}

func handleSource(sc ServerStatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, ok := sc.SourceStatus()
		if !ok {
			http.Error(w, "no source", http.StatusNotFound)
			return
		}
		writeJSON(w, nil, http.StatusOK, status)
	}
}

func snapshotHost() hostSnapshot {
	var snap hostSnapshot
	if info, err := host.Info(); err == nil {
		snap.UptimeSeconds = info.Uptime
	} else {
		snap.HostStatsError = err.Error()
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryUsedPct = vm.UsedPercent
	}
	if avg, err := load.Avg(); err == nil {
		snap.Load1, snap.Load5, snap.Load15 = avg.Load1, avg.Load5, avg.Load15
	}
	return snap
}

func writeJSON(w http.ResponseWriter, logger pslog.Logger, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil && logger != nil {
		logger.Warn("httpstatus.encode_failed", "error", err)
	}
}
