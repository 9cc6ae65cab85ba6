package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

// RegisterOps mounts the liveness, per-app health, and usage endpoints.
func (s *Server) RegisterOps(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /up/{appId}", s.handleUp)
	mux.HandleFunc("GET /usage", s.handleUsage)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"name":    "sockudo",
		"version": s.cfg.Version,
	})
}

// handleUp reports whether the app exists and is enabled, for per-tenant
// health probes.
func (s *Server) handleUp(w http.ResponseWriter, r *http.Request) {
	app, err := s.apps.ByID(r.Context(), r.PathValue("appId"))
	if err != nil || !app.Enabled {
		http.Error(w, "app unavailable", http.StatusNotFound)
		return
	}
	w.Write([]byte("OK"))
}

type usageResponse struct {
	Memory struct {
		Total       uint64  `json:"total"`
		Free        uint64  `json:"free"`
		Used        uint64  `json:"used"`
		UsedPercent float64 `json:"used_percent"`
	} `json:"memory"`
	Goroutines    int     `json:"goroutines"`
	Connections   int     `json:"connections"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (s *Server) handleUsage(w http.ResponseWriter, _ *http.Request) {
	var resp usageResponse
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.Memory.Total = vm.Total
		resp.Memory.Free = vm.Free
		resp.Memory.Used = vm.Used
		resp.Memory.UsedPercent = vm.UsedPercent
	}
	resp.Goroutines = runtime.NumGoroutine()
	resp.Connections = s.hub.OpenSockets()
	resp.UptimeSeconds = time.Since(s.started).Seconds()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
