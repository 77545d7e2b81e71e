package server

import (
	"encoding/json"
	"net/http"

	"github.com/zeusync/ecsnet/internal/core/observability/log"
	"github.com/zeusync/ecsnet/internal/core/protocol/middlewares"
	"github.com/zeusync/ecsnet/pkg/sequence"
)

// Handler serves the websocket endpoint and the read-only dashboard.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/dashboard", s.handleDashboard)
	return mux
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, ErrServerClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", log.String("remote_addr", r.RemoteAddr), log.Error(err))
		return
	}
	s.Serve(conn)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	body := map[string]any{"status": "ok", "connections": s.sessionCount.Load()}
	if !s.running.Load() {
		status = http.StatusServiceUnavailable
		body["status"] = "stopped"
	}
	writeJSON(w, status, body)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.GetStats())
}

type dashboardView struct {
	Stats    Stats                       `json:"stats"`
	Channels map[string]uint16           `json:"channels"`
	Clients  []SessionInfo               `json:"clients"`
	Handlers middlewares.MetricsSnapshot `json:"handlers"`
	Logs     []log.DashboardEntry        `json:"logs"`
}

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	view := dashboardView{
		Stats:    s.GetStats(),
		Channels: s.registry.Manifest().Channels,
		Handlers: s.metrics.Snapshot(),
		Logs:     []log.DashboardEntry{},
	}
	oldestFirst := func(a, b *Session) bool { return a.ConnectedAt.Before(b.ConnectedAt) }
	view.Clients = sequence.Map(sequence.From(s.Sessions()).Sort(oldestFirst), (*Session).Info)
	if view.Clients == nil {
		view.Clients = []SessionInfo{}
	}
	if s.dashboard != nil {
		view.Logs = s.dashboard.Entries()
	}
	writeJSON(w, http.StatusOK, view)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
