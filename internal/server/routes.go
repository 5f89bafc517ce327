package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures and returns an HTTP ServeMux with all application routes.
func SetupRoutes(h *Handlers) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/ws", h.WebSocketHandler)
	mux.HandleFunc("/test", TestPageHandler)
	mux.HandleFunc("/rooms", h.RoomsHandler)
	mux.HandleFunc("/stats", h.StatsHandler)
	mux.HandleFunc("/history", h.HistoryHandler)
	mux.HandleFunc("/users", h.UsersHandler)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
