package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/TheSnowHatHero/GrappleHook/internal/device"
	"github.com/TheSnowHatHero/GrappleHook/internal/process"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)
		r.Get("/devices", s.handleListDevices)
		r.Post("/domains/{domain}/devices/{identity}/call", s.handleCall)
		r.Post("/reset", s.handleReset)
		r.Get("/events", s.handleListEvents)
		r.Get(s.wsPath(), s.handleWebSocket)
	})

	return r
}

// wsPath is the feed route below /api/v1, "/ws" unless configured.
func (s *Server) wsPath() string {
	if s.wsCfg.Path == "" {
		return "/ws"
	}
	return s.wsCfg.Path
}

// bridgeHealth is the per-domain part of the health response.
type bridgeHealth struct {
	Connected bool `json:"connected"`
	Devices   int  `json:"devices"`
}

type healthResponse struct {
	Status  string                         `json:"status"`
	Version string                         `json:"version"`
	Domains map[device.Domain]bridgeHealth `json:"domains"`
	Daemon  *process.Status                `json:"daemon,omitempty"`
}

// handleHealth reports "ok" when every bus connection is up and "degraded"
// otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.manager.Stats()
	resp := healthResponse{
		Status:  "ok",
		Version: s.version,
		Domains: make(map[device.Domain]bridgeHealth),
	}

	for _, domain := range s.manager.Domains() {
		h := bridgeHealth{Connected: true, Devices: stats.Devices[domain]}
		if b, ok := s.bridges[domain]; ok {
			h.Connected = b.IsConnected()
		}
		if !h.Connected {
			resp.Status = "degraded"
		}
		resp.Domains[domain] = h
	}

	if s.daemon != nil {
		st := s.daemon.Status()
		resp.Daemon = &st
		if st.State != process.StateUp {
			resp.Status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
