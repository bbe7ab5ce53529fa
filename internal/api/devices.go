package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/TheSnowHatHero/GrappleHook/internal/bridges/canbus"
	"github.com/TheSnowHatHero/GrappleHook/internal/device"
	"github.com/TheSnowHatHero/GrappleHook/internal/journal"
	"github.com/TheSnowHatHero/GrappleHook/internal/process"
)

type listDevicesResponse struct {
	Devices map[device.Domain][]device.Listing `json:"devices"`
	Count   int                                `json:"count"`
}

// handleListDevices returns live devices, optionally for one ?domain=.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	lists := s.manager.List()

	if domain := device.Domain(r.URL.Query().Get("domain")); domain != "" {
		devices, ok := lists[domain]
		if !ok {
			writeCallError(w, fmt.Errorf("%w: %s", device.ErrUnknownDomain, domain))
			return
		}
		lists = map[device.Domain][]device.Listing{domain: devices}
	}

	resp := listDevicesResponse{Devices: lists}
	for _, devices := range lists {
		resp.Count += len(devices)
	}
	writeJSON(w, http.StatusOK, resp)
}

type callResponse struct {
	Domain   device.Domain   `json:"domain"`
	Identity device.Identity `json:"identity"`
	Result   json.RawMessage `json:"result"`
}

// handleCall forwards the JSON body to the driver of one device.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	domain := device.Domain(chi.URLParam(r, "domain"))
	identity, err := device.ParseIdentity(chi.URLParam(r, "identity"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "request body too large")
			return
		}
		writeBadRequest(w, "reading request body failed")
		return
	}
	if !json.Valid(body) {
		writeBadRequest(w, "request body must be a JSON object")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.callTimeout)
	defer cancel()

	result, err := s.manager.Call(ctx, domain, identity, body)
	if err != nil {
		s.logger.Debug("device call failed", "domain", domain, "identity", identity, "error", err)
		writeCallError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, callResponse{Domain: domain, Identity: identity, Result: result})
}

// handleReset clears every domain's registry.
func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.manager.Reset()
	s.logger.Info("registry reset via API")
	writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
}

type statsResponse struct {
	Manager device.Stats                         `json:"manager"`
	Bridges map[device.Domain]canbus.ClientStats `json:"bridges,omitempty"`
	Journal *journal.Stats                       `json:"journal,omitempty"`
	Daemon  *process.Status                      `json:"daemon,omitempty"`
	Service *canbus.Metrics                      `json:"service,omitempty"`
	Clients int                                  `json:"websocket_clients"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{
		Manager: s.manager.Stats(),
		Clients: s.hub.ClientCount(),
	}
	if len(s.bridges) > 0 {
		resp.Bridges = make(map[device.Domain]canbus.ClientStats, len(s.bridges))
		for domain, b := range s.bridges {
			resp.Bridges[domain] = b.Stats()
		}
	}
	if s.journal != nil {
		st := s.journal.Stats()
		resp.Journal = &st
	}
	if s.daemon != nil {
		st := s.daemon.Status()
		resp.Daemon = &st
	}
	if s.service != nil {
		m := s.service.GetMetrics()
		resp.Service = &m
	}
	writeJSON(w, http.StatusOK, resp)
}
