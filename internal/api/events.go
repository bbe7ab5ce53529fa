package api

import (
	"net/http"
	"strconv"

	"github.com/TheSnowHatHero/GrappleHook/internal/device"
	"github.com/TheSnowHatHero/GrappleHook/internal/journal"
)

// handleListEvents pages through the device journal.
//
// Query parameters: domain, kind, serial, limit, offset.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "device journal is disabled")
		return
	}

	q := r.URL.Query()
	filter := journal.Filter{
		Domain: device.Domain(q.Get("domain")),
		Kind:   device.EventKind(q.Get("kind")),
	}

	if v := q.Get("serial"); v != "" {
		serial, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			writeBadRequest(w, "serial must be an unsigned 32-bit integer")
			return
		}
		s32 := uint32(serial)
		filter.Serial = &s32
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	result, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing device events failed", "error", err)
		writeInternalError(w, "listing device events failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
