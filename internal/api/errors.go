package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/TheSnowHatHero/GrappleHook/internal/bridges/canbus"
	"github.com/TheSnowHatHero/GrappleHook/internal/device"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeUnknownDomain  = "unknown_domain"
	ErrCodeUnsupported    = "unsupported_operation"
	ErrCodeConflict       = "conflict"
	ErrCodeTimeout        = "timeout"
	ErrCodeBusUnavailable = "bus_unavailable"
	ErrCodeRejected       = "rejected"
	ErrCodeUnavailable    = "unavailable"
	ErrCodeInternal       = "internal_error"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // best-effort write; the client may be gone
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeCallError maps manager and driver errors onto HTTP responses.
func writeCallError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, ErrCodeInternal
	switch {
	case errors.Is(err, device.ErrUnknownDomain):
		status, code = http.StatusNotFound, ErrCodeUnknownDomain
	case errors.Is(err, device.ErrDeviceNotFound):
		status, code = http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, device.ErrInvalidRequest), errors.Is(err, device.ErrInvalidIdentity):
		status, code = http.StatusBadRequest, ErrCodeBadRequest
	case errors.Is(err, device.ErrUnsupportedOp):
		status, code = http.StatusBadRequest, ErrCodeUnsupported
	case errors.Is(err, device.ErrVersionGated),
		errors.Is(err, device.ErrUpdateInProgress),
		errors.Is(err, device.ErrAddressUnknown):
		status, code = http.StatusConflict, ErrCodeConflict
	case errors.Is(err, device.ErrReplyTimeout), errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, ErrCodeTimeout
	case errors.Is(err, device.ErrFirmwareRejected):
		status, code = http.StatusBadGateway, ErrCodeRejected
	case errors.Is(err, canbus.ErrNotConnected), errors.Is(err, canbus.ErrSendFailed):
		status, code = http.StatusServiceUnavailable, ErrCodeBusUnavailable
	}
	writeError(w, status, code, err.Error())
}
