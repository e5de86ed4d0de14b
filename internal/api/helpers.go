package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"grimm.is/v6tunnel/internal/network"
	"grimm.is/v6tunnel/internal/state"
	"grimm.is/v6tunnel/internal/tunnel"
	"grimm.is/v6tunnel/internal/validation"
)

// getClientIP extracts the client IP from the request
// Respects X-Forwarded-For and X-Real-IP headers for proxy situations
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(ip) != nil {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" && net.ParseIP(xri) != nil {
		return xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// ErrorResponse represents a standard API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// WriteError sends a JSON error response
func WriteError(w http.ResponseWriter, code int, message string, details ...string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	resp := ErrorResponse{Error: message}
	if len(details) > 0 {
		resp.Details = details[0]
	}
	json.NewEncoder(w).Encode(resp)
}

// WriteJSON sends a JSON success response
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case validation.IsConfigError(err):
		return http.StatusBadRequest
	case errors.Is(err, state.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tunnel.ErrNoEnabledRules), errors.Is(err, state.ErrTooManyRules):
		return http.StatusConflict
	case errors.Is(err, network.ErrNoGlobalAddress):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with the status statusFor picks.
func writeServiceError(w http.ResponseWriter, message string, err error) {
	WriteError(w, statusFor(err), message, err.Error())
}

// decodeJSON reads a JSON request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
