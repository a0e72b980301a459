// Package gateway exposes the control-plane HTTP API: cluster membership,
// write placement and finalization, object administration and the login flow.
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/prn-tf/bluetap/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps domain errors onto the API's error vocabulary. Unclassified
// errors surface as a generic 500 so internals never leak to clients.
func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		logger.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": code})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrUnknownNode):
		return http.StatusNotFound, "unknown_node"
	case errors.Is(err, domain.ErrDuplicateRegistration):
		return http.StatusConflict, "duplicate_registration"
	case errors.Is(err, domain.ErrInsufficientReplicas):
		return http.StatusServiceUnavailable, "insufficient_replicas"
	case errors.Is(err, domain.ErrWriteFailed):
		return http.StatusConflict, "write_failed"
	case errors.Is(err, domain.ErrNoPendingWrite):
		return http.StatusConflict, "no_pending_write"
	case errors.Is(err, domain.ErrObjectNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrObjectUnavailable):
		return http.StatusServiceUnavailable, "object_unavailable"
	case errors.Is(err, domain.ErrTenantMismatch):
		return http.StatusForbidden, "tenant_mismatch"
	case errors.Is(err, domain.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, domain.ErrInvalidCode):
		return http.StatusUnauthorized, "invalid_code"
	case errors.Is(err, domain.ErrCodeExpired):
		return http.StatusUnauthorized, "code_expired"
	case errors.Is(err, domain.ErrSessionExpired):
		return http.StatusUnauthorized, "invalid_session"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
		return false
	}
	return true
}
