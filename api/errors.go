package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/ironsign/provider"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// statusForKind maps a canonical error kind to the HTTP status returned at
// the boundary.
func statusForKind(kind provider.Kind) int {
	switch kind {
	case provider.KindSessionNotFound, provider.KindProviderNotFound:
		return http.StatusNotFound
	case provider.KindSessionExpired, provider.KindInvalidSession,
		provider.KindAuthFailed, provider.KindInvalidOtp, provider.KindInvalidPin:
		return http.StatusUnauthorized
	case provider.KindCredentialLocked:
		return http.StatusLocked
	case provider.KindRateLimited:
		return http.StatusTooManyRequests
	case provider.KindNoSignaturesLeft, provider.KindRefreshNotSupported, provider.KindRefreshRequiresOtp:
		return http.StatusConflict
	case provider.KindProviderNotConfigured, provider.KindNoDefaultProvider:
		return http.StatusServiceUnavailable
	case provider.KindServerError, provider.KindNetworkError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) ErrorResponse {
	var pe *provider.Error
	if errors.As(err, &pe) {
		return ErrorResponse{Error: pe.Error(), Kind: pe.Kind, Retryable: pe.Retryable}
	}
	return ErrorResponse{Error: err.Error()}
}

func mapError(w http.ResponseWriter, err error) {
	writeJSON(w, statusForKind(provider.KindOf(err)), errorBody(err))
}

// isAuthFailure reports whether err means the presented credentials were
// rejected, as opposed to the provider being unreachable.
func isAuthFailure(err error) bool {
	switch provider.KindOf(err) {
	case provider.KindAuthFailed, provider.KindInvalidOtp, provider.KindInvalidPin, provider.KindCredentialLocked:
		return true
	}
	return false
}
