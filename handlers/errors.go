package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"resumekit.app/unlock/internal/logger"
	"resumekit.app/unlock/models"
)

// userError maps a domain error to a status code and a message safe to show
// in the editor. Unknown errors become a generic 500.
func userError(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrMalformedRequest):
		return http.StatusBadRequest, "Invalid request"
	case errors.Is(err, models.ErrUnknownGateway):
		return http.StatusBadRequest, "Unsupported payment gateway"
	case errors.Is(err, models.ErrRateLimited):
		return http.StatusTooManyRequests, "Too many download requests, please try again later"

	case errors.Is(err, models.ErrEntitlementNotFound):
		return http.StatusForbidden, "This template has not been unlocked"
	case errors.Is(err, models.ErrEntitlementExhausted):
		return http.StatusForbidden, "Download limit reached for this template"
	case errors.Is(err, models.ErrEntitlementExpired):
		return http.StatusForbidden, "Access to this template has expired"
	case errors.Is(err, models.ErrEntitlementInactive):
		return http.StatusForbidden, "Access to this template has been revoked"

	case errors.Is(err, models.ErrTokenNotFound):
		return http.StatusForbidden, "Invalid download link"
	case errors.Is(err, models.ErrTokenExpired):
		return http.StatusForbidden, "Download link has expired"
	case errors.Is(err, models.ErrTokenOwnerMismatch):
		return http.StatusForbidden, "Download link belongs to another session"
	case errors.Is(err, models.ErrTokenUsed):
		return http.StatusForbidden, "Download link has already been used"
	}
	return http.StatusInternalServerError, "Internal server error"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError logs unexpected failures and answers with the mapped
// user-facing message.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := userError(err)
	if status >= 500 {
		logger.Error("Request failed", map[string]interface{}{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
	}
	writeErrorResponse(w, status, message)
}
