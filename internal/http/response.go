package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"PaymentProcessor/internal/models"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

// statusFor maps the processor's error taxonomy onto HTTP.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrPaused):
		return http.StatusForbidden, "PAUSED"
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, models.ErrInsufficientFunds), errors.Is(err, models.ErrInsufficientAllowance):
		return http.StatusBadRequest, "INSUFFICIENT_FUNDS"
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, models.ErrInvalidState):
		return http.StatusConflict, "INVALID_STATE"
	case errors.Is(err, models.ErrAssetMismatch):
		return http.StatusUnprocessableEntity, "ASSET_MISMATCH"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}
