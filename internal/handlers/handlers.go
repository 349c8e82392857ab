package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"soundswap/internal/services"
	"soundswap/internal/store"
	"soundswap/internal/validator"
)

const maxBodyBytes = 64 << 10

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondValidation(w http.ResponseWriter, errs []validator.ValidationError) {
	respondJSON(w, http.StatusBadRequest, map[string]any{
		"error":  "validation_failed",
		"fields": errs,
	})
}

// respondServiceError maps ledger errors onto status codes. Unclassified
// failures only carry their message outside production.
func (h *Handler) respondServiceError(w http.ResponseWriter, err error, fallback string) {
	var insufficient *services.InsufficientCreditsError
	var unsupported *store.QueryUnsupportedError
	switch {
	case errors.As(err, &insufficient):
		respondJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":       "insufficient_credits",
			"credit_type": insufficient.CreditType,
			"required":    insufficient.Required,
			"available":   insufficient.Available,
		})
	case errors.As(err, &unsupported):
		respondJSON(w, http.StatusBadRequest, map[string]any{
			"error":           "query_unsupported",
			"required_fields": unsupported.Fields,
		})
	case errors.Is(err, services.ErrAccountNotFound):
		respondError(w, http.StatusNotFound, "account_not_found")
	case errors.Is(err, services.ErrAccountExists):
		respondError(w, http.StatusConflict, "account_exists")
	case errors.Is(err, services.ErrCorrelationTokenReused):
		respondError(w, http.StatusConflict, "correlation_token_reused")
	case errors.Is(err, services.ErrInvalidCreditType):
		respondError(w, http.StatusBadRequest, "invalid_credit_type")
	case errors.Is(err, services.ErrUnknownProduct):
		respondError(w, http.StatusBadRequest, "unknown_product")
	case errors.Is(err, services.ErrInvalidAmount):
		respondError(w, http.StatusBadRequest, "invalid_amount")
	case errors.Is(err, services.ErrInvalidFilter):
		respondError(w, http.StatusBadRequest, "invalid_filter")
	case errors.Is(err, services.ErrMissingCorrelationToken):
		respondError(w, http.StatusBadRequest, "correlation_token_required")
	case errors.Is(err, services.ErrStoreUnavailable):
		w.Header().Set("Retry-After", "1")
		h.respondOpaque(w, http.StatusServiceUnavailable, "store_unavailable", err)
	default:
		h.respondOpaque(w, http.StatusInternalServerError, fallback, err)
	}
}

func (h *Handler) respondOpaque(w http.ResponseWriter, status int, code string, err error) {
	if h.cfg.IsProduction() {
		respondError(w, status, code)
		return
	}
	respondJSON(w, status, map[string]string{"error": code, "detail": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	return true
}

func parseInt(raw string, fallback int) int {
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
