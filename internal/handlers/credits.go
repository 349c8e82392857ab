package handlers

import (
	"net/http"
	"strconv"
	"time"

	"soundswap/internal/middleware"
	"soundswap/internal/models"
	"soundswap/internal/services"
	"soundswap/internal/validator"
)

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	principalID, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	balance, err := h.ledger.CheckBalance(r.Context(), principalID, r.URL.Query().Get("type"))
	if err != nil {
		h.respondServiceError(w, err, "balance_unavailable")
		return
	}
	respondJSON(w, http.StatusOK, balance)
}

type deductRequest struct {
	CreditType string `json:"credit_type" validate:"required"`
	// Amount is nil when the caller leaves it out, which charges one credit.
	Amount     *int64 `json:"amount"`
	RequestID  string `json:"request_id" validate:"omitempty,token"`
}

func (h *Handler) Deduct(w http.ResponseWriter, r *http.Request) {
	principalID, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req deductRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if errs := validator.ValidateStruct(req); errs != nil {
		respondValidation(w, errs)
		return
	}
	amount := int64(1)
	if req.Amount != nil {
		amount = *req.Amount
	}
	if amount < 1 {
		respondError(w, http.StatusBadRequest, "invalid_amount")
		return
	}
	result, err := h.ledger.Deduct(r.Context(), services.DeductRequest{
		PrincipalID: principalID,
		CreditType:  models.CreditType(req.CreditType),
		Amount:      amount,
		RequestID:   req.RequestID,
	})
	if err != nil {
		h.respondServiceError(w, err, "deduct_failed")
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	respondJSON(w, status, result)
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	principalID, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	h.listTransactions(w, r, principalID)
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request, principalID string) {
	filter, err := parseListFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_filter")
		return
	}
	page, err := h.ledger.ListTransactions(r.Context(), principalID, filter)
	if err != nil {
		h.respondServiceError(w, err, "unable to load transactions")
		return
	}
	respondJSON(w, http.StatusOK, page)
}

// parseListFilter reads credit_type, kind, since, until (RFC 3339), limit and
// either offset or a 1-based page.
func parseListFilter(r *http.Request) (services.ListFilter, error) {
	query := r.URL.Query()
	filter := services.ListFilter{
		CreditType: models.CreditType(query.Get("credit_type")),
		Kind:       models.TransactionKind(query.Get("kind")),
	}
	for _, bound := range []struct {
		key  string
		dest **time.Time
	}{{"since", &filter.Since}, {"until", &filter.Until}} {
		raw := query.Get(bound.key)
		if raw == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return services.ListFilter{}, err
		}
		*bound.dest = &parsed
	}
	var err error
	if filter.Limit, err = optionalInt(query.Get("limit")); err != nil {
		return services.ListFilter{}, err
	}
	if filter.Offset, err = optionalInt(query.Get("offset")); err != nil {
		return services.ListFilter{}, err
	}
	if raw := query.Get("page"); raw != "" && query.Get("offset") == "" {
		limit := filter.Limit
		if limit == 0 {
			limit = services.DefaultListLimit
		}
		filter.Offset = (parseInt(raw, 1) - 1) * limit
	}
	return filter, nil
}

func optionalInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
