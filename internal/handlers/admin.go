package handlers

import (
	"net/http"

	"soundswap/internal/middleware"
	"soundswap/internal/models"
	"soundswap/internal/services"
	"soundswap/internal/validator"

	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"
)

type provisionRequest struct {
	PrincipalID string           `json:"principal_id" validate:"required,principal"`
	Balances    map[string]int64 `json:"balances"`
}

func (h *Handler) ProvisionAccount(w http.ResponseWriter, r *http.Request) {
	actorID, _ := middleware.PrincipalFromContext(r.Context())
	var req provisionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if errs := validator.ValidateStruct(req); errs != nil {
		respondValidation(w, errs)
		return
	}
	var balances map[models.CreditType]int64
	if req.Balances != nil {
		balances = make(map[models.CreditType]int64, len(req.Balances))
		for raw, amount := range req.Balances {
			balances[models.CreditType(raw)] = amount
		}
	}
	account, err := h.ledger.ProvisionAccount(r.Context(), services.ProvisionRequest{
		PrincipalID: req.PrincipalID,
		Balances:    balances,
		ActorID:     actorID,
	})
	if err != nil {
		h.respondServiceError(w, err, "provision_failed")
		return
	}
	respondJSON(w, http.StatusCreated, account)
}

type grantCreditsRequest struct {
	PrincipalID      string `json:"principal_id" validate:"required,principal"`
	CreditType       string `json:"credit_type" validate:"required"`
	Amount           int64  `json:"amount" validate:"gt=0"`
	CorrelationToken string `json:"correlation_token" validate:"omitempty,token"`
}

func (h *Handler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	actorID, _ := middleware.PrincipalFromContext(r.Context())
	var req grantCreditsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if errs := validator.ValidateStruct(req); errs != nil {
		respondValidation(w, errs)
		return
	}
	result, err := h.ledger.Credit(r.Context(), services.CreditRequest{
		PrincipalID:      req.PrincipalID,
		CreditType:       models.CreditType(req.CreditType),
		Amount:           req.Amount,
		CorrelationToken: req.CorrelationToken,
		ActorID:          actorID,
	})
	if err != nil {
		h.respondServiceError(w, err, "grant_failed")
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	respondJSON(w, status, result)
}

func (h *Handler) AdminListTransactions(w http.ResponseWriter, r *http.Request) {
	principalID := chi.URLParam(r, "id")
	if err := validator.ValidatePrincipalID(principalID); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_principal_id")
		return
	}
	h.listTransactions(w, r, principalID)
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.ledger.Reconcile(r.Context())
	if err != nil {
		h.respondServiceError(w, err, "unable to reconcile balances")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":         report.OK(),
		"accounts":   report.Accounts,
		"balances":   report.Balances,
		"mismatches": report.Mismatches,
	})
}

func (h *Handler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := parseInt(query.Get("limit"), 50)
	if limit > services.MaxListLimit {
		limit = services.MaxListLimit
	}
	page := parseInt(query.Get("page"), 1)
	offset := (page - 1) * limit
	rows, err := h.audit.List(r.Context(), limit, offset)
	if err != nil {
		h.respondOpaque(w, http.StatusInternalServerError, "unable to load audit logs", err)
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

type promoteRequest struct {
	PrincipalID string `json:"principal_id" validate:"required,principal"`
}

func (h *Handler) PromoteAdmin(w http.ResponseWriter, r *http.Request) {
	actorID, _ := middleware.PrincipalFromContext(r.Context())
	var req promoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if errs := validator.ValidateStruct(req); errs != nil {
		respondValidation(w, errs)
		return
	}
	err := h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		if err := h.admin.CreateAdmin(r.Context(), tx, req.PrincipalID, false, actorID); err != nil {
			return err
		}
		return h.audit.Log(r.Context(), tx, actorID, "promote_admin", "admin", req.PrincipalID, map[string]string{
			"target_principal_id": req.PrincipalID,
		})
	})
	if err != nil {
		h.respondOpaque(w, http.StatusInternalServerError, "unable to promote admin", err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"status": "promoted"})
}

type grantRoleRequest struct {
	AdminUserID string `json:"admin_user_id" validate:"required,principal"`
	Role        string `json:"role" validate:"required,oneof=credit_grant reconcile audit_read provision"`
}

func (h *Handler) GrantRole(w http.ResponseWriter, r *http.Request) {
	actorID, _ := middleware.PrincipalFromContext(r.Context())
	var req grantRoleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if errs := validator.ValidateStruct(req); errs != nil {
		respondValidation(w, errs)
		return
	}
	isAdmin, isSuper, err := h.admin.IsAdmin(r.Context(), req.AdminUserID)
	if err != nil {
		h.respondOpaque(w, http.StatusInternalServerError, "unable to verify target admin", err)
		return
	}
	if !isAdmin {
		respondError(w, http.StatusBadRequest, "target is not an admin")
		return
	}
	if isSuper {
		respondError(w, http.StatusBadRequest, "cannot assign roles to super admin")
		return
	}
	err = h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		if err := h.admin.GrantRole(r.Context(), tx, req.AdminUserID, req.Role); err != nil {
			return err
		}
		return h.audit.Log(r.Context(), tx, actorID, "grant_role", "admin_role", req.AdminUserID, map[string]string{
			"admin_user_id": req.AdminUserID,
			"role":          req.Role,
		})
	})
	if err != nil {
		h.respondOpaque(w, http.StatusInternalServerError, "unable to grant role", err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"status": "role_granted"})
}
