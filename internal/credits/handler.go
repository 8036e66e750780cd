package credits

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/recipebox/backend/internal/catalog"
	"github.com/recipebox/backend/internal/middleware"
	"github.com/recipebox/backend/internal/models"
	"github.com/recipebox/backend/internal/validate"
)

type Handler struct {
	svc       Service
	validator *validate.Validator
	log       *slog.Logger
}

func NewHandler(svc Service, validator *validate.Validator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, validator: validator, log: log}
}

type useFeatureResponse struct {
	Feature       string `json:"feature"`
	CreditBalance int    `json:"credit_balance"`
}

// POST /api/v1/features/{name}/use
func (h *Handler) UseFeature(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	name := chi.URLParam(r, "name")
	balance, err := h.svc.ConsumeFeature(r.Context(), acc.ID, name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, useFeatureResponse{Feature: name, CreditBalance: balance})
	case errors.Is(err, ErrFeatureNotEntitled):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrInsufficientCredits):
		writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": err.Error()})
	default:
		h.log.Error("consume feature failed", "account_id", acc.ID, "feature", name, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// GET /api/v1/credits/ledger
func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	entries, err := h.svc.Ledger(r.Context(), acc.ID)
	if err != nil {
		h.log.Error("list ledger failed", "account_id", acc.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if entries == nil {
		entries = []*models.CreditLedger{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type tierChangeRequest struct {
	Tier         models.Tier         `json:"tier"`
	BillingCycle models.BillingCycle `json:"billing_cycle"`
}

// POST /api/v1/admin/accounts/{id}/tier
func (h *Handler) ChangeTier(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "account not found"})
		return
	}
	var req tierChangeRequest
	if err := h.validator.Decode(r.Body, validate.TierChange, &req); err != nil {
		h.writeDecodeError(w, err)
		return
	}

	acc, err := h.svc.ChangeTier(r.Context(), id, req.Tier, req.BillingCycle)
	switch {
	case err == nil:
		h.log.Info("subscription tier changed", "account_id", id, "tier", acc.Tier,
			"by", actorID(r))
		writeJSON(w, http.StatusOK, acc)
	case errors.Is(err, ErrAccountNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrInvalidPlan), errors.Is(err, catalog.ErrPlanNotFound):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no active plan for that tier and billing cycle"})
	default:
		h.log.Error("change tier failed", "account_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (h *Handler) writeDecodeError(w http.ResponseWriter, err error) {
	var ve *validate.Error
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": ve.Fields})
		return
	}
	h.log.Error("decode request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func actorID(r *http.Request) string {
	if acc := middleware.AccountFromCtx(r.Context()); acc != nil {
		return acc.ID.String()
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
