package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/axeelhrz/FidelyaEnd-sub000/internal/models"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/repository"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/service"
)

// --- Request / Response DTOs ---

type CreateBenefitRequest struct {
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	Discount       models.Discount `json:"discount"`
	ValidFrom      string          `json:"valid_from"`  // RFC3339
	ValidUntil     string          `json:"valid_until"` // RFC3339
	PerMemberLimit *int            `json:"per_member_limit,omitempty"`
	TotalLimit     *int            `json:"total_limit,omitempty"`
}

type BenefitListResponse struct {
	Benefits []models.Benefit `json:"benefits"`
}

// --- Handler struct & constructor ---

type BenefitHandler struct {
	catalog *service.CatalogService
	ledger  repository.LedgerStore
	logger  *zap.Logger
}

func NewBenefitHandler(catalog *service.CatalogService, ledger repository.LedgerStore, logger *zap.Logger) *BenefitHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BenefitHandler{catalog: catalog, ledger: ledger, logger: logger}
}

// --- Handlers ---

// CreateBenefit handles POST /merchants/{merchantID}/benefits
func (h *BenefitHandler) CreateBenefit(w http.ResponseWriter, r *http.Request) {
	var req CreateBenefitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	from, err := parseTimeOrEmpty(req.ValidFrom)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_valid_from", err.Error())
		return
	}
	until, err := parseTimeOrEmpty(req.ValidUntil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_valid_until", err.Error())
		return
	}

	b, err := h.catalog.CreateBenefit(r.Context(), models.NewBenefit{
		MerchantID:     chi.URLParam(r, "merchantID"),
		Title:          req.Title,
		Description:    req.Description,
		Discount:       req.Discount,
		ValidFrom:      from,
		ValidUntil:     until,
		PerMemberLimit: req.PerMemberLimit,
		TotalLimit:     req.TotalLimit,
	})
	if err != nil {
		h.catalogError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// ListBenefits handles GET /merchants/{merchantID}/benefits
func (h *BenefitHandler) ListBenefits(w http.ResponseWriter, r *http.Request) {
	list, err := h.catalog.ListBenefits(r.Context(), chi.URLParam(r, "merchantID"))
	if err != nil {
		h.catalogError(w, err)
		return
	}
	if list == nil {
		list = []models.Benefit{}
	}
	writeJSON(w, http.StatusOK, BenefitListResponse{Benefits: list})
}

// GetBenefit handles GET /benefits/{id}
func (h *BenefitHandler) GetBenefit(w http.ResponseWriter, r *http.Request) {
	b, err := h.catalog.GetBenefit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.catalogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// UpdateBenefit handles PATCH /benefits/{id}
func (h *BenefitHandler) UpdateBenefit(w http.ResponseWriter, r *http.Request) {
	var patch models.BenefitPatch
	if err := decodeBody(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	b, err := h.catalog.UpdateBenefit(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.catalogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// PauseBenefit handles POST /benefits/{id}/pause
func (h *BenefitHandler) PauseBenefit(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

// ResumeBenefit handles POST /benefits/{id}/resume
func (h *BenefitHandler) ResumeBenefit(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *BenefitHandler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	b, err := h.catalog.SetBenefitActive(r.Context(), chi.URLParam(r, "id"), active)
	if err != nil {
		h.catalogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// MemberUsage handles GET /benefits/{id}/usage/{memberID}
func (h *BenefitHandler) MemberUsage(w http.ResponseWriter, r *http.Request) {
	c, err := h.ledger.MemberUsage(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "memberID"))
	if err != nil {
		h.logger.Error("member usage", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *BenefitHandler) catalogError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrBenefitNotFound):
		writeError(w, http.StatusNotFound, "benefit_not_found", "")
	case errors.Is(err, service.ErrMerchantNotFound):
		writeError(w, http.StatusNotFound, "merchant_not_found", "")
	case errors.Is(err, service.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, service.ErrImmutableAfterUse):
		writeError(w, http.StatusConflict, "immutable_after_use", err.Error())
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, service.ErrInvalidDiscount):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusServiceUnavailable, "storage_conflict", "retry the request")
	default:
		h.logger.Error("catalog operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "")
	}
}
