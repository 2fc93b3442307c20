package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/axeelhrz/FidelyaEnd-sub000/internal/models"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/qrcode"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/repository"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/service"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	timeoutMessage    = "estado desconocido, reintente con la misma clave"
)

// --- Request / Response DTOs ---

type RedemptionRequest struct {
	MemberID       string          `json:"member_id"`
	BenefitID      string          `json:"benefit_id"`
	MerchantID     string          `json:"merchant_id,omitempty"`
	QRPayload      string          `json:"qr_payload,omitempty"`
	OriginalAmount decimal.Decimal `json:"original_amount"`
	Timestamp      string          `json:"timestamp,omitempty"` // optional, RFC3339
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type RedemptionResponse struct {
	Status         service.Status         `json:"status"`
	Replayed       bool                   `json:"replayed,omitempty"`
	Receipt        *service.Receipt       `json:"receipt,omitempty"`
	RecordID       string                 `json:"record_id,omitempty"`
	Reason         models.RejectionReason `json:"reason,omitempty"`
	State          models.BenefitState    `json:"state,omitempty"`
	Message        string                 `json:"message,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
}

// --- Handler struct & constructor ---

// Redeemer is the engine surface the handler needs.
type Redeemer interface {
	AttemptRedemption(ctx context.Context, req service.AttemptRequest) (service.Result, error)
}

type RedemptionHandler struct {
	engine   Redeemer
	resolver *qrcode.Resolver
	ledger   repository.LedgerStore
	logger   *zap.Logger
}

func NewRedemptionHandler(engine Redeemer, resolver *qrcode.Resolver, ledger repository.LedgerStore, logger *zap.Logger) *RedemptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedemptionHandler{engine: engine, resolver: resolver, ledger: ledger, logger: logger}
}

// --- Handlers ---

// AttemptRedemption handles POST /redemptions
func (h *RedemptionHandler) AttemptRedemption(w http.ResponseWriter, r *http.Request) {
	var req RedemptionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	if key == "" {
		key = strings.TrimSpace(req.IdempotencyKey)
	}
	now, err := parseTimeOrEmpty(req.Timestamp)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_timestamp", err.Error())
		return
	}

	merchantID := strings.TrimSpace(req.MerchantID)
	if req.QRPayload != "" {
		resolved, err := h.resolver.Resolve(r.Context(), req.QRPayload)
		switch {
		case errors.Is(err, qrcode.ErrInvalidCode):
			writeError(w, http.StatusBadRequest, "invalid_code", "")
			return
		case errors.Is(err, qrcode.ErrMerchantNotFound):
			writeError(w, http.StatusNotFound, "merchant_not_found", "")
			return
		case err != nil:
			h.logger.Error("resolve qr payload", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal_error", "")
			return
		}
		if merchantID != "" && merchantID != resolved.Merchant.ID {
			writeError(w, http.StatusBadRequest, "merchant_mismatch", "merchant_id does not match the scanned code")
			return
		}
		merchantID = resolved.Merchant.ID
	}

	res, err := h.engine.AttemptRedemption(r.Context(), service.AttemptRequest{
		MemberID:       strings.TrimSpace(req.MemberID),
		BenefitID:      strings.TrimSpace(req.BenefitID),
		MerchantID:     merchantID,
		Now:            now,
		OriginalAmount: req.OriginalAmount,
		IdempotencyKey: key,
	})
	if errors.Is(err, service.ErrInvalidRequest) {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	writeResult(w, res, key)
}

// GetRedemption handles GET /redemptions/{idempotencyKey}, the lookup clients
// use after a timeout before retrying.
func (h *RedemptionHandler) GetRedemption(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "idempotencyKey")
	rec, err := h.ledger.RecordByIdempotencyKey(r.Context(), key)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "")
		return
	}
	if err != nil {
		h.logger.Error("lookup redemption", zap.String("idempotency_key", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	res := service.ResultFromRecord(*rec)
	res.Replayed = true
	writeResult(w, res, key)
}

func writeResult(w http.ResponseWriter, res service.Result, key string) {
	resp := RedemptionResponse{Status: res.Status, Replayed: res.Replayed, IdempotencyKey: key}
	switch res.Status {
	case service.StatusAccepted:
		resp.Receipt = res.Receipt
		code := http.StatusCreated
		if res.Replayed {
			code = http.StatusOK
		}
		writeJSON(w, code, resp)
	case service.StatusRejected:
		resp.RecordID = res.Rejection.RecordID
		resp.Reason = res.Rejection.Reason
		resp.State = res.Rejection.State
		resp.Message = res.Rejection.Message
		writeJSON(w, http.StatusOK, resp)
	default:
		resp.Status = service.StatusTimeout
		resp.Message = timeoutMessage
		writeJSON(w, http.StatusGatewayTimeout, resp)
	}
}
