package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/axeelhrz/FidelyaEnd-sub000/internal/qrcode"
)

type ResolveRequest struct {
	Payload string `json:"payload"`
}

type QRHandler struct {
	resolver *qrcode.Resolver
	logger   *zap.Logger
}

func NewQRHandler(resolver *qrcode.Resolver, logger *zap.Logger) *QRHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QRHandler{resolver: resolver, logger: logger}
}

// MerchantCode handles GET /merchants/{merchantID}/qr
func (h *QRHandler) MerchantCode(w http.ResponseWriter, r *http.Request) {
	code, err := h.resolver.Encode(r.Context(), chi.URLParam(r, "merchantID"))
	if err != nil {
		h.qrError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, code)
}

// Resolve handles POST /qr/resolve
func (h *QRHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	resolved, err := h.resolver.Resolve(r.Context(), req.Payload)
	if err != nil {
		h.qrError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

func (h *QRHandler) qrError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, qrcode.ErrInvalidCode):
		writeError(w, http.StatusBadRequest, "invalid_code", "")
	case errors.Is(err, qrcode.ErrMerchantNotFound):
		writeError(w, http.StatusNotFound, "merchant_not_found", "")
	default:
		h.logger.Error("qr operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "")
	}
}
