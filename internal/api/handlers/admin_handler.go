package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/axeelhrz/FidelyaEnd-sub000/internal/ledger"
)

type AdminHandler struct {
	reconciler *ledger.Reconciler
	logger     *zap.Logger
}

func NewAdminHandler(reconciler *ledger.Reconciler, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{reconciler: reconciler, logger: logger}
}

// Reconcile handles GET /admin/reconcile, optionally scoped with ?benefit_id=.
func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var (
		rep ledger.Report
		err error
	)
	if id := r.URL.Query().Get("benefit_id"); id != "" {
		rep, err = h.reconciler.ReconcileBenefit(r.Context(), id)
	} else {
		rep, err = h.reconciler.ReconcileAll(r.Context())
	}
	if err != nil {
		h.logger.Error("reconcile", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	if rep.Discrepancies == nil {
		rep.Discrepancies = []ledger.Discrepancy{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     rep.OK(),
		"report": rep,
	})
}
