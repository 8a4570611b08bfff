package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/anstrom/v6ledger/internal/logging"
	"github.com/anstrom/v6ledger/internal/reconcile"
)

//go:generate mockgen -source=reconcile.go -destination=mocks/reconciler_mock.go -package=mocks Reconciler

// Reconciler runs bulk inventory operations. *reconcile.Coordinator
// implements it.
type Reconciler interface {
	Reconcile(ctx context.Context, kind reconcile.Kind, req *reconcile.Request) (*reconcile.Result, error)
	DeleteAddresses(ctx context.Context, ids []int64) (*reconcile.Result, error)
}

// ReconcileHandler handles the write endpoints.
type ReconcileHandler struct {
	reconciler  Reconciler
	logger      *logging.Logger
	maxBodySize int64
}

// NewReconcileHandler creates a new reconcile handler.
func NewReconcileHandler(reconciler Reconciler, logger *logging.Logger, maxBodySize int64) *ReconcileHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &ReconcileHandler{
		reconciler:  reconciler,
		logger:      logger.WithComponent("api.reconcile"),
		maxBodySize: maxBodySize,
	}
}

// DeleteRequest is the body of POST /api/v1/addresses/delete.
type DeleteRequest struct {
	AddressIDs []int64 `json:"addressIds"`
}

// Vulnerabilities handles POST /api/v1/reconcile/vulnerabilities.
func (h *ReconcileHandler) Vulnerabilities(w http.ResponseWriter, r *http.Request) {
	h.reconcile(w, r, reconcile.KindVulnerability)
}

// Protocols handles POST /api/v1/reconcile/protocols.
func (h *ReconcileHandler) Protocols(w http.ResponseWriter, r *http.Request) {
	h.reconcile(w, r, reconcile.KindProtocol)
}

// IIDTypes handles POST /api/v1/reconcile/iid-types.
func (h *ReconcileHandler) IIDTypes(w http.ResponseWriter, r *http.Request) {
	h.reconcile(w, r, reconcile.KindIID)
}

// Import handles POST /api/v1/addresses/import.
func (h *ReconcileHandler) Import(w http.ResponseWriter, r *http.Request) {
	h.reconcile(w, r, reconcile.KindImport)
}

// Delete handles POST /api/v1/addresses/delete.
func (h *ReconcileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	var req DeleteRequest
	if err := parseJSON(w, r, &req, h.maxBodySize); err != nil {
		writeError(w, r, err, h.logger)
		return
	}

	result, err := h.reconciler.DeleteAddresses(r.Context(), req.AddressIDs)
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}
	writeSuccess(w, r, http.StatusOK, successMessage(reconcile.KindDelete, result), result)
}

func (h *ReconcileHandler) reconcile(w http.ResponseWriter, r *http.Request, kind reconcile.Kind) {
	var req reconcile.Request
	if err := parseJSON(w, r, &req, h.maxBodySize); err != nil {
		writeError(w, r, err, h.logger)
		return
	}

	result, err := h.reconciler.Reconcile(r.Context(), kind, &req)
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}
	writeSuccess(w, r, http.StatusOK, successMessage(kind, result), result)
}

func successMessage(kind reconcile.Kind, result *reconcile.Result) string {
	switch kind {
	case reconcile.KindVulnerability:
		return fmt.Sprintf("updated vulnerability status for %d addresses", result.AffectedRows)
	case reconcile.KindProtocol:
		return fmt.Sprintf("updated protocol support for %d addresses", result.AffectedRows)
	case reconcile.KindIID:
		return fmt.Sprintf("updated IID classification for %d addresses", result.AffectedRows)
	case reconcile.KindImport:
		return fmt.Sprintf("imported %d IPv6 addresses", result.Inserted)
	case reconcile.KindDelete:
		return fmt.Sprintf("deleted %d addresses", result.AffectedRows)
	default:
		return "ok"
	}
}
