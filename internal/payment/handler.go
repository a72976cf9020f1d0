package payment

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"

	internal "github.com/starforge/botpay/internal"
	"github.com/starforge/botpay/internal/transport"
)

type Handler struct {
	*transport.BaseHandler
	service *PaymentService
	sweeper *Sweeper
	logger  *slog.Logger
}

func NewHandler(baseHandler *transport.BaseHandler, service *PaymentService, sweeper *Sweeper, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: baseHandler,
		service:     service,
		sweeper:     sweeper,
		logger:      logger,
	}
}

// CreateInvoice handles POST /payment/invoice
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("CreateInvoice: failed to parse request body", "error", err)
		h.HandleError(w, internal.NewValidationError("invalid request body", internal.ErrCodeValidationFailed))
		return
	}

	resp, err := h.service.CreateInvoice(r.Context(), &req)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusCreated, resp)
}

// GetPayment handles GET /payment/{uuid}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	paymentUUID := chi.URLParam(r, "uuid")
	if paymentUUID == "" {
		h.HandleError(w, internal.NewValidationError("payment uuid is required", internal.ErrCodeValidationFailed))
		return
	}

	view, err := h.service.GetPayment(r.Context(), paymentUUID)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, view)
}

// PaymentStats handles GET /admin/payments/stats
func (h *Handler) PaymentStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.service.Stats(r.Context())
	if err != nil {
		h.HandleError(w, internal.NewTransientError("failed to read payment stats", err))
		return
	}

	h.WriteJSON(w, http.StatusOK, map[string]interface{}{"by_status": counts})
}

// TriggerReconcile handles POST /admin/reconcile: runs the repair sweep now
// instead of waiting for the schedule.
func (h *Handler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	repaired, err := h.sweeper.Sweep(internal.Detach(r.Context()))
	if err != nil {
		h.HandleError(w, internal.NewTransientError("reconciliation sweep failed", err))
		return
	}

	h.WriteJSON(w, http.StatusOK, map[string]interface{}{"repaired": repaired})
}
