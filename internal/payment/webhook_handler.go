package payment

import (
	"log/slog"
	"net/http"

	"github.com/starforge/botpay/internal/transport"
)

// WebhookHandler is the gateway-facing endpoint. Responses are the plain-text
// acknowledgment tokens the gateway protocol expects, not JSON.
type WebhookHandler struct {
	*transport.BaseHandler
	engine *ReconciliationEngine
	logger *slog.Logger
}

func NewWebhookHandler(baseHandler *transport.BaseHandler, engine *ReconciliationEngine, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		BaseHandler: baseHandler,
		engine:      engine,
		logger:      logger,
	}
}

// HandlePaymentResult handles POST /payment/result
// (application/x-www-form-urlencoded).
func (h *WebhookHandler) HandlePaymentResult(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		// No parseable form means no shp_ parameters; no signature was
		// checked, so don't answer with the signature token.
		h.logger.Error("failed to parse result callback form", "error", err)
		h.WritePlainText(w, http.StatusBadRequest, TokenMissingShpParams)
		return
	}

	cb := ParseResultCallback(r.Form)

	h.logger.Info("received payment result callback",
		"inv_id", cb.InvID,
		"out_sum", cb.OutSum,
		"is_test", cb.IsTest,
		"signature_present", cb.Signature != "")

	outcome := h.engine.HandleResult(r.Context(), cb)

	h.logger.Info("payment result callback handled",
		"inv_id", cb.InvID,
		"outcome", string(outcome.Code),
		"status", outcome.HTTPStatus)

	h.WritePlainText(w, outcome.HTTPStatus, outcome.Token)
}
