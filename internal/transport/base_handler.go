package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"

	internal "github.com/starforge/botpay/internal"
	"github.com/starforge/botpay/pkg/logger"
)

// BaseHandler provides common functionality for HTTP handlers
type BaseHandler struct {
	Logger *slog.Logger
}

func NewBaseHandler(lg *slog.Logger) *BaseHandler {
	if lg == nil {
		lg = logger.L()
	}
	return &BaseHandler{Logger: lg}
}

// WriteJSON writes a JSON response
func (h *BaseHandler) WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.Logger.Error("failed to encode JSON response", "error", err)
	}
}

// WritePlainText writes a bare text token. The payment gateway protocol
// expects these, not JSON envelopes.
func (h *BaseHandler) WritePlainText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(body)); err != nil {
		h.Logger.Error("failed to write plain text response", "error", err)
	}
}

// HandleError maps an AppError onto the wire; anything else becomes a 500.
func (h *BaseHandler) HandleError(w http.ResponseWriter, err error) {
	if appErr, ok := internal.IsAppError(err); ok {
		status, body := appErr.ToHTTPResponse()
		if status >= http.StatusInternalServerError {
			h.Logger.Error("request failed", "status", status, "error", appErr.Error())
		} else {
			h.Logger.Warn("request rejected", "status", status, "message", appErr.Message)
		}
		h.WriteJSON(w, status, body)
		return
	}

	h.Logger.Error("unhandled error", "error", err)
	status, body := internal.NewInternalError("internal server error", err).ToHTTPResponse()
	h.WriteJSON(w, status, body)
}
