package balance

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	internal "github.com/starforge/botpay/internal"
	"github.com/starforge/botpay/internal/transport"
)

type Handler struct {
	*transport.BaseHandler
	ledger Ledger
	logger *slog.Logger
}

func NewHandler(baseHandler *transport.BaseHandler, ledger Ledger, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: baseHandler,
		ledger:      ledger,
		logger:      logger,
	}
}

type BalanceResponse struct {
	UserID  int64 `json:"user_id"`
	Balance int64 `json:"balance"`
}

// ChargeRequest debits stars for one generation job. JobID is the idempotency
// key the caller must supply; the ledger records it with the entry.
type ChargeRequest struct {
	UserID int64  `json:"user_id"`
	JobID  string `json:"job_id"`
	Stars  int64  `json:"stars"`
}

func (r *ChargeRequest) Validate() error {
	if r.UserID <= 0 {
		return internal.NewValidationError("user_id is required", internal.ErrCodeValidationFailed)
	}
	if r.JobID == "" {
		return internal.NewValidationError("job_id is required", internal.ErrCodeValidationFailed)
	}
	if r.Stars <= 0 {
		return internal.NewValidationError("stars must be positive", internal.ErrCodeInvalidAmount)
	}
	return nil
}

type ChargeResponse struct {
	UserID     int64  `json:"user_id"`
	JobID      string `json:"job_id"`
	NewBalance int64  `json:"new_balance"`
}

// GetBalance handles GET /balance/{userID}
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		h.HandleError(w, internal.NewValidationError("invalid user id", internal.ErrCodeValidationFailed))
		return
	}

	stars, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, BalanceResponse{UserID: userID, Balance: stars})
}

// Charge handles POST /billing/charge
func (h *Handler) Charge(w http.ResponseWriter, r *http.Request) {
	var req ChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Charge: failed to parse request body", "error", err)
		h.HandleError(w, internal.NewValidationError("invalid request body", internal.ErrCodeValidationFailed))
		return
	}

	if err := req.Validate(); err != nil {
		h.HandleError(w, err)
		return
	}

	newBalance, err := h.ledger.Debit(r.Context(), req.UserID, req.Stars, GenerationRef(req.JobID))
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.logger.Info("generation charge applied",
		"user_id", req.UserID,
		"job_id", req.JobID,
		"stars", req.Stars,
		"new_balance", newBalance)

	h.WriteJSON(w, http.StatusOK, ChargeResponse{
		UserID:     req.UserID,
		JobID:      req.JobID,
		NewBalance: newBalance,
	})
}
