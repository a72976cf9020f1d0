package payment

import (
	"net/url"
	"strconv"

	internal "github.com/starforge/botpay/internal"
	"github.com/starforge/botpay/internal/core/datamodel/payment"
)

// Gateway result-callback parameters. The shp_ parameters are merchant
// defined: they are echoed back verbatim from the payment URL and correlate
// the callback to our payment record.
const (
	ParamOutSum      = "OutSum"
	ParamInvID       = "InvId"
	ParamSignature   = "SignatureValue"
	ParamIsTest      = "IsTest"
	ParamUserID      = "shp_user_id"
	ParamPaymentUUID = "shp_payment_uuid"
)

// ResultCallback is the ephemeral parse of one gateway delivery. It is never
// persisted; redeliveries are deduplicated against the payment record, not a
// callback log.
type ResultCallback struct {
	OutSum      string
	InvID       string
	Signature   string
	UserID      string
	PaymentUUID string
	IsTest      bool
}

func ParseResultCallback(form url.Values) ResultCallback {
	return ResultCallback{
		OutSum:      form.Get(ParamOutSum),
		InvID:       form.Get(ParamInvID),
		Signature:   form.Get(ParamSignature),
		UserID:      form.Get(ParamUserID),
		PaymentUUID: form.Get(ParamPaymentUUID),
		IsTest:      form.Get(ParamIsTest) == "1",
	}
}

// MissingShpParams reports whether either merchant correlation parameter is
// absent. A callback without both is rejected before signature verification
// is even attempted.
func (c ResultCallback) MissingShpParams() bool {
	return c.UserID == "" || c.PaymentUUID == ""
}

func (c ResultCallback) InvoiceID() (int64, bool) {
	id, err := strconv.ParseInt(c.InvID, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (c ResultCallback) CallbackUserID() (int64, bool) {
	id, err := strconv.ParseInt(c.UserID, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// CreateInvoiceRequest starts a payment attempt for one star package.
type CreateInvoiceRequest struct {
	UserID    int64  `json:"user_id"`
	PackageID string `json:"package_id"`
}

func (r *CreateInvoiceRequest) Validate() error {
	if r.UserID <= 0 {
		return internal.NewValidationError("user_id is required", internal.ErrCodeValidationFailed)
	}
	if r.PackageID == "" {
		return internal.NewValidationError("package_id is required", internal.ErrCodeValidationFailed)
	}
	return nil
}

type InvoiceResponse struct {
	PaymentUUID string `json:"payment_uuid"`
	InvoiceID   int64  `json:"invoice_id"`
	AmountRub   string `json:"amount_rub"`
	Stars       int64  `json:"stars"`
	PayURL      string `json:"pay_url"`
}

type PaymentView struct {
	PaymentUUID      string  `json:"payment_uuid"`
	InvoiceID        int64   `json:"invoice_id"`
	UserID           int64   `json:"user_id"`
	AmountRub        string  `json:"amount_rub"`
	Stars            int64   `json:"stars"`
	Status           string  `json:"status"`
	SubscriptionTier *string `json:"subscription_tier,omitempty"`
	CreatedAt        string  `json:"created_at"`
	CompletedAt      *string `json:"completed_at,omitempty"`
}

func ToView(p *payment.Payment) PaymentView {
	view := PaymentView{
		PaymentUUID:      p.PaymentUUID,
		InvoiceID:        p.InvoiceID,
		UserID:           p.UserID,
		AmountRub:        p.Amount.StringFixed(2),
		Stars:            p.Stars,
		Status:           p.Status,
		SubscriptionTier: p.SubscriptionTier,
		CreatedAt:        p.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
	if p.CompletedAt != nil {
		formatted := p.CompletedAt.UTC().Format("2006-01-02T15:04:05Z")
		view.CompletedAt = &formatted
	}
	return view
}
