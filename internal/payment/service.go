package payment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	internal "github.com/starforge/botpay/internal"
	"github.com/starforge/botpay/internal/core/datamodel/payment"
)

// PaymentService owns the invoice-creation side: it records a PENDING payment
// with the star amount fixed up front and builds the signed gateway URL the
// bot sends to the user.
type PaymentService struct {
	store   Store
	gateway *RobokassaGateway
	billing internal.BillingConfig
	logger  *slog.Logger
}

func NewPaymentService(store Store, gateway *RobokassaGateway, billing internal.BillingConfig, logger *slog.Logger) *PaymentService {
	return &PaymentService{
		store:   store,
		gateway: gateway,
		billing: billing,
		logger:  logger,
	}
}

func (s *PaymentService) CreateInvoice(ctx context.Context, req *CreateInvoiceRequest) (*InvoiceResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	pkg, ok := s.billing.PackageByID(req.PackageID)
	if !ok {
		return nil, internal.ErrPackageNotFound
	}

	amount, err := pkg.Amount()
	if err != nil {
		return nil, internal.NewInternalError("invalid package amount", err)
	}

	p := &payment.Payment{
		PaymentUUID: uuid.New().String(),
		UserID:      req.UserID,
		Amount:      amount,
		Stars:       pkg.Stars,
		Status:      payment.StatusPending,
	}
	if pkg.SubscriptionTier != "" {
		tier := pkg.SubscriptionTier
		p.SubscriptionTier = &tier
	}

	if err := s.store.Create(ctx, p); err != nil {
		s.logger.Error("failed to create payment record",
			"user_id", req.UserID,
			"package_id", req.PackageID,
			"error", err)
		return nil, internal.NewTransientError("failed to create payment", err)
	}

	description := fmt.Sprintf("%d stars", pkg.Stars)
	payURL := s.gateway.PayURL(p.InvoiceID, amount, p.UserID, p.PaymentUUID, description)

	s.logger.Info("invoice created",
		"payment_id", p.ID,
		"invoice_id", p.InvoiceID,
		"user_id", p.UserID,
		"amount_rub", amount.StringFixed(2),
		"stars", p.Stars)

	return &InvoiceResponse{
		PaymentUUID: p.PaymentUUID,
		InvoiceID:   p.InvoiceID,
		AmountRub:   amount.StringFixed(2),
		Stars:       p.Stars,
		PayURL:      payURL,
	}, nil
}

func (s *PaymentService) GetPayment(ctx context.Context, paymentUUID string) (*PaymentView, error) {
	p, err := s.store.FindByUUID(ctx, paymentUUID)
	if err != nil {
		return nil, err
	}
	view := ToView(p)
	return &view, nil
}

func (s *PaymentService) Stats(ctx context.Context) (map[string]int64, error) {
	return s.store.StatusCounts(ctx)
}
