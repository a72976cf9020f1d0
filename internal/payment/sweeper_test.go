package payment_test

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/starforge/botpay/internal/core/datamodel/payment"
	"github.com/starforge/botpay/internal/core/events"
	paymentPkg "github.com/starforge/botpay/internal/payment"
)

var _ = Describe("Sweeper", func() {
	var (
		store          *mockStore
		bus            *events.EventBus
		sweeper        *paymentPkg.Sweeper
		repairedEvents *atomic.Int32
	)

	completedAt := func(age time.Duration) *time.Time {
		t := time.Now().UTC().Add(-age)
		return &t
	}

	uncreditedPayment := func(uuid string, age time.Duration) *payment.Payment {
		return store.seed(&payment.Payment{
			PaymentUUID: uuid,
			UserID:      42,
			Amount:      decimal.RequireFromString("100.00"),
			Stars:       50,
			Status:      payment.StatusCompleted,
			CompletedAt: completedAt(age),
		})
	}

	BeforeEach(func() {
		store = newMockStore()
		bus = events.NewEventBus(quietLogger())
		repairedEvents = new(atomic.Int32)
		repaired := repairedEvents
		bus.Subscribe(events.EventTypeCreditRepaired, func(ctx context.Context, e events.Event) error {
			repaired.Add(1)
			return nil
		})
		sweeper = paymentPkg.NewSweeper(store, bus, quietLogger(), 2*time.Minute, 100, 0)
	})

	AfterEach(func() {
		bus.Drain()
	})

	Context("when completed payments are missing their credits", func() {
		It("should repair each of them once", func() {
			p1 := uncreditedPayment("uuid-1", 10*time.Minute)
			p2 := uncreditedPayment("uuid-2", 5*time.Minute)

			repaired, err := sweeper.Sweep(context.Background())

			Expect(err).ToNot(HaveOccurred())
			Expect(repaired).To(Equal(2))
			Expect(store.creditCount(p1.ID)).To(Equal(1))
			Expect(store.creditCount(p2.ID)).To(Equal(1))

			bus.Drain()
			Expect(repairedEvents.Load()).To(Equal(int32(2)))
		})

		It("should not repair the same payment on a second sweep", func() {
			p := uncreditedPayment("uuid-1", 10*time.Minute)

			first, err := sweeper.Sweep(context.Background())
			Expect(err).ToNot(HaveOccurred())
			second, err := sweeper.Sweep(context.Background())
			Expect(err).ToNot(HaveOccurred())

			Expect(first).To(Equal(1))
			Expect(second).To(Equal(0))
			Expect(store.creditCount(p.ID)).To(Equal(1))
		})
	})

	Context("when completions are younger than the minimum age", func() {
		It("should leave them for the in-flight reconciliation", func() {
			p := uncreditedPayment("uuid-1", 30*time.Second)

			repaired, err := sweeper.Sweep(context.Background())

			Expect(err).ToNot(HaveOccurred())
			Expect(repaired).To(Equal(0))
			Expect(store.creditCount(p.ID)).To(Equal(0))
		})
	})

	Context("when everything is already credited", func() {
		It("should do nothing", func() {
			now := time.Now().UTC()
			store.seed(&payment.Payment{
				PaymentUUID: "uuid-1",
				UserID:      42,
				Amount:      decimal.RequireFromString("100.00"),
				Stars:       50,
				Status:      payment.StatusCompleted,
				CompletedAt: completedAt(10 * time.Minute),
				CreditedAt:  &now,
			})

			repaired, err := sweeper.Sweep(context.Background())
			Expect(err).ToNot(HaveOccurred())
			Expect(repaired).To(Equal(0))
		})
	})

	Context("when the scan fails", func() {
		It("should return the error", func() {
			store.findUncredErr = errors.New("connection refused")

			_, err := sweeper.Sweep(context.Background())
			Expect(err).To(HaveOccurred())
		})
	})

	Context("when one repair fails", func() {
		It("should keep a repair error from aborting the batch", func() {
			uncreditedPayment("uuid-1", 10*time.Minute)
			store.repairErr = errors.New("connection reset")

			repaired, err := sweeper.Sweep(context.Background())

			Expect(err).ToNot(HaveOccurred())
			Expect(repaired).To(Equal(0))
		})
	})
})
