package payment_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	internal "github.com/starforge/botpay/internal"
	"github.com/starforge/botpay/internal/core/datamodel/payment"
	"github.com/starforge/botpay/internal/core/events"
	paymentPkg "github.com/starforge/botpay/internal/payment"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubVerifier counts how many times the engine reached signature
// verification, so specs can assert it is skipped for requests rejected
// earlier.
type stubVerifier struct {
	calls atomic.Int32
	ok    bool
}

func (v *stubVerifier) VerifyResult(outSum, invID, signature string, isTest bool) bool {
	v.calls.Add(1)
	return v.ok
}

type mockSubscriptions struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (m *mockSubscriptions) UpdateUserSubscription(ctx context.Context, userID int64, tier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.calls = append(m.calls, tier)
	return nil
}

// mockStore is an in-memory Store with the same concurrency semantics as the
// database-backed one: the status transition and the credit stamp are
// compare-and-swap operations guarded by a single lock.
type mockStore struct {
	mu            sync.Mutex
	byID          map[int64]*payment.Payment
	creditCounts  map[int64]int
	nextID        int64
	createErr     error
	findErr       error
	completeErr   error
	repairErr     error
	findUncredErr error
	completeCalls int
	repairCalls   int

	// observed properties of the contexts the engine hands to store calls
	fetchCtxHadDeadline    bool
	fetchCtxCancellable    bool
	completeCtxHadDeadline bool
}

func newMockStore() *mockStore {
	return &mockStore{
		byID:         make(map[int64]*payment.Payment),
		creditCounts: make(map[int64]int),
	}
}

func (m *mockStore) seed(p *payment.Payment) *payment.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == 0 {
		m.nextID++
		p.ID = m.nextID
	}
	if p.InvoiceID == 0 {
		p.InvoiceID = p.ID
	}
	m.byID[p.ID] = p
	return p
}

func (m *mockStore) creditCount(paymentID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creditCounts[paymentID]
}

func (m *mockStore) Create(ctx context.Context, p *payment.Payment) error {
	if m.createErr != nil {
		return m.createErr
	}
	p.CreatedAt = time.Now().UTC()
	p.UpdatedAt = p.CreatedAt
	m.seed(p)
	return nil
}

func (m *mockStore) FindByInvoiceID(ctx context.Context, invoiceID int64) (*payment.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, m.fetchCtxHadDeadline = ctx.Deadline()
	m.fetchCtxCancellable = ctx.Done() != nil
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, p := range m.byID {
		if p.InvoiceID == invoiceID {
			copied := *p
			return &copied, nil
		}
	}
	return nil, internal.ErrPaymentNotFound
}

func (m *mockStore) FindByUUID(ctx context.Context, paymentUUID string) (*payment.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, p := range m.byID {
		if p.PaymentUUID == paymentUUID {
			copied := *p
			return &copied, nil
		}
	}
	return nil, internal.ErrPaymentNotFound
}

func (m *mockStore) TryTransition(ctx context.Context, paymentID int64, from, to string) (paymentPkg.TransitionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[paymentID]
	if !ok {
		return paymentPkg.TransitionNotFound, nil
	}
	if p.Status != from {
		return paymentPkg.TransitionAlreadyDone, nil
	}
	p.Status = to
	now := time.Now().UTC()
	p.UpdatedAt = now
	if to == payment.StatusCompleted {
		p.CompletedAt = &now
	}
	return paymentPkg.TransitionApplied, nil
}

func (m *mockStore) CompleteAndCredit(ctx context.Context, p *payment.Payment) (paymentPkg.CompletionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, m.completeCtxHadDeadline = ctx.Deadline()
	m.completeCalls++
	if m.completeErr != nil {
		return paymentPkg.CompletionResult{}, m.completeErr
	}
	stored, ok := m.byID[p.ID]
	if !ok || stored.Status != payment.StatusPending {
		return paymentPkg.CompletionResult{Applied: false}, nil
	}
	now := time.Now().UTC()
	stored.Status = payment.StatusCompleted
	stored.CompletedAt = &now
	stored.CreditedAt = &now
	m.creditCounts[stored.ID]++
	return paymentPkg.CompletionResult{Applied: true, NewBalance: stored.Stars}, nil
}

func (m *mockStore) RepairCredit(ctx context.Context, p *payment.Payment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repairCalls++
	if m.repairErr != nil {
		return false, m.repairErr
	}
	stored, ok := m.byID[p.ID]
	if !ok || stored.Status != payment.StatusCompleted || stored.CreditedAt != nil {
		return false, nil
	}
	now := time.Now().UTC()
	stored.CreditedAt = &now
	m.creditCounts[stored.ID]++
	return true, nil
}

func (m *mockStore) FindUncredited(ctx context.Context, olderThan time.Time, limit int) ([]*payment.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findUncredErr != nil {
		return nil, m.findUncredErr
	}
	var stale []*payment.Payment
	for _, p := range m.byID {
		if len(stale) >= limit {
			break
		}
		if p.Status == payment.StatusCompleted && p.CreditedAt == nil &&
			p.CompletedAt != nil && p.CompletedAt.Before(olderThan) {
			copied := *p
			stale = append(stale, &copied)
		}
	}
	return stale, nil
}

func (m *mockStore) StatusCounts(ctx context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int64)
	for _, p := range m.byID {
		counts[p.Status]++
	}
	return counts, nil
}

var _ = Describe("ReconciliationEngine", func() {
	var (
		store    *mockStore
		verifier *stubVerifier
		subs     *mockSubscriptions
		bus      *events.EventBus
		engine   *paymentPkg.ReconciliationEngine

		completedEvents *atomic.Int32
		repairedEvents  *atomic.Int32
	)

	pendingPayment := func() *payment.Payment {
		return store.seed(&payment.Payment{
			PaymentUUID: "uuid-abc",
			UserID:      42,
			Amount:      decimal.RequireFromString("100.00"),
			Stars:       50,
			Status:      payment.StatusPending,
		})
	}

	callbackFor := func(p *payment.Payment) paymentPkg.ResultCallback {
		return paymentPkg.ResultCallback{
			OutSum:      "100.00",
			InvID:       "1",
			Signature:   "irrelevant-for-stub",
			UserID:      "42",
			PaymentUUID: p.PaymentUUID,
		}
	}

	BeforeEach(func() {
		store = newMockStore()
		verifier = &stubVerifier{ok: true}
		subs = &mockSubscriptions{}
		bus = events.NewEventBus(quietLogger())

		// Fresh counters per spec, captured by value in the handler closures:
		// a handler left over from an earlier spec can only increment the
		// counter instance of its own spec, never this one's.
		completedEvents = new(atomic.Int32)
		repairedEvents = new(atomic.Int32)
		completed, repaired := completedEvents, repairedEvents
		bus.Subscribe(events.EventTypePaymentCompleted, func(ctx context.Context, e events.Event) error {
			completed.Add(1)
			return nil
		})
		bus.Subscribe(events.EventTypeCreditRepaired, func(ctx context.Context, e events.Event) error {
			repaired.Add(1)
			return nil
		})

		engine = paymentPkg.NewReconciliationEngine(verifier, store, subs, bus, 0, quietLogger())
	})

	AfterEach(func() {
		// Flush in-flight handler goroutines so nothing leaks into the next spec.
		bus.Drain()
	})

	Describe("a fresh valid callback", func() {
		It("should complete the payment, credit once and acknowledge with OK", func() {
			p := pendingPayment()

			outcome := engine.HandleResult(context.Background(), callbackFor(p))

			Expect(outcome.Code).To(Equal(paymentPkg.OutcomeSuccess))
			Expect(outcome.Token).To(Equal("OK1"))
			Expect(outcome.HTTPStatus).To(Equal(http.StatusOK))
			Expect(store.creditCount(p.ID)).To(Equal(1))

			bus.Drain()
			Expect(completedEvents.Load()).To(Equal(int32(1)))
		})

		It("should not touch the subscription for a plain star purchase", func() {
			outcome := engine.HandleResult(context.Background(), callbackFor(pendingPayment()))
			Expect(outcome.Code).To(Equal(paymentPkg.OutcomeSuccess))
			Expect(subs.calls).To(BeEmpty())
		})
	})

	Describe("a subscription purchase", func() {
		var p *payment.Payment

		BeforeEach(func() {
			tier := "pro"
			p = store.seed(&payment.Payment{
				PaymentUUID:      "uuid-abc",
				UserID:           42,
				Amount:           decimal.RequireFromString("100.00"),
				Stars:            50,
				Status:           payment.StatusPending,
				SubscriptionTier: &tier,
			})
		})

		It("should update the subscription after crediting", func() {
			outcome := engine.HandleResult(context.Background(), callbackFor(p))

			Expect(outcome.Code).To(Equal(paymentPkg.OutcomeSuccess))
			Expect(subs.calls).To(Equal([]string{"pro"}))
		})

		It("should report a transient failure when the subscription update fails", func() {
			subs.err = errors.New("subscriptions table unavailable")

			outcome := engine.HandleResult(context.Background(), callbackFor(p))

			Expect(outcome.Code).To(Equal(paymentPkg.OutcomeTransientFailure))
			Expect(outcome.Token).To(Equal(paymentPkg.TokenSubscriptionError))
			Expect(outcome.HTTPStatus).To(Equal(http.StatusInternalServerError))
			// credit already committed; the retry lands on the repair path
			Expect(store.creditCount(p.ID)).To(Equal(1))
		})
	})

	Describe("a duplicate delivery", func() {
		It("should acknowledge without re-crediting", func() {
			p := pendingPayment()
			cb := callbackFor(p)

			first := engine.HandleResult(context.Background(), cb)
			second := engine.HandleResult(context.Background(), cb)

			Expect(first.Code).To(Equal(paymentPkg.OutcomeSuccess))
			Expect(second.Code).To(Equal(paymentPkg.OutcomeAlreadyProcessed))
			Expect(second.Token).To(Equal("OK1 (already processed)"))
			Expect(second.HTTPStatus).To(Equal(http.StatusOK))
			Expect(store.creditCount(p.ID)).To(Equal(1))
			Expect(store.completeCalls).To(Equal(1))

			bus.Drain()
			Expect(completedEvents.Load()).To(Equal(int32(1)))
		})

		It("should acknowledge a callback for a failed payment without crediting", func() {
			p := pendingPayment()
			_, err := store.TryTransition(context.Background(), p.ID, payment.StatusPending, payment.StatusFailed)
			Expect(err).ToNot(HaveOccurred())

			outcome := engine.HandleResult(context.Background(), callbackFor(p))

			Expect(outcome.Code).To(Equal(paymentPkg.OutcomeAlreadyProcessed))
			Expect(store.creditCount(p.ID)).To(Equal(0))
		})
	})

	Describe("a redelivery for a completed payment missing its credit", func() {
		It("should repair the credit and acknowledge as already processed", func() {
			p := pendingPayment()
			_, err := store.TryTransition(context.Background(), p.ID, payment.StatusPending, payment.StatusCompleted)
			Expect(err).ToNot(HaveOccurred())

			outcome := engine.HandleResult(context.Background(), callbackFor(p))

			Expect(outcome.Code).To(Equal(paymentPkg.OutcomeAlreadyProcessed))
			Expect(store.creditCount(p.ID)).To(Equal(1))

			bus.Drain()
			Expect(repairedEvents.Load()).To(Equal(int32(1)))
			Expect(completedEvents.Load()).To(Equal(int32(0)))
		})
	})

	Describe("an invalid signature", func() {
		It("should reject with 400 and mutate nothing", func() {
			p := pendingPayment()
			verifier.ok = false

			outcome := engine.HandleResult(context.Background(), callbackFor(p))

			Expect(outcome.Code).To(Equal(paymentPkg.OutcomeValidationFailed))
			Expect(outcome.Token).To(Equal(paymentPkg.TokenInvalidSignature))
			Expect(outcome.HTTPStatus).To(Equal(http.StatusBadRequest))
			Expect(store.creditCount(p.ID)).To(Equal(0))

			fresh, err := store.FindByInvoiceID(context.Background(), p.InvoiceID)
			Expect(err).ToNot(HaveOccurred())
			Expect(fresh.Status).To(Equal(payment.StatusPending))
		})
	})

	Describe("missing shp_ correlation parameters", func() {
		It("should reject before signature verification is attempted", func() {
			p := pendingPayment()
			cb := callbackFor(p)
			cb.PaymentUUID = ""

			outcome := engine.HandleResult(context.Background(), cb)

			Expect(outcome.Code).To(Equal(paymentPkg.OutcomeValidationFailed))
			Expect(outcome.Token).To(Equal(paymentPkg.TokenMissingShpParams))
			Expect(outcome.HTTPStatus).To(Equal(http.StatusBadRequest))
			Expect(verifier.calls.Load()).To(Equal(int32(0)))
			Expect(store.creditCount(p.ID)).To(Equal(0))
		})

		It("should also reject when the user id parameter is missing", func() {
			cb := callbackFor(pendingPayment())
			cb.UserID = ""

			outcome := engine.HandleResult(context.Background(), cb)

			Expect(outcome.Token).To(Equal(paymentPkg.TokenMissingShpParams))
			Expect(verifier.calls.Load()).To(Equal(int32(0)))
		})
	})

	Describe("an unknown invoice", func() {
		It("should return 404", func() {
			cb := paymentPkg.ResultCallback{
				OutSum:      "100.00",
				InvID:       "9999",
				Signature:   "sig",
				UserID:      "42",
				PaymentUUID: "uuid-abc",
			}

			outcome := engine.HandleResult(context.Background(), cb)

			Expect(outcome.Code).To(Equal(paymentPkg.OutcomeNotFound))
			Expect(outcome.Token).To(Equal(paymentPkg.TokenPaymentNotFound))
			Expect(outcome.HTTPStatus).To(Equal(http.StatusNotFound))
		})

		It("should treat an unparsable invoice id as not found", func() {
			cb := callbackFor(pendingPayment())
			cb.InvID = "not-a-number"

			outcome := engine.HandleResult(context.Background(), cb)
			Expect(outcome.Code).To(Equal(paymentPkg.OutcomeNotFound))
		})
	})

	Describe("a callback that contradicts the payment record", func() {
		It("should reject an amount that differs from the recorded amount", func() {
			p := pendingPayment()
			cb := callbackFor(p)
			cb.OutSum = "999.00"

			outcome := engine.HandleResult(context.Background(), cb)

			Expect(outcome.Code).To(Equal(paymentPkg.OutcomeValidationFailed))
			Expect(outcome.Token).To(Equal(paymentPkg.TokenAmountMismatch))
			Expect(outcome.HTTPStatus).To(Equal(http.StatusBadRequest))
			Expect(store.creditCount(p.ID)).To(Equal(0))

			fresh, err := store.FindByInvoiceID(context.Background(), p.InvoiceID)
			Expect(err).ToNot(HaveOccurred())
			Expect(fresh.Status).To(Equal(payment.StatusPending))
		})

		It("should accept an equivalent amount with a different rendering", func() {
			p := pendingPayment()
			cb := callbackFor(p)
			cb.OutSum = "100.0"

			outcome := engine.HandleResult(context.Background(), cb)
			Expect(outcome.Code).To(Equal(paymentPkg.OutcomeSuccess))
		})

		It("should reject a foreign user id as not found", func() {
			p := pendingPayment()
			cb := callbackFor(p)
			cb.UserID = "777"

			outcome := engine.HandleResult(context.Background(), cb)

			Expect(outcome.Code).To(Equal(paymentPkg.OutcomeNotFound))
			Expect(store.creditCount(p.ID)).To(Equal(0))
		})

		It("should reject a foreign payment uuid as not found", func() {
			p := pendingPayment()
			cb := callbackFor(p)
			cb.PaymentUUID = "uuid-of-someone-else"

			outcome := engine.HandleResult(context.Background(), cb)
			Expect(outcome.Code).To(Equal(paymentPkg.OutcomeNotFound))
		})
	})

	Describe("data-access failures", func() {
		It("should report a transient failure when the fetch fails", func() {
			pendingPayment()
			store.findErr = errors.New("connection refused")

			outcome := engine.HandleResult(context.Background(), callbackFor(&payment.Payment{PaymentUUID: "uuid-abc"}))

			Expect(outcome.Code).To(Equal(paymentPkg.OutcomeTransientFailure))
			Expect(outcome.Token).To(Equal(paymentPkg.TokenFetchError))
			Expect(outcome.HTTPStatus).To(Equal(http.StatusInternalServerError))
		})

		It("should report a transient failure when the completion transaction fails", func() {
			p := pendingPayment()
			store.completeErr = errors.New("deadlock detected")

			outcome := engine.HandleResult(context.Background(), callbackFor(p))

			Expect(outcome.Code).To(Equal(paymentPkg.OutcomeTransientFailure))
			Expect(outcome.Token).To(Equal(paymentPkg.TokenUpdateError))
			Expect(store.creditCount(p.ID)).To(Equal(0))
		})

		It("should report a transient failure when the credit repair fails", func() {
			p := pendingPayment()
			_, err := store.TryTransition(context.Background(), p.ID, payment.StatusPending, payment.StatusCompleted)
			Expect(err).ToNot(HaveOccurred())
			store.repairErr = errors.New("connection reset")

			outcome := engine.HandleResult(context.Background(), callbackFor(p))

			Expect(outcome.Code).To(Equal(paymentPkg.OutcomeTransientFailure))
			Expect(outcome.Token).To(Equal(paymentPkg.TokenUpdateError))
		})
	})

	Describe("concurrent deliveries of the same callback", func() {
		It("should credit exactly once and acknowledge every delivery", func() {
			p := pendingPayment()
			cb := callbackFor(p)

			const deliveries = 8
			outcomes := make([]paymentPkg.Outcome, deliveries)
			var wg sync.WaitGroup
			for i := 0; i < deliveries; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					outcomes[i] = engine.HandleResult(context.Background(), cb)
				}(i)
			}
			wg.Wait()

			successes := 0
			for _, outcome := range outcomes {
				Expect(outcome.HTTPStatus).To(Equal(http.StatusOK))
				switch outcome.Code {
				case paymentPkg.OutcomeSuccess:
					successes++
				case paymentPkg.OutcomeAlreadyProcessed:
				default:
					Fail("unexpected outcome " + string(outcome.Code))
				}
			}

			Expect(successes).To(Equal(1))
			Expect(store.creditCount(p.ID)).To(Equal(1))

			bus.Drain()
			Expect(completedEvents.Load()).To(Equal(int32(1)))
		})
	})

	Describe("query deadlines on the detached context", func() {
		It("should bound every store call even when the gateway hangs up", func() {
			p := pendingPayment()

			// The gateway request is already gone; reconciliation must still
			// finish, with each store call carrying its own deadline.
			parent, cancel := context.WithCancel(context.Background())
			cancel()

			outcome := engine.HandleResult(parent, callbackFor(p))

			Expect(outcome.Code).To(Equal(paymentPkg.OutcomeSuccess))
			Expect(store.creditCount(p.ID)).To(Equal(1))
			Expect(store.fetchCtxHadDeadline).To(BeTrue())
			Expect(store.fetchCtxCancellable).To(BeTrue())
			Expect(store.completeCtxHadDeadline).To(BeTrue())
		})
	})
})
