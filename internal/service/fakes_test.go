package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"checkout-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testCatalog = []models.TicketType{
	{ID: "GA", Name: "General Admission", Price: 500, Capacity: 3, Currency: "INR"},
	{ID: "VIP", Name: "VIP", Price: 2500, Capacity: 50, Currency: "INR"},
	{ID: "FREE", Name: "Community", Price: 0, Capacity: 100, Currency: "INR"},
	{ID: "SOLD", Name: "Early Bird", Price: 300, Capacity: 0, Currency: "INR"},
}

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeNow() *fakeNow {
	return &fakeNow{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
	return f.t
}

// fakeGateway prices reservations from testCatalog and grants a 10 minute
// hold unless a hook overrides the call
type fakeGateway struct {
	now *fakeNow

	mu            sync.Mutex
	reserveHook   func(ctx context.Context) (*models.Reservation, error)
	checkoutHook  func(ctx context.Context) (*models.PaymentIntent, error)
	finalizeHook  func(ctx context.Context) (*models.Confirmation, error)
	reserveCalls  int
	checkoutCalls int
	finalizeCalls int
	cancelled     []string
	finalizedWith []string
	seq           int
}

func newFakeGateway(now *fakeNow) *fakeGateway {
	return &fakeGateway{now: now}
}

func (g *fakeGateway) Reserve(ctx context.Context, eventID, ticketTypeID string, quantity int) (*models.Reservation, error) {
	g.mu.Lock()
	g.reserveCalls++
	g.seq++
	seq := g.seq
	hook := g.reserveHook
	g.mu.Unlock()

	if hook != nil {
		return hook(ctx)
	}

	var price int64
	for _, t := range testCatalog {
		if t.ID == ticketTypeID {
			price = t.Price
		}
	}
	now := g.now.Now()
	return &models.Reservation{
		ID:           fmt.Sprintf("res-%d", seq),
		EventID:      eventID,
		TicketTypeID: ticketTypeID,
		Quantity:     quantity,
		TotalAmount:  price * int64(quantity),
		CreatedAt:    now,
		ExpiresAt:    now.Add(600 * time.Second),
	}, nil
}

func (g *fakeGateway) Cancel(ctx context.Context, reservationID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, reservationID)
	return nil
}

func (g *fakeGateway) CreatePaymentIntent(ctx context.Context, eventID, reservationID string) (*models.PaymentIntent, error) {
	g.mu.Lock()
	g.checkoutCalls++
	hook := g.checkoutHook
	g.mu.Unlock()

	if hook != nil {
		return hook(ctx)
	}
	return &models.PaymentIntent{ID: "pi_" + reservationID, ReservationID: reservationID, ClientSecret: "secret_" + reservationID}, nil
}

func (g *fakeGateway) Finalize(ctx context.Context, eventID, reservationID, paymentIntentID string) (*models.Confirmation, error) {
	g.mu.Lock()
	g.finalizeCalls++
	g.finalizedWith = append(g.finalizedWith, paymentIntentID)
	hook := g.finalizeHook
	g.mu.Unlock()

	if hook != nil {
		return hook(ctx)
	}
	return &models.Confirmation{RegistrationID: "reg-" + reservationID, ReservationID: reservationID}, nil
}

func (g *fakeGateway) setReserveHook(h func(ctx context.Context) (*models.Reservation, error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reserveHook = h
}

func (g *fakeGateway) setCheckoutHook(h func(ctx context.Context) (*models.PaymentIntent, error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkoutHook = h
}

func (g *fakeGateway) setFinalizeHook(h func(ctx context.Context) (*models.Confirmation, error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.finalizeHook = h
}

func (g *fakeGateway) counts() (reserve, checkout, finalize int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reserveCalls, g.checkoutCalls, g.finalizeCalls
}

func (g *fakeGateway) cancelledIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.cancelled...)
}

type recordingSink struct {
	mu     sync.Mutex
	events []*models.CheckoutEvent
}

func (r *recordingSink) OnCheckoutEvent(event *models.CheckoutEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

func newTestSession(gw *fakeGateway, now *fakeNow, sink LifecycleSink) *CheckoutSession {
	return NewCheckoutSession("sess-1", "evt-1", testCatalog, gw, sink, SessionOptions{
		MaxTicketsPerOrder: 10,
		// long enough that the ticker never fires on its own; tests tick by hand
		ClockTick: time.Hour,
		AuthToken: "Bearer test",
		Now:       now.Now,
		Logger:    zap.NewNop(),
	})
}

// tickClock drives the clock of the session's active hold at now
func tickClock(t *testing.T, s *CheckoutSession, now time.Time) bool {
	t.Helper()
	s.mu.Lock()
	_, clock := activeHold(s.state)
	s.mu.Unlock()
	require.NotNil(t, clock, "session has no active hold")
	return clock.Tick(now)
}

// assertStepData checks the data each step may carry
func assertStepData(t *testing.T, s *CheckoutSession) {
	t.Helper()
	v := s.View()

	if v.PaymentIntent != nil {
		require.NotNil(t, v.Reservation, "payment intent without reservation")
		assert.Greater(t, v.Reservation.TotalAmount, int64(0), "payment intent for a free reservation")
		assert.Equal(t, v.Reservation.ID, v.PaymentIntent.ReservationID)
	}

	switch v.Step {
	case StepOrderSummary, StepPayment:
		assert.NotNil(t, v.Reservation, "step %s without reservation", v.Step)
		assert.NotEmpty(t, v.TimeRemaining)
	default:
		assert.Nil(t, v.Reservation, "step %s with reservation", v.Step)
		assert.Nil(t, v.PaymentIntent, "step %s with payment intent", v.Step)
	}

	assert.GreaterOrEqual(t, v.Quantity, 1)
	assert.LessOrEqual(t, v.Quantity, v.MaxQuantity)
}

// reserveSelection selects ticketTypeID x quantity and reserves it
func reserveSelection(t *testing.T, s *CheckoutSession, ticketTypeID string, quantity int) {
	t.Helper()
	require.NoError(t, s.SelectTicket(ticketTypeID))
	require.NoError(t, s.SetQuantity(quantity))
	require.NoError(t, s.Reserve(context.Background()))
	require.Equal(t, StepOrderSummary, s.Step())
	assertStepData(t, s)
}
