package service

import (
	"time"

	"checkout-service/internal/models"
)

// SessionView is the render-ready snapshot of a checkout session
type SessionView struct {
	SessionID            string                `json:"session_id"`
	EventID              string                `json:"event_id"`
	Step                 Step                  `json:"step"`
	TicketTypes          []models.TicketType   `json:"ticket_types"`
	SelectedTicketTypeID string                `json:"selected_ticket_type_id,omitempty"`
	Quantity             int                   `json:"quantity"`
	MaxQuantity          int                   `json:"max_quantity"`
	Reservation          *models.Reservation   `json:"reservation,omitempty"`
	PaymentIntent        *models.PaymentIntent `json:"payment_intent,omitempty"`
	Confirmation         *models.Confirmation  `json:"confirmation,omitempty"`
	TimeRemaining        string                `json:"time_remaining,omitempty"`
	Error                *models.CheckoutError `json:"error,omitempty"`
	Processing           bool                  `json:"processing"`
	Ended                bool                  `json:"ended"`
	EndReason            string                `json:"end_reason,omitempty"`
	StartedAt            time.Time             `json:"started_at"`
}

// View returns the current state of the session
func (s *CheckoutSession) View() SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := SessionView{
		SessionID:            s.id,
		EventID:              s.eventID,
		Step:                 s.state.step(),
		TicketTypes:          s.catalog,
		SelectedTicketTypeID: s.ticketTypeID,
		Quantity:             s.quantity,
		MaxQuantity:          s.maxQuantityLocked(),
		Processing:           s.inflight != nil,
		StartedAt:            s.startedAt,
	}
	if s.lastErr != nil {
		e := *s.lastErr
		view.Error = &e
	}

	switch st := s.state.(type) {
	case reviewingOrder:
		r := st.reservation
		view.Reservation = &r
		view.TimeRemaining = st.clock.Format()
	case awaitingPayment:
		r, pi := st.reservation, st.intent
		view.Reservation = &r
		view.PaymentIntent = &pi
		view.TimeRemaining = st.clock.Format()
	case completed:
		c := st.confirmation
		view.Confirmation = &c
	case ended:
		view.Ended = true
		view.EndReason = st.reason
	}

	return view
}
