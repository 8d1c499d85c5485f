package models

import "time"

// Event types
const (
	EventTypeCheckoutStarted      = "CHECKOUT_STARTED"
	EventTypeTicketsReserved      = "TICKETS_RESERVED"
	EventTypeReservationExpired   = "RESERVATION_EXPIRED"
	EventTypePaymentIntentCreated = "PAYMENT_INTENT_CREATED"
	EventTypeCheckoutCompleted    = "CHECKOUT_COMPLETED"
	EventTypeCheckoutCancelled    = "CHECKOUT_CANCELLED"
	EventTypeCheckoutAbandoned    = "CHECKOUT_ABANDONED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	MessageID string    `json:"message_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// CheckoutEvent is published on every checkout session lifecycle change
type CheckoutEvent struct {
	BaseEvent
	SessionID       string `json:"session_id"`
	EventID         string `json:"event_id"`
	UserID          string `json:"user_id,omitempty"`
	TicketTypeID    string `json:"ticket_type_id,omitempty"`
	Quantity        int    `json:"quantity,omitempty"`
	ReservationID   string `json:"reservation_id,omitempty"`
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	TotalAmount     int64  `json:"total_amount,omitempty"`
	RegistrationID  string `json:"registration_id,omitempty"`
	// ExpiresAt is set for TICKETS_RESERVED
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// IsTerminal reports whether the event ends its session
func (e *CheckoutEvent) IsTerminal() bool {
	switch e.EventType {
	case EventTypeCheckoutCompleted, EventTypeCheckoutCancelled, EventTypeCheckoutAbandoned:
		return true
	}
	return false
}

// ReleasesHold reports whether the event means the session no longer owns
// its reservation
func (e *CheckoutEvent) ReleasesHold() bool {
	return e.ReservationID != "" && (e.IsTerminal() || e.EventType == EventTypeReservationExpired)
}
