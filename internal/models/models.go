package models

import (
	"encoding/json"
	"time"
)

// TicketType is a snapshot of one purchasable ticket tier of an event
type TicketType struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Capacity int    `json:"capacity"`
	Currency string `json:"currency"`
}

// Reservation is a time-limited hold on ticket inventory
type Reservation struct {
	ID           string    `json:"reservation_id"`
	EventID      string    `json:"event_id"`
	TicketTypeID string    `json:"ticket_type_id"`
	Quantity     int       `json:"quantity"`
	TotalAmount  int64     `json:"total_amount"`
	Currency     string    `json:"currency,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// IsFree reports whether the reservation can be finalized without payment
func (r Reservation) IsFree() bool {
	return r.TotalAmount == 0
}

// PaymentIntent is the payment step handle for a reservation
type PaymentIntent struct {
	ID            string `json:"payment_intent_id"`
	ReservationID string `json:"reservation_id"`
	ClientSecret  string `json:"client_secret,omitempty"`
}

// Confirmation is the registration returned once a reservation is finalized
type Confirmation struct {
	RegistrationID string          `json:"registration_id"`
	ReservationID  string          `json:"reservation_id"`
	Registration   json.RawMessage `json:"registration,omitempty"`
	ConfirmedAt    time.Time       `json:"confirmed_at"`
}

// CheckoutEventRecord is one persisted lifecycle event of a checkout session
type CheckoutEventRecord struct {
	MessageID     string    `db:"message_id" json:"message_id"`
	SessionID     string    `db:"session_id" json:"session_id"`
	EventType     string    `db:"event_type" json:"event_type"`
	EventID       string    `db:"event_id" json:"event_id"`
	ReservationID string    `db:"reservation_id" json:"reservation_id,omitempty"`
	Detail        string    `db:"detail" json:"detail,omitempty"`
	OccurredAt    time.Time `db:"occurred_at" json:"occurred_at"`
}

// CheckoutOutcome is the terminal result of a checkout session
type CheckoutOutcome struct {
	SessionID      string    `db:"session_id" json:"session_id"`
	EventID        string    `db:"event_id" json:"event_id"`
	Outcome        string    `db:"outcome" json:"outcome"`
	Reason         string    `db:"reason" json:"reason,omitempty"`
	ReservationID  string    `db:"reservation_id" json:"reservation_id,omitempty"`
	TotalAmount    int64     `db:"total_amount" json:"total_amount"`
	RegistrationID string    `db:"registration_id" json:"registration_id,omitempty"`
	EndedAt        time.Time `db:"ended_at" json:"ended_at"`
}

// Checkout outcomes
const (
	OutcomeSucceeded = "SUCCEEDED"
	OutcomeCancelled = "CANCELLED"
	OutcomeExpired   = "EXPIRED"
)

// HoldRecord links a live reservation to the session that owns it
type HoldRecord struct {
	ReservationID string `json:"reservation_id"`
	SessionID     string `json:"session_id"`
}
