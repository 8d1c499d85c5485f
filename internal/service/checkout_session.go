package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Step is the checkout step a session is in
type Step string

// Checkout steps. CANCELLED and EXPIRED are end states that are never
// rendered; they tell the caller the session finished without success.
const (
	StepTicketSelection Step = "TICKET_SELECTION"
	StepOrderSummary    Step = "ORDER_SUMMARY"
	StepPayment         Step = "PAYMENT"
	StepSuccess         Step = "SUCCESS"
	StepCancelled       Step = "CANCELLED"
	StepExpired         Step = "EXPIRED"
)

var (
	ErrSessionBusy       = errors.New("checkout session is processing another request")
	ErrSessionEnded      = errors.New("checkout session has ended")
	ErrInvalidTransition = errors.New("action is not allowed in the current checkout step")
)

const releaseTimeout = 5 * time.Second

// ReservationGateway is the events service capability a session needs
type ReservationGateway interface {
	Reserve(ctx context.Context, eventID, ticketTypeID string, quantity int) (*models.Reservation, error)
	Cancel(ctx context.Context, reservationID string) error
	CreatePaymentIntent(ctx context.Context, eventID, reservationID string) (*models.PaymentIntent, error)
	Finalize(ctx context.Context, eventID, reservationID, paymentIntentID string) (*models.Confirmation, error)
}

// LifecycleSink receives every lifecycle event of a session, after the
// transition that produced it has been applied
type LifecycleSink interface {
	OnCheckoutEvent(event *models.CheckoutEvent)
}

// SessionOptions tunes one checkout session
type SessionOptions struct {
	MaxTicketsPerOrder int
	ClockTick          time.Duration
	// AuthToken is forwarded to the events service on every call
	AuthToken string
	Now       func() time.Time
	Logger    *zap.Logger
}

// checkoutState is a tagged union with one variant per step
type checkoutState interface {
	step() Step
}

type selectingTickets struct{}

type reviewingOrder struct {
	reservation models.Reservation
	clock       *ReservationClock
}

type awaitingPayment struct {
	reservation models.Reservation
	intent      models.PaymentIntent
	clock       *ReservationClock
}

type completed struct {
	reservation  models.Reservation
	confirmation models.Confirmation
}

type ended struct {
	terminal Step
	reason   string
}

func (selectingTickets) step() Step { return StepTicketSelection }
func (reviewingOrder) step() Step   { return StepOrderSummary }
func (awaitingPayment) step() Step  { return StepPayment }
func (completed) step() Step        { return StepSuccess }
func (e ended) step() Step          { return e.terminal }

// activeHold returns the reservation and clock of states that own a hold
func activeHold(st checkoutState) (*models.Reservation, *ReservationClock) {
	switch s := st.(type) {
	case reviewingOrder:
		return &s.reservation, s.clock
	case awaitingPayment:
		return &s.reservation, s.clock
	}
	return nil, nil
}

type inflightCall struct {
	token  string
	op     string
	cancel context.CancelFunc
}

// CheckoutSession drives one user's attempt to register for an event, from
// ticket selection to a confirmed registration or abandonment.
//
// Transitions are serialized by mu. Gateway calls run with mu released and
// inflight set; a response is applied only if its call is still the
// current one.
type CheckoutSession struct {
	id      string
	eventID string
	catalog []models.TicketType
	gateway ReservationGateway
	sink    LifecycleSink
	opts    SessionOptions
	logger  *zap.Logger

	mu            sync.Mutex
	state         checkoutState
	ticketTypeID  string
	quantity      int
	lastErr       *models.CheckoutError
	inflight      *inflightCall
	expiryPending bool
	startedAt     time.Time
	lastActivity  time.Time
	endedAt       time.Time
	outbox        []*models.CheckoutEvent

	deliverMu sync.Mutex
}

// NewCheckoutSession creates a session in TICKET_SELECTION over a catalog
// snapshot
func NewCheckoutSession(id, eventID string, catalog []models.TicketType, gw ReservationGateway, sink LifecycleSink, opts SessionOptions) *CheckoutSession {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxTicketsPerOrder <= 0 {
		opts.MaxTicketsPerOrder = 10
	}
	if opts.ClockTick <= 0 {
		opts.ClockTick = time.Second
	}

	now := opts.Now()
	snapshot := make([]models.TicketType, len(catalog))
	copy(snapshot, catalog)

	return &CheckoutSession{
		id:           id,
		eventID:      eventID,
		catalog:      snapshot,
		gateway:      gw,
		sink:         sink,
		opts:         opts,
		logger:       util.SessionLogger(opts.Logger, id, eventID),
		state:        selectingTickets{},
		quantity:     1,
		startedAt:    now,
		lastActivity: now,
	}
}

// ID returns the session identifier
func (s *CheckoutSession) ID() string {
	return s.id
}

// EventID returns the event being checked out
func (s *CheckoutSession) EventID() string {
	return s.eventID
}

// Step returns the current step
func (s *CheckoutSession) Step() Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.step()
}

// Processing reports whether a gateway call is in flight
func (s *CheckoutSession) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight != nil
}

// Finished reports whether the session reached SUCCESS or an end state,
// and when
func (s *CheckoutSession) Finished() (bool, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state.(type) {
	case completed, ended:
		return true, s.endedAt
	}
	return false, time.Time{}
}

// LastActivity returns the time of the last user action
func (s *CheckoutSession) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// IdleSince reports whether the session is in TICKET_SELECTION with no call
// in flight and no user action after cutoff
func (s *CheckoutSession) IdleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.(selectingTickets); !ok || s.inflight != nil {
		return false
	}
	return !s.lastActivity.After(cutoff)
}

// SelectTicket chooses the ticket type to reserve and re-clamps the quantity
func (s *CheckoutSession) SelectTicket(ticketTypeID string) error {
	s.mu.Lock()
	defer s.unlock()

	if err := s.guardSelectionLocked(); err != nil {
		return err
	}

	if _, ok := s.ticketTypeLocked(ticketTypeID); !ok {
		s.lastErr = models.NewCheckoutError(models.ErrorKindValidation, "Selected ticket type is not available for this event.")
		return s.lastErr
	}

	s.ticketTypeID = ticketTypeID
	s.quantity = s.clampQuantityLocked(s.quantity)
	s.lastErr = nil
	return nil
}

// SetQuantity sets the number of tickets, clamped to [1, max]. Out of range
// values are corrected rather than rejected.
func (s *CheckoutSession) SetQuantity(quantity int) error {
	s.mu.Lock()
	defer s.unlock()

	if err := s.guardSelectionLocked(); err != nil {
		return err
	}

	s.quantity = s.clampQuantityLocked(quantity)
	return nil
}

// Reserve places a hold for the current selection and moves to
// ORDER_SUMMARY on success
func (s *CheckoutSession) Reserve(ctx context.Context) (err error) {
	ctx, span := util.StartSpan(ctx, "CheckoutSession.Reserve", attribute.String("session_id", s.id))
	defer func() { util.EndSpan(span, err) }()

	s.mu.Lock()
	if err := s.guardActionLocked(); err != nil {
		s.unlock()
		return err
	}
	if _, ok := s.state.(selectingTickets); !ok {
		s.unlock()
		return ErrInvalidTransition
	}

	ticket, ok := s.ticketTypeLocked(s.ticketTypeID)
	if !ok {
		s.lastErr = models.NewCheckoutError(models.ErrorKindValidation, "Please select a ticket type.")
		s.unlock()
		return s.lastErr
	}
	quantity := s.quantity
	if ticket.Capacity < quantity {
		s.lastErr = models.NewCheckoutError(models.ErrorKindValidation, "Not enough tickets left for this selection.")
		s.unlock()
		return s.lastErr
	}

	callCtx, call := s.beginLocked(ctx, gateway.OpReserve)
	s.unlock()

	reservation, gwErr := s.gateway.Reserve(callCtx, s.eventID, ticket.ID, quantity)

	s.mu.Lock()
	defer s.unlock()

	if !s.finishLocked(call) {
		if gwErr == nil {
			s.releaseOrphanLocked(reservation)
		}
		return ErrSessionEnded
	}

	if gwErr != nil {
		s.lastErr = models.AsCheckoutError(gwErr)
		util.ReservationsFailedTotal.WithLabelValues(string(s.lastErr.Kind)).Inc()
		s.logger.Info("Reservation rejected",
			zap.String("ticket_type_id", ticket.ID),
			zap.Int("quantity", quantity),
			zap.String("kind", string(s.lastErr.Kind)))
		return s.lastErr
	}

	if reservation.Currency == "" {
		reservation.Currency = ticket.Currency
	}
	if reservation.EventID == "" {
		reservation.EventID = s.eventID
	}

	clock := s.newClockLocked(*reservation)
	s.state = reviewingOrder{reservation: *reservation, clock: clock}
	s.lastErr = nil
	clock.Start()

	util.ReservationsCreatedTotal.Inc()
	s.logger.Info("Tickets reserved",
		zap.String("reservation_id", reservation.ID),
		zap.Int64("total_amount", reservation.TotalAmount),
		zap.Time("expires_at", reservation.ExpiresAt))

	event := s.newEventLocked(models.EventTypeTicketsReserved, reservation)
	expiresAt := reservation.ExpiresAt
	event.ExpiresAt = &expiresAt
	s.outbox = append(s.outbox, event)
	return nil
}

// ProceedToPayment moves a reviewed order forward. Free orders are
// finalized directly; paid orders get a payment intent and move to PAYMENT.
func (s *CheckoutSession) ProceedToPayment(ctx context.Context) (err error) {
	ctx, span := util.StartSpan(ctx, "CheckoutSession.ProceedToPayment", attribute.String("session_id", s.id))
	defer func() { util.EndSpan(span, err) }()

	s.mu.Lock()
	if err := s.guardActionLocked(); err != nil {
		s.unlock()
		return err
	}
	review, ok := s.state.(reviewingOrder)
	if !ok {
		s.unlock()
		return ErrInvalidTransition
	}

	if review.reservation.IsFree() {
		return s.finalizeLocked(ctx, review.reservation, "")
	}

	callCtx, call := s.beginLocked(ctx, gateway.OpCheckout)
	s.unlock()

	intent, gwErr := s.gateway.CreatePaymentIntent(callCtx, s.eventID, review.reservation.ID)

	s.mu.Lock()
	defer s.unlock()

	if !s.finishLocked(call) {
		return ErrSessionEnded
	}

	if gwErr != nil {
		ce := models.AsCheckoutError(gwErr)
		if ce.Kind == models.ErrorKindExpired {
			s.expireLocked(ce)
		} else {
			s.lastErr = ce
			s.applyPendingExpiryLocked()
		}
		return ce
	}

	if intent.ReservationID == "" {
		intent.ReservationID = review.reservation.ID
	}
	s.state = awaitingPayment{reservation: review.reservation, intent: *intent, clock: review.clock}
	s.lastErr = nil

	util.PaymentIntentsCreatedTotal.Inc()
	event := s.newEventLocked(models.EventTypePaymentIntentCreated, &review.reservation)
	event.PaymentIntentID = intent.ID
	s.outbox = append(s.outbox, event)

	s.applyPendingExpiryLocked()
	return nil
}

// Finalize confirms the registration once the payment for paymentIntentID
// has been submitted
func (s *CheckoutSession) Finalize(ctx context.Context, paymentIntentID string) (err error) {
	ctx, span := util.StartSpan(ctx, "CheckoutSession.Finalize", attribute.String("session_id", s.id))
	defer func() { util.EndSpan(span, err) }()

	s.mu.Lock()
	if err := s.guardActionLocked(); err != nil {
		s.unlock()
		return err
	}
	payment, ok := s.state.(awaitingPayment)
	if !ok {
		s.unlock()
		return ErrInvalidTransition
	}
	if paymentIntentID != payment.intent.ID {
		s.lastErr = models.NewCheckoutError(models.ErrorKindValidation, "Payment does not belong to this checkout.")
		s.unlock()
		return s.lastErr
	}

	return s.finalizeLocked(ctx, payment.reservation, payment.intent.ID)
}

// finalizeLocked is entered with mu held and releases it
func (s *CheckoutSession) finalizeLocked(ctx context.Context, reservation models.Reservation, paymentIntentID string) error {
	callCtx, call := s.beginLocked(ctx, gateway.OpFinalize)
	s.unlock()

	confirmation, gwErr := s.gateway.Finalize(callCtx, s.eventID, reservation.ID, paymentIntentID)

	s.mu.Lock()
	defer s.unlock()

	if !s.finishLocked(call) {
		if gwErr == nil {
			s.logger.Warn("Registration confirmed after the session ended",
				zap.String("reservation_id", reservation.ID),
				zap.String("registration_id", confirmation.RegistrationID))
		}
		return ErrSessionEnded
	}

	if gwErr != nil {
		ce := models.AsCheckoutError(gwErr)
		if ce.Kind == models.ErrorKindExpired {
			s.expireLocked(ce)
		} else {
			s.lastErr = ce
			s.applyPendingExpiryLocked()
		}
		s.logger.Info("Finalize rejected",
			zap.String("reservation_id", reservation.ID),
			zap.String("kind", string(ce.Kind)))
		return ce
	}

	_, clock := activeHold(s.state)
	if clock != nil {
		clock.Stop()
	}
	s.state = completed{reservation: reservation, confirmation: *confirmation}
	s.lastErr = nil
	s.expiryPending = false
	s.endedAt = s.opts.Now()

	kind := "paid"
	if paymentIntentID == "" {
		kind = "free"
	}
	util.CheckoutsCompletedTotal.WithLabelValues(kind).Inc()
	s.logger.Info("Checkout completed",
		zap.String("reservation_id", reservation.ID),
		zap.String("registration_id", confirmation.RegistrationID))

	event := s.newEventLocked(models.EventTypeCheckoutCompleted, &reservation)
	event.PaymentIntentID = paymentIntentID
	event.RegistrationID = confirmation.RegistrationID
	s.outbox = append(s.outbox, event)
	return nil
}

// CancelSession abandons the checkout. An active hold is released
// best-effort; calling it again after the session ended does nothing.
func (s *CheckoutSession) CancelSession(ctx context.Context) error {
	return s.end(ctx, StepCancelled, models.EventTypeCheckoutCancelled, EndReasonCancelled)
}

// Abandon ends a session that nobody is driving anymore
func (s *CheckoutSession) Abandon(ctx context.Context, reason string) error {
	return s.end(ctx, StepExpired, models.EventTypeCheckoutAbandoned, reason)
}

func (s *CheckoutSession) end(ctx context.Context, terminal Step, eventType, reason string) (err error) {
	ctx, span := util.StartSpan(ctx, "CheckoutSession.End",
		attribute.String("session_id", s.id),
		attribute.String("reason", reason))
	defer func() { util.EndSpan(span, err) }()

	s.mu.Lock()
	switch s.state.(type) {
	case completed:
		s.unlock()
		return ErrInvalidTransition
	case ended:
		s.unlock()
		return nil
	}

	if s.inflight != nil {
		s.inflight.cancel()
		s.inflight = nil
	}

	hold, clock := activeHold(s.state)
	if clock != nil {
		clock.Stop()
	}

	s.state = ended{terminal: terminal, reason: reason}
	s.lastErr = nil
	s.expiryPending = false
	s.endedAt = s.opts.Now()

	util.CheckoutsEndedTotal.WithLabelValues(reason).Inc()
	event := s.newEventLocked(eventType, hold)
	event.Reason = reason
	s.outbox = append(s.outbox, event)
	s.unlock()

	s.logger.Info("Checkout session ended", zap.String("step", string(terminal)), zap.String("reason", reason))

	if hold == nil {
		return nil
	}

	if err := s.gateway.Cancel(gateway.WithAuthToken(ctx, s.opts.AuthToken), hold.ID); err != nil {
		util.ReservationsReleasedTotal.WithLabelValues("error").Inc()
		s.logger.Warn("Failed to release reservation, it will lapse server-side",
			zap.String("reservation_id", hold.ID),
			zap.Error(err))
		return nil
	}
	util.ReservationsReleasedTotal.WithLabelValues("ok").Inc()
	return nil
}

// onClockExpired is the clock callback for reservationID
func (s *CheckoutSession) onClockExpired(reservationID string) {
	s.mu.Lock()
	defer s.unlock()

	hold, _ := activeHold(s.state)
	if hold == nil || hold.ID != reservationID {
		return
	}

	// the server's answer to an in-flight call decides; expiry waits for it
	if s.inflight != nil {
		s.expiryPending = true
		return
	}

	s.expireLocked(models.NewCheckoutError(models.ErrorKindExpired, models.MessageReservationExpired))
}

// expireLocked drops the hold without calling cancel, since the server
// expires it independently, and returns to TICKET_SELECTION
func (s *CheckoutSession) expireLocked(cause *models.CheckoutError) {
	s.expiryPending = false

	hold, clock := activeHold(s.state)
	if hold == nil {
		s.lastErr = cause
		return
	}
	if clock != nil {
		clock.Stop()
	}

	s.state = selectingTickets{}
	s.lastErr = cause
	// back in selection the idle window starts over
	s.lastActivity = s.opts.Now()

	util.ReservationsExpiredTotal.Inc()
	s.logger.Info("Reservation expired", zap.String("reservation_id", hold.ID))

	event := s.newEventLocked(models.EventTypeReservationExpired, hold)
	event.Reason = cause.Message
	s.outbox = append(s.outbox, event)
}

func (s *CheckoutSession) applyPendingExpiryLocked() {
	if !s.expiryPending {
		return
	}
	s.expiryPending = false

	if _, clock := activeHold(s.state); clock != nil && clock.Expired() {
		s.expireLocked(models.NewCheckoutError(models.ErrorKindExpired, models.MessageReservationExpired))
	}
}

func (s *CheckoutSession) guardActionLocked() error {
	s.lastActivity = s.opts.Now()
	switch s.state.(type) {
	case completed, ended:
		return ErrSessionEnded
	}
	if s.inflight != nil {
		return ErrSessionBusy
	}
	return nil
}

func (s *CheckoutSession) guardSelectionLocked() error {
	if err := s.guardActionLocked(); err != nil {
		return err
	}
	if _, ok := s.state.(selectingTickets); !ok {
		return ErrInvalidTransition
	}
	return nil
}

// beginLocked marks a gateway call as in flight and returns the context it
// must run under
func (s *CheckoutSession) beginLocked(ctx context.Context, op string) (context.Context, *inflightCall) {
	callCtx, cancel := context.WithCancel(gateway.WithAuthToken(ctx, s.opts.AuthToken))
	call := &inflightCall{token: uuid.New().String(), op: op, cancel: cancel}
	s.inflight = call
	s.lastErr = nil
	return callCtx, call
}

// finishLocked clears the in-flight marker and reports whether call was
// still the current one
func (s *CheckoutSession) finishLocked(call *inflightCall) bool {
	call.cancel()
	if s.inflight == nil || s.inflight.token != call.token {
		util.StaleResponsesTotal.WithLabelValues(call.op).Inc()
		s.logger.Info("Discarding stale gateway response", zap.String("operation", call.op))
		return false
	}
	s.inflight = nil
	return true
}

// releaseOrphanLocked cancels a hold that was granted after the session
// stopped caring about it
func (s *CheckoutSession) releaseOrphanLocked(reservation *models.Reservation) {
	if reservation == nil {
		return
	}
	s.logger.Info("Releasing reservation granted after the session ended", zap.String("reservation_id", reservation.ID))

	token := s.opts.AuthToken
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()

		if err := s.gateway.Cancel(gateway.WithAuthToken(ctx, token), reservation.ID); err != nil {
			util.ReservationsReleasedTotal.WithLabelValues("error").Inc()
			s.logger.Warn("Failed to release orphaned reservation",
				zap.String("reservation_id", reservation.ID),
				zap.Error(err))
			return
		}
		util.ReservationsReleasedTotal.WithLabelValues("ok").Inc()
	}()
}

func (s *CheckoutSession) newClockLocked(reservation models.Reservation) *ReservationClock {
	reservationID := reservation.ID
	return NewReservationClock(reservation.ExpiresAt, s.opts.ClockTick, s.opts.Now, func() {
		s.onClockExpired(reservationID)
	})
}

func (s *CheckoutSession) ticketTypeLocked(id string) (models.TicketType, bool) {
	if id == "" {
		return models.TicketType{}, false
	}
	for _, t := range s.catalog {
		if t.ID == id {
			return t, true
		}
	}
	return models.TicketType{}, false
}

func (s *CheckoutSession) maxQuantityLocked() int {
	limit := s.opts.MaxTicketsPerOrder
	if ticket, ok := s.ticketTypeLocked(s.ticketTypeID); ok && ticket.Capacity < limit {
		limit = ticket.Capacity
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

func (s *CheckoutSession) clampQuantityLocked(quantity int) int {
	if limit := s.maxQuantityLocked(); quantity > limit {
		quantity = limit
	}
	if quantity < 1 {
		quantity = 1
	}
	return quantity
}

func (s *CheckoutSession) newEventLocked(eventType string, reservation *models.Reservation) *models.CheckoutEvent {
	event := &models.CheckoutEvent{
		BaseEvent: models.BaseEvent{
			MessageID: uuid.New().String(),
			EventType: eventType,
			Timestamp: s.opts.Now().UTC(),
		},
		SessionID:    s.id,
		EventID:      s.eventID,
		TicketTypeID: s.ticketTypeID,
		Quantity:     s.quantity,
	}
	if reservation != nil {
		event.ReservationID = reservation.ID
		event.TicketTypeID = reservation.TicketTypeID
		event.Quantity = reservation.Quantity
		event.TotalAmount = reservation.TotalAmount
	}
	return event
}

// unlock releases mu and then hands queued lifecycle events to the sink.
// Sinks never run under mu. deliverMu makes whichever goroutine delivers
// drain the outbox in the order events were queued.
func (s *CheckoutSession) unlock() {
	if s.sink == nil {
		s.outbox = nil
	}
	pending := len(s.outbox) > 0
	s.mu.Unlock()
	if !pending {
		return
	}

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	events := s.outbox
	s.outbox = nil
	s.mu.Unlock()

	for _, event := range events {
		s.sink.OnCheckoutEvent(event)
	}
}
