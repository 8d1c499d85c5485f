package service

import (
	"context"
	"fmt"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// CheckoutLedger persists consumed lifecycle events
type CheckoutLedger interface {
	IsEventProcessed(ctx context.Context, messageID string) (bool, error)
	RecordCheckoutEvent(ctx context.Context, record *models.CheckoutEventRecord, outcome *models.CheckoutOutcome) (bool, error)
}

// OutcomeRecorder turns the lifecycle event stream into an audit trail and
// one outcome row per finished session
type OutcomeRecorder struct {
	ledger CheckoutLedger
	logger *zap.Logger
}

// NewOutcomeRecorder creates a new outcome recorder
func NewOutcomeRecorder(ledger CheckoutLedger) *OutcomeRecorder {
	return &OutcomeRecorder{
		ledger: ledger,
		logger: util.GetLogger(),
	}
}

// HandleCheckoutEvent records one lifecycle event. Redelivered events are
// acknowledged without being recorded twice.
func (r *OutcomeRecorder) HandleCheckoutEvent(ctx context.Context, event *models.CheckoutEvent) (err error) {
	ctx, span := util.StartSpan(ctx, "OutcomeRecorder.HandleCheckoutEvent",
		attribute.String("event_type", event.EventType),
		attribute.String("session_id", event.SessionID))
	defer func() { util.EndSpan(span, err) }()

	if event.MessageID == "" {
		r.logger.Warn("Skipping checkout event without message id", zap.String("event_type", event.EventType))
		util.AuditEventsTotal.WithLabelValues(event.EventType, "invalid").Inc()
		return nil
	}

	processed, err := r.ledger.IsEventProcessed(ctx, event.MessageID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		r.logger.Info("Event already processed", zap.String("message_id", event.MessageID))
		util.AuditEventsTotal.WithLabelValues(event.EventType, "duplicate").Inc()
		return nil
	}

	recorded, err := r.ledger.RecordCheckoutEvent(ctx, eventRecord(event), sessionOutcome(event))
	if err != nil {
		return fmt.Errorf("failed to record checkout event: %w", err)
	}
	if !recorded {
		util.AuditEventsTotal.WithLabelValues(event.EventType, "duplicate").Inc()
		return nil
	}

	util.AuditEventsTotal.WithLabelValues(event.EventType, "recorded").Inc()
	if event.IsTerminal() {
		r.logger.Info("Checkout outcome recorded",
			zap.String("session_id", event.SessionID),
			zap.String("event_type", event.EventType))
	}
	return nil
}

func eventRecord(event *models.CheckoutEvent) *models.CheckoutEventRecord {
	detail := event.Reason
	switch event.EventType {
	case models.EventTypeCheckoutStarted:
		detail = event.UserID
	case models.EventTypePaymentIntentCreated:
		detail = event.PaymentIntentID
	case models.EventTypeCheckoutCompleted:
		detail = event.RegistrationID
	}

	return &models.CheckoutEventRecord{
		MessageID:     event.MessageID,
		SessionID:     event.SessionID,
		EventType:     event.EventType,
		EventID:       event.EventID,
		ReservationID: event.ReservationID,
		Detail:        detail,
		OccurredAt:    event.Timestamp,
	}
}

// sessionOutcome returns the outcome a terminal event settles, or nil
func sessionOutcome(event *models.CheckoutEvent) *models.CheckoutOutcome {
	var outcome string
	switch event.EventType {
	case models.EventTypeCheckoutCompleted:
		outcome = models.OutcomeSucceeded
	case models.EventTypeCheckoutCancelled:
		outcome = models.OutcomeCancelled
	case models.EventTypeCheckoutAbandoned:
		outcome = models.OutcomeExpired
	default:
		return nil
	}

	return &models.CheckoutOutcome{
		SessionID:      event.SessionID,
		EventID:        event.EventID,
		Outcome:        outcome,
		Reason:         event.Reason,
		ReservationID:  event.ReservationID,
		TotalAmount:    event.TotalAmount,
		RegistrationID: event.RegistrationID,
		EndedAt:        event.Timestamp,
	}
}
