package worker

import (
	"context"

	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// CheckoutAuditWorker consumes checkout lifecycle events and records them
type CheckoutAuditWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewCheckoutAuditWorker creates a new audit worker
func NewCheckoutAuditWorker(consumer *broker.Consumer, recorder *service.OutcomeRecorder) *CheckoutAuditWorker {
	eventHandler := broker.NewEventHandler()

	for _, eventType := range []string{
		models.EventTypeCheckoutStarted,
		models.EventTypeTicketsReserved,
		models.EventTypeReservationExpired,
		models.EventTypePaymentIntentCreated,
		models.EventTypeCheckoutCompleted,
		models.EventTypeCheckoutCancelled,
		models.EventTypeCheckoutAbandoned,
	} {
		eventHandler.On(eventType, recorder.HandleCheckoutEvent)
	}

	return &CheckoutAuditWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start consumes until ctx is cancelled
func (w *CheckoutAuditWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting checkout audit worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *CheckoutAuditWorker) Stop() error {
	w.logger.Info("Stopping checkout audit worker")
	return w.consumer.Close()
}
