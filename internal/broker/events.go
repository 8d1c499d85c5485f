package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing checkout lifecycle events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishCheckoutEvent publishes a lifecycle event keyed by its session
func (ep *EventPublisher) PublishCheckoutEvent(ctx context.Context, event *models.CheckoutEvent) error {
	key := fmt.Sprintf("session-%s", event.SessionID)
	return ep.producer.PublishEvent(ctx, key, event.EventType, event)
}

// CheckoutEventFunc handles one decoded checkout event
type CheckoutEventFunc func(context.Context, *models.CheckoutEvent) error

// EventHandler routes incoming checkout events by type
type EventHandler struct {
	handlers map[string]CheckoutEventFunc
	fallback CheckoutEventFunc
	logger   *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{
		handlers: make(map[string]CheckoutEventFunc),
		logger:   util.GetLogger(),
	}
}

// On registers a handler for one event type
func (eh *EventHandler) On(eventType string, handler CheckoutEventFunc) {
	eh.handlers[eventType] = handler
}

// OnAny registers a handler for event types without a dedicated one
func (eh *EventHandler) OnAny(handler CheckoutEventFunc) {
	eh.fallback = handler
}

// HandleMessage decodes a message and routes it to its handler. Unknown
// event types are skipped so they get committed.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var event models.CheckoutEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		eh.logger.Error("Dropping undecodable message",
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}
	if event.EventType == "" {
		event.EventType = eventTypeHeader(msg)
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", event.EventType),
		zap.String("message_id", event.MessageID),
		zap.String("session_id", event.SessionID))

	handler, ok := eh.handlers[event.EventType]
	if !ok {
		handler = eh.fallback
	}
	if handler == nil {
		eh.logger.Debug("Unhandled event type", zap.String("event_type", event.EventType))
		return nil
	}

	return handler(ctx, &event)
}
