package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Gateway operations, used as metric and span labels
const (
	OpTicketTypes = "ticket_types"
	OpReserve     = "reserve"
	OpCancel      = "cancel"
	OpCheckout    = "checkout"
	OpFinalize    = "finalize"
)

const maxResponseBytes = 1 << 20

// EventsClient talks to the remote events service
type EventsClient struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewEventsClient creates a client for the events service at baseURL
func NewEventsClient(baseURL string, timeout time.Duration) *EventsClient {
	return &EventsClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  util.GetLogger(),
	}
}

type authTokenKey struct{}

// WithAuthToken attaches the caller's Authorization header value to ctx so
// that it is forwarded on every request made with that context
func WithAuthToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, authTokenKey{}, token)
}

func authToken(ctx context.Context) string {
	token, _ := ctx.Value(authTokenKey{}).(string)
	return token
}

type reserveRequest struct {
	TicketTypeID string `json:"ticketTypeId"`
	Quantity     int    `json:"quantity"`
}

type reserveResponse struct {
	ReservationID string     `json:"reservationId"`
	TicketTypeID  string     `json:"ticketTypeId"`
	Quantity      int        `json:"quantity"`
	TotalAmount   int64      `json:"totalAmount"`
	Currency      string     `json:"currency"`
	CreatedAt     *time.Time `json:"createdAt"`
	ExpiresAt     time.Time  `json:"expiresAt"`
}

type cancelResponse struct {
	Success bool `json:"success"`
}

type checkoutRequest struct {
	ReservationID string `json:"reservationId"`
}

type checkoutResponse struct {
	ClientSecret    string `json:"clientSecret"`
	PaymentIntentID string `json:"paymentIntentId"`
}

type finalizeRequest struct {
	ReservationID   string `json:"reservationId"`
	PaymentIntentID string `json:"paymentIntentId,omitempty"`
}

type finalizeResponse struct {
	Registration json.RawMessage `json:"registration"`
}

type ticketTypesResponse struct {
	TicketTypes []models.TicketType `json:"ticketTypes"`
}

// ListTicketTypes fetches the ticket catalog of an event
func (c *EventsClient) ListTicketTypes(ctx context.Context, eventID string) ([]models.TicketType, error) {
	var resp ticketTypesResponse
	path := fmt.Sprintf("/events/%s/ticket-types", url.PathEscape(eventID))
	if err := c.do(ctx, OpTicketTypes, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.TicketTypes, nil
}

// Reserve places a hold on quantity tickets of the given type
func (c *EventsClient) Reserve(ctx context.Context, eventID, ticketTypeID string, quantity int) (*models.Reservation, error) {
	var resp reserveResponse
	path := fmt.Sprintf("/events/%s/reserve", url.PathEscape(eventID))
	req := reserveRequest{TicketTypeID: ticketTypeID, Quantity: quantity}
	if err := c.do(ctx, OpReserve, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}

	if resp.ReservationID == "" || resp.ExpiresAt.IsZero() {
		return nil, c.fail(OpReserve, models.NewCheckoutError(models.ErrorKindNetwork,
			"The events service returned an incomplete reservation. Please try again."))
	}

	createdAt := time.Now().UTC()
	if resp.CreatedAt != nil {
		createdAt = resp.CreatedAt.UTC()
	}
	if resp.TicketTypeID == "" {
		resp.TicketTypeID = ticketTypeID
	}
	if resp.Quantity == 0 {
		resp.Quantity = quantity
	}

	return &models.Reservation{
		ID:           resp.ReservationID,
		EventID:      eventID,
		TicketTypeID: resp.TicketTypeID,
		Quantity:     resp.Quantity,
		TotalAmount:  resp.TotalAmount,
		Currency:     resp.Currency,
		CreatedAt:    createdAt,
		ExpiresAt:    resp.ExpiresAt.UTC(),
	}, nil
}

// Cancel releases a hold. A hold the service no longer knows about is
// treated as released.
func (c *EventsClient) Cancel(ctx context.Context, reservationID string) error {
	var resp cancelResponse
	path := fmt.Sprintf("/reservations/%s/cancel", url.PathEscape(reservationID))
	err := c.do(ctx, OpCancel, http.MethodPost, path, nil, &resp)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	if !resp.Success {
		return c.fail(OpCancel, models.NewCheckoutError(models.ErrorKindNetwork, "The reservation could not be released."))
	}
	return nil
}

// CreatePaymentIntent starts the payment step for a reservation
func (c *EventsClient) CreatePaymentIntent(ctx context.Context, eventID, reservationID string) (*models.PaymentIntent, error) {
	var resp checkoutResponse
	path := fmt.Sprintf("/events/%s/checkout", url.PathEscape(eventID))
	if err := c.do(ctx, OpCheckout, http.MethodPost, path, checkoutRequest{ReservationID: reservationID}, &resp); err != nil {
		return nil, err
	}
	if resp.PaymentIntentID == "" {
		return nil, c.fail(OpCheckout, models.NewCheckoutError(models.ErrorKindNetwork,
			"Payment could not be initialized. Please try again."))
	}
	return &models.PaymentIntent{
		ID:            resp.PaymentIntentID,
		ReservationID: reservationID,
		ClientSecret:  resp.ClientSecret,
	}, nil
}

// Finalize converts a hold into a registration. paymentIntentID is empty for
// free reservations.
func (c *EventsClient) Finalize(ctx context.Context, eventID, reservationID, paymentIntentID string) (*models.Confirmation, error) {
	var resp finalizeResponse
	path := fmt.Sprintf("/events/%s/finalize", url.PathEscape(eventID))
	req := finalizeRequest{ReservationID: reservationID, PaymentIntentID: paymentIntentID}
	if err := c.do(ctx, OpFinalize, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return &models.Confirmation{
		RegistrationID: registrationID(resp.Registration),
		ReservationID:  reservationID,
		Registration:   resp.Registration,
		ConfirmedAt:    time.Now().UTC(),
	}, nil
}

// do performs one JSON round trip and maps failures onto the checkout
// error taxonomy
func (c *EventsClient) do(ctx context.Context, op, method, path string, body, out interface{}) (err error) {
	ctx, span := util.StartSpan(ctx, "EventsClient."+op, attribute.String("http.method", method), attribute.String("http.path", path))
	defer func() { util.EndSpan(span, err) }()

	start := time.Now()
	defer func() {
		util.GatewayRequestLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := authToken(ctx); token != "" {
		req.Header.Set("Authorization", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("Events service request failed",
			zap.String("operation", op),
			zap.Error(err))
		return c.fail(op, models.AsCheckoutError(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return c.fail(op, models.AsCheckoutError(err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Info("Events service rejected request",
			zap.String("operation", op),
			zap.Int("status", resp.StatusCode))
		return c.fail(op, &statusError{
			CheckoutError: classify(op, resp.StatusCode, raw),
			status:        resp.StatusCode,
		})
	}

	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			c.logger.Error("Failed to decode events service response",
				zap.String("operation", op),
				zap.Error(err))
			return c.fail(op, models.NewCheckoutError(models.ErrorKindNetwork,
				"Unexpected response from the events service. Please try again."))
		}
	}

	return nil
}

func (c *EventsClient) fail(op string, err error) error {
	util.GatewayErrorsTotal.WithLabelValues(op, string(models.KindOf(err))).Inc()
	return err
}

func registrationID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var ids struct {
		ID      string `json:"id"`
		MongoID string `json:"_id"`
	}
	if err := json.Unmarshal(raw, &ids); err != nil {
		return ""
	}
	if ids.ID != "" {
		return ids.ID
	}
	return ids.MongoID
}
