package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCatalog struct{}

func (stubCatalog) TicketTypes(ctx context.Context, eventID string) ([]models.TicketType, error) {
	return []models.TicketType{
		{ID: "GA", Name: "General Admission", Price: 500, Capacity: 5, Currency: "INR"},
		{ID: "FREE", Name: "Community", Price: 0, Capacity: 100, Currency: "INR"},
	}, nil
}

type stubGateway struct {
	reserveErr  error
	finalizeErr error
}

func (g *stubGateway) Reserve(ctx context.Context, eventID, ticketTypeID string, quantity int) (*models.Reservation, error) {
	if g.reserveErr != nil {
		return nil, g.reserveErr
	}
	price := int64(500)
	if ticketTypeID == "FREE" {
		price = 0
	}
	return &models.Reservation{
		ID:           "res-1",
		TicketTypeID: ticketTypeID,
		Quantity:     quantity,
		TotalAmount:  price * int64(quantity),
		ExpiresAt:    time.Now().Add(10 * time.Minute),
	}, nil
}

func (g *stubGateway) Cancel(ctx context.Context, reservationID string) error {
	return nil
}

func (g *stubGateway) CreatePaymentIntent(ctx context.Context, eventID, reservationID string) (*models.PaymentIntent, error) {
	return &models.PaymentIntent{ID: "pi_1", ReservationID: reservationID, ClientSecret: "secret"}, nil
}

func (g *stubGateway) Finalize(ctx context.Context, eventID, reservationID, paymentIntentID string) (*models.Confirmation, error) {
	if g.finalizeErr != nil {
		return nil, g.finalizeErr
	}
	return &models.Confirmation{RegistrationID: "reg-1", ReservationID: reservationID}, nil
}

type stubHistory struct {
	events  []models.CheckoutEventRecord
	outcome *models.CheckoutOutcome
}

func (s *stubHistory) GetSessionHistory(ctx context.Context, sessionID string) ([]models.CheckoutEventRecord, error) {
	return s.events, nil
}

func (s *stubHistory) GetOutcome(ctx context.Context, sessionID string) (*models.CheckoutOutcome, error) {
	if s.outcome == nil {
		return nil, store.ErrNotFound
	}
	return s.outcome, nil
}

func setupRouter(gw *stubGateway, history HistoryReader, checks map[string]ReadinessCheck) *gin.Engine {
	gin.SetMode(gin.TestMode)

	manager := service.NewSessionManager(gw, stubCatalog{}, nil, nil, service.ManagerConfig{
		MaxTicketsPerOrder: 10,
		ClockTick:          time.Hour,
		IdleTimeout:        time.Hour,
		Retention:          time.Hour,
	})

	router := gin.New()
	NewHandler(manager, history, checks).SetupRoutes(router)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer user-token")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func startSession(t *testing.T, router *gin.Engine) string {
	t.Helper()
	w, body := doJSON(t, router, http.MethodPost, "/api/v1/events/evt-1/checkout-sessions", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "TICKET_SELECTION", body["step"])
	return body["session_id"].(string)
}

func TestCheckoutFlowOverHTTP(t *testing.T) {
	router := setupRouter(&stubGateway{}, nil, nil)
	id := startSession(t, router)
	base := "/api/v1/checkout-sessions/" + id

	w, body := doJSON(t, router, http.MethodPut, base+"/ticket", gin.H{"ticketTypeId": "GA"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "GA", body["selected_ticket_type_id"])

	w, body = doJSON(t, router, http.MethodPut, base+"/quantity", gin.H{"quantity": 50})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(5), body["quantity"])

	w, body = doJSON(t, router, http.MethodPost, base+"/reserve", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ORDER_SUMMARY", body["step"])
	assert.NotEmpty(t, body["time_remaining"])

	w, body = doJSON(t, router, http.MethodPost, base+"/payment", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "PAYMENT", body["step"])

	w, body = doJSON(t, router, http.MethodPost, base+"/finalize", gin.H{"paymentIntentId": "pi_1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "SUCCESS", body["step"])

	w, _ = doJSON(t, router, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{"capacity", models.NewCheckoutError(models.ErrorKindCapacity, "Only 1 ticket left"), http.StatusConflict, "CAPACITY"},
		{"validation", models.NewCheckoutError(models.ErrorKindValidation, "Invalid quantity"), http.StatusUnprocessableEntity, "VALIDATION"},
		{"expired", models.NewCheckoutError(models.ErrorKindExpired, "Reservation has expired"), http.StatusGone, "EXPIRED"},
		{"network", errors.New("dial tcp: refused"), http.StatusBadGateway, "NETWORK"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := setupRouter(&stubGateway{reserveErr: tt.err}, nil, nil)
			id := startSession(t, router)
			base := "/api/v1/checkout-sessions/" + id

			w, _ := doJSON(t, router, http.MethodPut, base+"/ticket", gin.H{"ticketTypeId": "GA"})
			require.Equal(t, http.StatusOK, w.Code)

			w, body := doJSON(t, router, http.MethodPost, base+"/reserve", nil)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantKind, body["kind"])

			session, ok := body["session"].(map[string]interface{})
			require.True(t, ok, "error responses carry the session view")
			assert.Equal(t, "TICKET_SELECTION", session["step"])
		})
	}
}

func TestPaymentFailedMapsTo402(t *testing.T) {
	router := setupRouter(&stubGateway{finalizeErr: models.NewCheckoutError(models.ErrorKindPaymentFailed, "Card declined")}, nil, nil)
	id := startSession(t, router)
	base := "/api/v1/checkout-sessions/" + id

	doJSON(t, router, http.MethodPut, base+"/ticket", gin.H{"ticketTypeId": "GA"})
	doJSON(t, router, http.MethodPost, base+"/reserve", nil)
	doJSON(t, router, http.MethodPost, base+"/payment", nil)

	w, body := doJSON(t, router, http.MethodPost, base+"/finalize", gin.H{"paymentIntentId": "pi_1"})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "Card declined", body["error"])
	assert.Equal(t, "PAYMENT", body["session"].(map[string]interface{})["step"])
}

func TestBadRequests(t *testing.T) {
	router := setupRouter(&stubGateway{}, nil, nil)
	id := startSession(t, router)
	base := "/api/v1/checkout-sessions/" + id

	w, _ := doJSON(t, router, http.MethodPut, base+"/quantity", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doJSON(t, router, http.MethodPut, base+"/ticket", gin.H{"ticketTypeId": "NOPE"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w, _ = doJSON(t, router, http.MethodPost, base+"/payment", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "payment before reserve")

	w, _ = doJSON(t, router, http.MethodGet, "/api/v1/checkout-sessions/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelSessionOverHTTP(t *testing.T) {
	router := setupRouter(&stubGateway{}, nil, nil)
	id := startSession(t, router)
	base := "/api/v1/checkout-sessions/" + id

	w, body := doJSON(t, router, http.MethodDelete, base, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "CANCELLED", body["step"])
	assert.Equal(t, true, body["ended"])

	w, _ = doJSON(t, router, http.MethodPost, base+"/reserve", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHistory(t *testing.T) {
	history := &stubHistory{
		events: []models.CheckoutEventRecord{
			{MessageID: "m-1", SessionID: "s-1", EventType: models.EventTypeCheckoutStarted, OccurredAt: time.Now()},
		},
		outcome: &models.CheckoutOutcome{SessionID: "s-1", Outcome: models.OutcomeCancelled},
	}
	router := setupRouter(&stubGateway{}, history, nil)

	w, body := doJSON(t, router, http.MethodGet, "/api/v1/checkout-sessions/s-1/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["events"], 1)
	assert.Equal(t, models.OutcomeCancelled, body["outcome"].(map[string]interface{})["outcome"])

	router = setupRouter(&stubGateway{}, &stubHistory{}, nil)
	w, _ = doJSON(t, router, http.MethodGet, "/api/v1/checkout-sessions/s-2/history", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	router = setupRouter(&stubGateway{}, nil, nil)
	w, _ = doJSON(t, router, http.MethodGet, "/api/v1/checkout-sessions/s-2/history", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReadiness(t *testing.T) {
	router := setupRouter(&stubGateway{}, nil, map[string]ReadinessCheck{
		"postgres": func(ctx context.Context) error { return nil },
	})
	w, _ := doJSON(t, router, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	router = setupRouter(&stubGateway{}, nil, map[string]ReadinessCheck{
		"redis": func(ctx context.Context) error { return errors.New("connection refused") },
	})
	w, body := doJSON(t, router, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, body["failed"], "redis")
}
