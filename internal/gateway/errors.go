package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"checkout-service/internal/models"
)

var defaultMessages = map[models.ErrorKind]string{
	models.ErrorKindValidation:    "The request was rejected by the events service.",
	models.ErrorKindCapacity:      "Not enough tickets left for this selection.",
	models.ErrorKindExpired:       models.MessageReservationExpired,
	models.ErrorKindPaymentFailed: "Payment failed. Please check your payment details.",
	models.ErrorKindNetwork:       "Unable to reach the events service. Please try again.",
}

// statusError keeps the HTTP status of a rejected call next to its
// classification
type statusError struct {
	*models.CheckoutError
	status int
}

func (e *statusError) Unwrap() error {
	return e.CheckoutError
}

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.status == http.StatusNotFound
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// classify maps a non-2xx response onto the checkout error taxonomy.
// An explicit error code in the body wins over the status code.
func classify(op string, status int, raw []byte) *models.CheckoutError {
	var body errorBody
	_ = json.Unmarshal(raw, &body)

	kind, ok := kindFromCode(body.Code)
	if !ok {
		kind = kindFromStatus(op, status)
	}

	message := strings.TrimSpace(body.Message)
	if message == "" {
		message = strings.TrimSpace(body.Error)
	}
	if message == "" || kind == models.ErrorKindNetwork && status >= 500 {
		message = defaultMessages[kind]
	}

	return models.NewCheckoutError(kind, message)
}

func kindFromCode(code string) (models.ErrorKind, bool) {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "SOLD_OUT", "CAPACITY_EXCEEDED", "INSUFFICIENT_CAPACITY":
		return models.ErrorKindCapacity, true
	case "EXPIRED", "RESERVATION_EXPIRED":
		return models.ErrorKindExpired, true
	case "PAYMENT_FAILED", "PAYMENT_DECLINED":
		return models.ErrorKindPaymentFailed, true
	case "VALIDATION", "VALIDATION_ERROR", "INVALID_QUANTITY":
		return models.ErrorKindValidation, true
	}
	return "", false
}

func kindFromStatus(op string, status int) models.ErrorKind {
	switch {
	case status == http.StatusConflict && op == OpReserve:
		return models.ErrorKindCapacity
	case status == http.StatusGone:
		return models.ErrorKindExpired
	case status == http.StatusNotFound && (op == OpCheckout || op == OpFinalize):
		// the hold has been purged server-side
		return models.ErrorKindExpired
	case status == http.StatusPaymentRequired:
		return models.ErrorKindPaymentFailed
	case status == http.StatusBadRequest,
		status == http.StatusUnauthorized,
		status == http.StatusForbidden,
		status == http.StatusNotFound,
		status == http.StatusConflict,
		status == http.StatusUnprocessableEntity:
		return models.ErrorKindValidation
	}
	return models.ErrorKindNetwork
}
