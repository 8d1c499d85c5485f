package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HistoryReader reads the recorded lifecycle of a session
type HistoryReader interface {
	GetSessionHistory(ctx context.Context, sessionID string) ([]models.CheckoutEventRecord, error)
	GetOutcome(ctx context.Context, sessionID string) (*models.CheckoutOutcome, error)
}

// ReadinessCheck reports whether one dependency is usable
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	sessions *service.SessionManager
	history  HistoryReader
	checks   map[string]ReadinessCheck
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler. history may be nil.
func NewHandler(sessions *service.SessionManager, history HistoryReader, checks map[string]ReadinessCheck) *Handler {
	return &Handler{
		sessions: sessions,
		history:  history,
		checks:   checks,
		logger:   util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/events/:eventId/checkout-sessions", h.startSession)

		sessions := v1.Group("/checkout-sessions/:id")
		sessions.GET("", h.getSession)
		sessions.DELETE("", h.cancelSession)
		sessions.PUT("/ticket", h.selectTicket)
		sessions.PUT("/quantity", h.setQuantity)
		sessions.POST("/reserve", h.reserve)
		sessions.POST("/payment", h.proceedToPayment)
		sessions.POST("/finalize", h.finalize)
		sessions.GET("/history", h.getHistory)
	}
}

type selectTicketRequest struct {
	TicketTypeID string `json:"ticketTypeId" binding:"required"`
}

type setQuantityRequest struct {
	Quantity *int `json:"quantity" binding:"required"`
}

type finalizeRequest struct {
	PaymentIntentID string `json:"paymentIntentId" binding:"required"`
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"time":     time.Now().Unix(),
		"sessions": h.sessions.Count(),
	})
}

// readinessCheck reports ready only when every dependency answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// startSession opens a checkout session for an event
func (h *Handler) startSession(c *gin.Context) {
	session, err := h.sessions.Start(c.Request.Context(), c.Param("eventId"), c.GetHeader("Authorization"))
	if err != nil {
		h.respondError(c, nil, err)
		return
	}
	c.JSON(http.StatusCreated, session.View())
}

// getSession returns the current view of a session
func (h *Handler) getSession(c *gin.Context) {
	session, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, session.View())
}

func (h *Handler) selectTicket(c *gin.Context) {
	session, ok := h.lookup(c)
	if !ok {
		return
	}

	var req selectTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBadRequest(c, session, err)
		return
	}

	h.respond(c, session, session.SelectTicket(req.TicketTypeID))
}

func (h *Handler) setQuantity(c *gin.Context) {
	session, ok := h.lookup(c)
	if !ok {
		return
	}

	var req setQuantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBadRequest(c, session, err)
		return
	}

	h.respond(c, session, session.SetQuantity(*req.Quantity))
}

func (h *Handler) reserve(c *gin.Context) {
	session, ok := h.lookup(c)
	if !ok {
		return
	}
	h.respond(c, session, session.Reserve(c.Request.Context()))
}

func (h *Handler) proceedToPayment(c *gin.Context) {
	session, ok := h.lookup(c)
	if !ok {
		return
	}
	h.respond(c, session, session.ProceedToPayment(c.Request.Context()))
}

func (h *Handler) finalize(c *gin.Context) {
	session, ok := h.lookup(c)
	if !ok {
		return
	}

	var req finalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBadRequest(c, session, err)
		return
	}

	h.respond(c, session, session.Finalize(c.Request.Context(), req.PaymentIntentID))
}

func (h *Handler) cancelSession(c *gin.Context) {
	session, ok := h.lookup(c)
	if !ok {
		return
	}
	h.respond(c, session, session.CancelSession(c.Request.Context()))
}

// getHistory returns the recorded lifecycle events and outcome of a session
func (h *Handler) getHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Checkout history is not available"})
		return
	}

	sessionID := c.Param("id")
	events, err := h.history.GetSessionHistory(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("Failed to load session history", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load checkout history"})
		return
	}

	outcome, err := h.history.GetOutcome(c.Request.Context(), sessionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.logger.Error("Failed to load session outcome", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load checkout history"})
		return
	}

	if len(events) == 0 && outcome == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No history for this checkout session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"events":     events,
		"outcome":    outcome,
	})
}

func (h *Handler) lookup(c *gin.Context) (*service.CheckoutSession, bool) {
	session, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		h.respondError(c, nil, err)
		return nil, false
	}
	return session, true
}

func (h *Handler) respond(c *gin.Context, session *service.CheckoutSession, err error) {
	if err != nil {
		h.respondError(c, session, err)
		return
	}
	c.JSON(http.StatusOK, session.View())
}

func (h *Handler) respondBadRequest(c *gin.Context, session *service.CheckoutSession, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request body",
		"details": err.Error(),
		"session": session.View(),
	})
}

// respondError writes err with its status and, when known, the session view
func (h *Handler) respondError(c *gin.Context, session *service.CheckoutSession, err error) {
	body := gin.H{"error": err.Error()}
	status := http.StatusInternalServerError

	var ce *models.CheckoutError
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrSessionBusy),
		errors.Is(err, service.ErrSessionEnded),
		errors.Is(err, service.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.As(err, &ce):
		status = statusForKind(ce.Kind)
		body["kind"] = ce.Kind
	default:
		h.logger.Error("Unexpected checkout error", zap.Error(err))
		body["error"] = "Internal server error"
	}

	if session != nil {
		body["session"] = session.View()
	}
	c.JSON(status, body)
}

func statusForKind(kind models.ErrorKind) int {
	switch kind {
	case models.ErrorKindValidation:
		return http.StatusUnprocessableEntity
	case models.ErrorKindCapacity:
		return http.StatusConflict
	case models.ErrorKindExpired:
		return http.StatusGone
	case models.ErrorKindPaymentFailed:
		return http.StatusPaymentRequired
	default:
		return http.StatusBadGateway
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
